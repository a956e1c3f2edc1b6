package formsvc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/events"
	"formpilot/api/internal/form"
	"formpilot/api/internal/gitrepo"
	"formpilot/api/internal/util"
)

const (
	maxSlugBase     = 48
	slugAttempts    = 5
	minPasswordSize = 4
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Publish makes a form reachable through its public slug and records the
// published content as a new version.
func (s *Service) Publish(ctx context.Context, id, actor string) (form.Form, gitrepo.Version, error) {
	ctx, span := s.start(ctx, "publish", id)
	defer span.End()

	current, _, err := s.load(ctx, id)
	if err != nil {
		return form.Form{}, gitrepo.Version{}, s.fail(span, err)
	}
	if len(current.Questions) == 0 {
		return form.Form{}, gitrepo.Version{}, s.fail(span, apperr.Validation("NO_QUESTIONS", "A form needs at least one question to be published"))
	}

	published, err := s.assignSlug(ctx, current)
	if err != nil {
		return form.Form{}, gitrepo.Version{}, s.fail(span, err)
	}

	var version gitrepo.Version
	if s.versions != nil {
		message := publishMessage(s.previousVersion(id), published)
		version, err = s.versions.Commit(id, published, actor, message)
		if err != nil {
			return form.Form{}, gitrepo.Version{}, s.fail(span, apperr.Internal("VERSION_COMMIT_FAILED", "Failed to record published version", err))
		}
	}
	s.publish(ctx, events.FormChanged, published)
	return published, version, nil
}

// assignSlug sets isPublic and isActive, keeping an existing slug or
// generating one from the title. A taken slug gets a random suffix.
func (s *Service) assignSlug(ctx context.Context, f form.Form) (form.Form, error) {
	slug := f.Slug
	fresh := slug == ""
	if fresh {
		slug = Slugify(f.Title)
	}
	for attempt := 0; attempt < slugAttempts; attempt++ {
		data := map[string]any{"isPublic": true, "isActive": true, "slug": slug}
		doc, err := s.store.Update(ctx, docstore.CollectionForms, f.ID, data)
		if err == nil {
			updated, _, err := fromDocument(doc)
			return updated, err
		}
		if !errors.Is(err, docstore.ErrConflict) || !fresh {
			return form.Form{}, storeError(err, "form")
		}
		slug = Slugify(f.Title) + "-" + strings.ToLower(util.NewID("")[:6])
	}
	return form.Form{}, apperr.Conflict("SLUG_TAKEN", "Could not assign a unique slug")
}

func (s *Service) previousVersion(id string) form.Form {
	if s.versions == nil {
		return form.Form{}
	}
	previous, _, err := s.versions.Head(id)
	if err != nil && !errors.Is(err, gitrepo.ErrNoVersions) {
		s.logger.Warn("read published head failed", "form_id", id, "error", err)
	}
	return previous
}

func publishMessage(previous, next form.Form) string {
	changes := gitrepo.DiffFields(previous, next)
	if previous.ID == "" {
		return "Publish " + next.Title
	}
	if len(changes) == 0 {
		return "Republish without changes"
	}
	fields := make([]string, 0, len(changes))
	for _, change := range changes {
		fields = append(fields, change.Field)
	}
	return "Update " + strings.Join(fields, ", ")
}

// Slugify lowercases title and joins its alphanumeric runs with dashes.
func Slugify(title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > maxSlugBase {
		slug = strings.TrimRight(slug[:maxSlugBase], "-")
	}
	if slug == "" {
		slug = "form"
	}
	return slug
}

func (s *Service) Unpublish(ctx context.Context, id string) (form.Form, error) {
	isPublic := false
	return s.Update(ctx, id, form.Patch{IsPublic: &isPublic})
}

func (s *Service) Versions(ctx context.Context, id string, limit int) ([]gitrepo.Version, error) {
	if _, _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	if s.versions == nil {
		return []gitrepo.Version{}, nil
	}
	versions, err := s.versions.History(id, limit)
	if err != nil {
		return nil, apperr.Internal("VERSION_HISTORY_FAILED", "Failed to read version history", err)
	}
	return versions, nil
}

func (s *Service) VersionContent(ctx context.Context, id, hash string) (form.Form, error) {
	if _, _, err := s.load(ctx, id); err != nil {
		return form.Form{}, err
	}
	if s.versions == nil {
		return form.Form{}, apperr.NotFound("VERSION_NOT_FOUND", "Version not found")
	}
	snapshot, err := s.versions.ContentAt(id, hash)
	if err != nil {
		return form.Form{}, &apperr.Error{Kind: apperr.KindNotFound, Code: "VERSION_NOT_FOUND", Message: "Version not found", Err: err}
	}
	return snapshot, nil
}

// SetAccessPassword protects a published form. An empty password removes
// the protection.
func (s *Service) SetAccessPassword(ctx context.Context, id, password string) (form.Form, error) {
	ctx, span := s.start(ctx, "set_password", id)
	defer span.End()

	hash := ""
	if password != "" {
		if len(password) < minPasswordSize {
			return form.Form{}, s.fail(span, apperr.Validation("PASSWORD_TOO_SHORT", fmt.Sprintf("Password must be at least %d characters", minPasswordSize)))
		}
		encoded, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return form.Form{}, s.fail(span, apperr.Internal("PASSWORD_HASH_FAILED", "Failed to store password", err))
		}
		hash = string(encoded)
	}
	doc, err := s.store.Update(ctx, docstore.CollectionForms, id, map[string]any{"accessPasswordHash": hash})
	if err != nil {
		return form.Form{}, s.fail(span, storeError(err, "form"))
	}
	updated, _, err := fromDocument(doc)
	if err != nil {
		return form.Form{}, s.fail(span, err)
	}
	return updated, nil
}

// GetBySlug returns a published, active form. Password protected forms
// require the matching password.
func (s *Service) GetBySlug(ctx context.Context, slug, password string) (form.Form, error) {
	ctx, span := s.start(ctx, "get_by_slug", "")
	defer span.End()

	docs, _, err := s.store.List(ctx, docstore.CollectionForms, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("slug", strings.ToLower(strings.TrimSpace(slug)))},
		Limit:   1,
	})
	if err != nil {
		return form.Form{}, s.fail(span, storeError(err, "form"))
	}
	if len(docs) == 0 {
		return form.Form{}, apperr.NotFound("FORM_NOT_FOUND", "Form not found")
	}
	f, hash, err := fromDocument(docs[0])
	if err != nil {
		return form.Form{}, s.fail(span, err)
	}
	if !f.IsPublic {
		return form.Form{}, apperr.NotFound("FORM_NOT_FOUND", "Form not found")
	}
	if !f.IsActive {
		return form.Form{}, apperr.Forbidden("FORM_CLOSED", "This form is no longer accepting responses")
	}
	if err := checkPassword(hash, password); err != nil {
		return form.Form{}, err
	}
	return f, nil
}

// CheckAccess verifies password against the form's access password.
func (s *Service) CheckAccess(ctx context.Context, id, password string) error {
	_, hash, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return checkPassword(hash, password)
}

func checkPassword(hash, password string) error {
	if hash == "" {
		return nil
	}
	if password == "" {
		return apperr.Forbidden("PASSWORD_REQUIRED", "This form is password protected")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return apperr.Forbidden("PASSWORD_INVALID", "Incorrect password")
	}
	return nil
}
