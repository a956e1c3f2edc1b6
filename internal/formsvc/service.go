// Package formsvc loads and saves forms, translating between the stored
// document shape and the form aggregate.
package formsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/events"
	"formpilot/api/internal/form"
	"formpilot/api/internal/gitrepo"
	"formpilot/api/internal/logging"
	"formpilot/api/internal/telemetry"
	"formpilot/api/internal/util"
)

// Versioner records published snapshots.
type Versioner interface {
	Commit(formID string, snapshot form.Form, author, message string) (gitrepo.Version, error)
	Head(formID string) (form.Form, gitrepo.Version, error)
	History(formID string, limit int) ([]gitrepo.Version, error)
	ContentAt(formID, hash string) (form.Form, error)
	Remove(formID string) error
}

type Options struct {
	Store    docstore.Store
	Events   events.Publisher
	Versions Versioner
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

type Service struct {
	store    docstore.Store
	events   events.Publisher
	versions Versioner
	clock    clockwork.Clock
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

func New(opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:    opts.Store,
		events:   opts.Events,
		versions: opts.Versions,
		clock:    clock,
		logger:   logging.Or(opts.Logger, "formsvc"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   telemetry.Tracer("formsvc"),
	}
}

// FormDraft is the input of Create. Questions without an id get one.
type FormDraft struct {
	Title       string            `json:"title" validate:"required,max=200"`
	Description string            `json:"description" validate:"max=2000"`
	WorkspaceID string            `json:"workspaceId" validate:"max=64"`
	Intro       *form.PageContent `json:"intro"`
	Outro       *form.PageContent `json:"outro"`
	Design      json.RawMessage   `json:"design"`
	Settings    json.RawMessage   `json:"settings"`
	Questions   []form.Question   `json:"questions"`
}

type ListParams struct {
	WorkspaceID string
	Search      string
	Limit       int
	Offset      int
}

type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// EnsureIndexes declares the form, submission and template indexes.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		collection string
		index      docstore.Index
	}{
		{docstore.CollectionForms, docstore.Index{Name: "forms_slug", Fields: []string{"slug"}, Unique: true}},
		{docstore.CollectionForms, docstore.Index{Name: "forms_workspace", Fields: []string{"workspaceId"}}},
		{docstore.CollectionSubmissions, docstore.Index{Name: "submissions_form", Fields: []string{"formId"}}},
	}
	for _, item := range indexes {
		if err := s.store.EnsureIndex(ctx, item.collection, item.index); err != nil {
			return fmt.Errorf("ensure %s: %w", item.index.Name, err)
		}
	}
	return nil
}

func (s *Service) Create(ctx context.Context, draft FormDraft) (form.Form, error) {
	ctx, span := s.start(ctx, "create", "")
	defer span.End()

	draft.Title = strings.TrimSpace(draft.Title)
	if err := s.validate.Struct(draft); err != nil {
		return form.Form{}, s.fail(span, validationError(err))
	}

	f := form.Form{
		Title:       draft.Title,
		Description: draft.Description,
		WorkspaceID: draft.WorkspaceID,
		Design:      draft.Design,
		Settings:    draft.Settings,
		IsActive:    true,
	}
	if draft.Intro != nil {
		f.Intro = *draft.Intro
	}
	if draft.Outro != nil {
		f.Outro = *draft.Outro
	}
	for _, q := range draft.Questions {
		if q.ID == "" {
			q.ID = util.NewID("q")
		}
		f.Questions = append(f.Questions, q)
	}
	form.ApplyDefaults(&f)
	if err := validatePatch(form.Patch{Design: f.Design, Settings: f.Settings, Questions: &f.Questions}); err != nil {
		return form.Form{}, s.fail(span, err)
	}

	rec, err := toRecord(f)
	if err != nil {
		return form.Form{}, s.fail(span, err)
	}
	data, err := docstore.Encode(rec)
	if err != nil {
		return form.Form{}, s.fail(span, err)
	}
	delete(data, "accessPasswordHash")

	doc, err := s.store.Create(ctx, docstore.CollectionForms, "", data)
	if err != nil {
		return form.Form{}, s.fail(span, storeError(err, "form"))
	}
	created, _, err := fromDocument(doc)
	if err != nil {
		return form.Form{}, s.fail(span, err)
	}
	span.SetAttributes(attribute.String("form.id", created.ID))
	s.publish(ctx, events.FormChanged, created)
	return created, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (form.Form, error) {
	ctx, span := s.start(ctx, "get", id)
	defer span.End()

	f, _, err := s.load(ctx, id)
	if err != nil {
		return form.Form{}, s.fail(span, err)
	}
	return f, nil
}

func (s *Service) load(ctx context.Context, id string) (form.Form, string, error) {
	doc, err := s.store.Get(ctx, docstore.CollectionForms, id)
	if err != nil {
		return form.Form{}, "", storeError(err, "form")
	}
	return fromDocument(doc)
}

// Update merges the fields set in p. A questions list replaces the stored
// one wholesale.
func (s *Service) Update(ctx context.Context, id string, p form.Patch) (form.Form, error) {
	ctx, span := s.start(ctx, "update", id)
	defer span.End()
	span.SetAttributes(attribute.StringSlice("form.fields", p.Fields()))

	if p.Empty() {
		return form.Form{}, s.fail(span, apperr.Validation("EMPTY_PATCH", "Update contains no fields"))
	}
	if err := validatePatch(p); err != nil {
		return form.Form{}, s.fail(span, err)
	}
	data, err := patchData(p)
	if err != nil {
		return form.Form{}, s.fail(span, err)
	}

	doc, err := s.store.Update(ctx, docstore.CollectionForms, id, data)
	if err != nil {
		return form.Form{}, s.fail(span, storeError(err, "form"))
	}
	updated, _, err := fromDocument(doc)
	if err != nil {
		return form.Form{}, s.fail(span, err)
	}
	s.publish(ctx, events.FormChanged, updated)
	return updated, nil
}

// Delete removes the form. A form that is already gone is reported as
// NotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := s.start(ctx, "delete", id)
	defer span.End()

	existing, _, err := s.load(ctx, id)
	if err != nil {
		return s.fail(span, err)
	}
	if err := s.store.Delete(ctx, docstore.CollectionForms, id); err != nil {
		return s.fail(span, storeError(err, "form"))
	}
	if s.versions != nil {
		if err := s.versions.Remove(id); err != nil {
			s.logger.Warn("remove form versions failed", "form_id", id, "error", err)
		}
	}
	s.publish(ctx, events.FormDeleted, existing)
	return nil
}

func (s *Service) List(ctx context.Context, params ListParams) (Page[form.Form], error) {
	ctx, span := s.start(ctx, "list", "")
	defer span.End()

	q := docstore.Query{OrderBy: "updatedAt", Desc: true, Limit: clampLimit(params.Limit), Offset: max(params.Offset, 0)}
	if params.WorkspaceID != "" {
		q.Filters = append(q.Filters, docstore.Eq("workspaceId", params.WorkspaceID))
	}
	if term := strings.TrimSpace(params.Search); term != "" {
		q.Filters = append(q.Filters, docstore.Search("title", term))
	}
	docs, total, err := s.store.List(ctx, docstore.CollectionForms, q)
	if err != nil {
		return Page[form.Form]{}, s.fail(span, storeError(err, "form"))
	}
	items := make([]form.Form, 0, len(docs))
	for _, doc := range docs {
		f, _, err := fromDocument(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable form", "form_id", doc.ID, "error", err)
			continue
		}
		items = append(items, f)
	}
	return Page[form.Form]{Items: items, Total: total}, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 200:
		return 200
	}
	return limit
}

func (s *Service) publish(ctx context.Context, kind events.Type, f form.Form) {
	if s.events == nil {
		return
	}
	event := events.FormEvent{Type: kind, FormID: f.ID, WorkspaceID: f.WorkspaceID, At: s.clock.Now().UTC()}
	if err := s.events.PublishForm(ctx, event); err != nil {
		s.logger.Warn("publish form event failed", "form_id", f.ID, "event", kind, "error", err)
	}
}

func (s *Service) start(ctx context.Context, op, formID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "formsvc."+op)
	if formID != "" {
		span.SetAttributes(attribute.String("form.id", formID))
	}
	return ctx, span
}

func (s *Service) fail(span trace.Span, err error) error {
	if !apperr.Is(err, apperr.KindNotFound) && !apperr.Is(err, apperr.KindValidation) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// storeError maps document store sentinels onto the error taxonomy.
func storeError(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		code := strings.ToUpper(entity) + "_NOT_FOUND"
		return &apperr.Error{Kind: apperr.KindNotFound, Code: code, Message: capitalize(entity) + " not found", Err: err}
	case errors.Is(err, docstore.ErrConflict):
		return &apperr.Error{Kind: apperr.KindConflict, Code: strings.ToUpper(entity) + "_CONFLICT", Message: capitalize(entity) + " conflicts with an existing record", Err: err}
	case errors.Is(err, docstore.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return apperr.Transient("STORE_UNAVAILABLE", "Storage is temporarily unavailable", err)
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	}
	return apperr.Internal("STORE_ERROR", "Storage error", err)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()+":"+fe.Tag())
		}
		return apperr.Validation("INVALID_DRAFT", "Invalid form: "+strings.Join(fields, ", ")).WithDetails(map[string]any{"fields": fields})
	}
	return apperr.Validation("INVALID_DRAFT", err.Error())
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}
