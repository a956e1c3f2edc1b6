// Package workspace manages workspace membership and the invite lifecycle.
// Role checks from rbac are enforced here on every mutating call.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/email"
	"formpilot/api/internal/events"
	"formpilot/api/internal/logging"
	"formpilot/api/internal/telemetry"
	"formpilot/api/internal/util"
)

const DefaultInviteTTL = 7 * 24 * time.Hour

// Mailer delivers invite e-mail. *email.Service satisfies it.
type Mailer interface {
	SendInvite(data email.InviteData) error
}

type Options struct {
	Store  docstore.Store
	Events events.Publisher
	Mailer Mailer
	Clock  clockwork.Clock
	Logger *slog.Logger

	InviteTTL time.Duration
	// AcceptURL is the page that accepts an invite; the token is appended
	// as the "token" query parameter.
	AcceptURL string
}

type Service struct {
	store     docstore.Store
	events    events.Publisher
	mailer    Mailer
	clock     clockwork.Clock
	logger    *slog.Logger
	validate  *validator.Validate
	tracer    trace.Tracer
	inviteTTL time.Duration
	acceptURL string
}

func New(opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ttl := opts.InviteTTL
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	return &Service{
		store:     opts.Store,
		events:    opts.Events,
		mailer:    opts.Mailer,
		clock:     clock,
		logger:    logging.Or(opts.Logger, "workspace"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		tracer:    telemetry.Tracer("workspace"),
		inviteTTL: ttl,
		acceptURL: opts.AcceptURL,
	}
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Avatar string
}

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnsureIndexes declares the uniqueness rules for members and invites.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		collection string
		index      docstore.Index
	}{
		{docstore.CollectionWorkspaceMembers, docstore.Index{
			Name:   "members_active_user",
			Fields: []string{"workspaceId", "userId"},
			Unique: true,
			Where:  map[string]any{"status": string(MemberActive)},
		}},
		{docstore.CollectionWorkspaceMembers, docstore.Index{Name: "members_workspace", Fields: []string{"workspaceId"}}},
		{docstore.CollectionWorkspaceInvites, docstore.Index{
			Name:   "invites_pending_email",
			Fields: []string{"workspaceId", "email"},
			Unique: true,
			Where:  map[string]any{"status": string(InvitePending)},
		}},
		{docstore.CollectionWorkspaceInvites, docstore.Index{Name: "invites_token", Fields: []string{"token"}, Unique: true}},
	}
	for _, item := range indexes {
		if err := s.store.EnsureIndex(ctx, item.collection, item.index); err != nil {
			return fmt.Errorf("ensure %s: %w", item.index.Name, err)
		}
	}
	return nil
}

type createWorkspaceInput struct {
	Name    string `validate:"required,max=100"`
	OwnerID string `validate:"required"`
}

// CreateWorkspace stores a workspace and makes owner its first member.
func (s *Service) CreateWorkspace(ctx context.Context, name string, owner Identity) (Workspace, Member, error) {
	input := createWorkspaceInput{Name: strings.TrimSpace(name), OwnerID: owner.UserID}
	if err := s.validate.Struct(input); err != nil {
		return Workspace{}, Member{}, apperr.Validation("INVALID_WORKSPACE", "Workspace name is required and must be at most 100 characters")
	}

	id := util.NewID("ws")
	doc, err := s.store.Create(ctx, docstore.CollectionWorkspaces, id, map[string]any{
		"name":    input.Name,
		"ownerId": owner.UserID,
	})
	if err != nil {
		return Workspace{}, Member{}, storeError(err, "workspace")
	}
	ws := toWorkspace(doc)

	member, err := s.AddOwner(ctx, ws.ID, owner)
	if err != nil {
		return Workspace{}, Member{}, err
	}
	s.logger.Info("workspace created", "workspace_id", ws.ID, "owner_id", owner.UserID)
	return ws, member, nil
}

func (s *Service) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	doc, err := s.store.Get(ctx, docstore.CollectionWorkspaces, id)
	if err != nil {
		return Workspace{}, storeError(err, "workspace")
	}
	return toWorkspace(doc), nil
}

func toWorkspace(doc docstore.Document) Workspace {
	name, _ := doc.Data["name"].(string)
	owner, _ := doc.Data["ownerId"].(string)
	return Workspace{ID: doc.ID, Name: name, OwnerID: owner, CreatedAt: doc.CreatedAt}
}

func (s *Service) findOne(ctx context.Context, collection string, filters ...docstore.Filter) (docstore.Document, bool, error) {
	docs, _, err := s.store.List(ctx, collection, docstore.Query{Filters: filters, Limit: 1})
	if err != nil {
		return docstore.Document{}, false, err
	}
	if len(docs) == 0 {
		return docstore.Document{}, false, nil
	}
	return docs[0], true, nil
}

func (s *Service) publishJoined(ctx context.Context, m Member) {
	if s.events == nil {
		return
	}
	err := s.events.PublishMember(ctx, events.MemberEvent{
		WorkspaceID: m.WorkspaceID,
		UserID:      m.UserID,
		Role:        string(m.Role),
		At:          s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publish member event failed", "workspace_id", m.WorkspaceID, "user_id", m.UserID, "error", err)
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func storeError(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		return apperr.NotFound(strings.ToUpper(entity)+"_NOT_FOUND", strings.ToUpper(entity[:1])+entity[1:]+" not found")
	case errors.Is(err, docstore.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return apperr.Transient("STORE_UNAVAILABLE", "Storage is temporarily unavailable", err)
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	}
	return apperr.Internal("STORE_ERROR", "Storage error", err)
}

func normalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// gate resolves actor's active role in workspaceID.
func (s *Service) gate(ctx context.Context, workspaceID string, actor Identity) (Member, error) {
	if actor.UserID == "" {
		return Member{}, apperr.Forbidden("AUTH_REQUIRED", "Sign in to continue")
	}
	m, ok, err := s.activeMember(ctx, workspaceID, actor.UserID)
	if err != nil {
		return Member{}, err
	}
	if !ok {
		return Member{}, apperr.Forbidden("NOT_A_MEMBER", "You are not a member of this workspace")
	}
	return m, nil
}
