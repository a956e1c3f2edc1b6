package workspace

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/email"
	"formpilot/api/internal/rbac"
	"formpilot/api/internal/util"
)

type InviteStatus string

const (
	InvitePending   InviteStatus = "pending"
	InviteAccepted  InviteStatus = "accepted"
	InviteCancelled InviteStatus = "cancelled"
	InviteExpired   InviteStatus = "expired"
)

type Invite struct {
	ID             string       `json:"id"`
	WorkspaceID    string       `json:"workspaceId"`
	WorkspaceName  string       `json:"workspaceName"`
	Email          string       `json:"email"`
	Role           rbac.Role    `json:"role"`
	Status         InviteStatus `json:"status"`
	InvitedBy      string       `json:"invitedBy"`
	InvitedByName  string       `json:"invitedByName"`
	InvitedByEmail string       `json:"invitedByEmail"`
	Token          string       `json:"token,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	RespondedAt    *time.Time   `json:"respondedAt,omitempty"`
}

type SendInviteParams struct {
	WorkspaceID string    `validate:"required"`
	Email       string    `validate:"required,email"`
	Role        rbac.Role `validate:"required"`
	Inviter     Identity
}

type InviteReceipt struct {
	InviteID  string    `json:"inviteId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	EmailSent bool      `json:"emailSent"`
}

// SendInvite issues a pending invite and mails the accept link. A mail
// failure is logged; the invite stays valid and can be shared by hand.
func (s *Service) SendInvite(ctx context.Context, p SendInviteParams) (InviteReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "workspace.send_invite")
	defer span.End()
	span.SetAttributes(attribute.String("workspace.id", p.WorkspaceID))

	receipt, err := s.sendInvite(ctx, p)
	if apperr.Is(err, apperr.KindInternal) || apperr.Is(err, apperr.KindTransient) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return receipt, err
}

func (s *Service) sendInvite(ctx context.Context, p SendInviteParams) (InviteReceipt, error) {
	p.Email = normalizeEmail(p.Email)
	if err := s.validate.Struct(p); err != nil {
		return InviteReceipt{}, apperr.Validation("INVALID_INVITE", "A valid e-mail address and role are required")
	}

	inviter, err := s.gate(ctx, p.WorkspaceID, p.Inviter)
	if err != nil {
		return InviteReceipt{}, err
	}
	if !rbac.CanInvite(inviter.Role) {
		return InviteReceipt{}, apperr.Forbidden("INVITE_FORBIDDEN", "You cannot invite people to this workspace")
	}
	if !rbac.Contains(rbac.InvitableRoles(inviter.Role), p.Role) {
		return InviteReceipt{}, apperr.Validation("ROLE_NOT_ALLOWED", "This role cannot be offered in an invite").
			WithDetails(map[string]any{"allowed": rbac.InvitableRoles(inviter.Role)})
	}

	ws, err := s.GetWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		return InviteReceipt{}, err
	}

	if err := s.ensureNoPending(ctx, p.WorkspaceID, p.Email); err != nil {
		return InviteReceipt{}, err
	}
	member, err := s.activeMemberByEmail(ctx, p.WorkspaceID, p.Email)
	if err != nil {
		return InviteReceipt{}, err
	}
	if member {
		return InviteReceipt{}, alreadyMember()
	}

	token, err := util.NewToken()
	if err != nil {
		return InviteReceipt{}, apperr.Internal("TOKEN_FAILED", "Could not create invite", err)
	}
	now := s.now()
	inv := Invite{
		ID:             util.NewID("inv"),
		WorkspaceID:    ws.ID,
		WorkspaceName:  ws.Name,
		Email:          p.Email,
		Role:           p.Role,
		Status:         InvitePending,
		InvitedBy:      p.Inviter.UserID,
		InvitedByName:  p.Inviter.Name,
		InvitedByEmail: normalizeEmail(p.Inviter.Email),
		Token:          token,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.inviteTTL),
	}
	data, err := docstore.Encode(inv)
	if err != nil {
		return InviteReceipt{}, apperr.Internal("ENCODE_FAILED", "Could not store invite", err)
	}
	if _, err := s.store.Create(ctx, docstore.CollectionWorkspaceInvites, inv.ID, data); err != nil {
		if isConflict(err) {
			return InviteReceipt{}, pendingInvite()
		}
		return InviteReceipt{}, storeError(err, "invite")
	}

	receipt := InviteReceipt{InviteID: inv.ID, Token: inv.Token, ExpiresAt: inv.ExpiresAt}
	receipt.EmailSent = s.mail(inv)
	s.logger.Info("invite sent", "workspace_id", inv.WorkspaceID, "invite_id", inv.ID, "role", inv.Role, "email_sent", receipt.EmailSent)
	return receipt, nil
}

// ensureNoPending fails with Conflict while a live pending invite exists
// for the pair. Stale ones are expired on the way.
func (s *Service) ensureNoPending(ctx context.Context, workspaceID, addr string) error {
	docs, _, err := s.store.List(ctx, docstore.CollectionWorkspaceInvites, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("workspaceId", workspaceID),
			docstore.Eq("email", addr),
			docstore.Eq("status", string(InvitePending)),
		},
	})
	if err != nil {
		return storeError(err, "invite")
	}
	for _, doc := range docs {
		inv, err := toInvite(doc)
		if err != nil {
			return err
		}
		inv, err = s.expireIfDue(ctx, inv)
		if err != nil {
			return err
		}
		if inv.Status == InvitePending {
			return pendingInvite()
		}
	}
	return nil
}

func (s *Service) mail(inv Invite) bool {
	if s.mailer == nil {
		return false
	}
	err := s.mailer.SendInvite(email.InviteData{
		To:            inv.Email,
		WorkspaceName: inv.WorkspaceName,
		InviterName:   inv.InvitedByName,
		Role:          string(inv.Role),
		AcceptURL:     s.acceptLink(inv.Token),
		ExpiresAt:     inv.ExpiresAt,
	})
	if err != nil {
		if !errors.Is(err, email.ErrNotConfigured) {
			s.logger.Warn("invite email failed", "invite_id", inv.ID, "error", err)
		}
		return false
	}
	return true
}

func (s *Service) acceptLink(token string) string {
	base := s.acceptURL
	if base == "" {
		return token
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + url.Values{"token": {token}}.Encode()
}

// AcceptInvite turns a pending invite into an active membership for who.
func (s *Service) AcceptInvite(ctx context.Context, token string, who Identity) (Member, error) {
	ctx, span := s.tracer.Start(ctx, "workspace.accept_invite")
	defer span.End()

	if who.UserID == "" {
		return Member{}, apperr.Forbidden("AUTH_REQUIRED", "Sign in to accept the invite")
	}
	inv, err := s.GetInviteByToken(ctx, token)
	if err != nil {
		return Member{}, err
	}
	span.SetAttributes(attribute.String("workspace.id", inv.WorkspaceID))

	switch inv.Status {
	case InvitePending:
	case InviteExpired:
		return Member{}, apperr.Expired("INVITE_EXPIRED", "This invite has expired")
	default:
		return Member{}, apperr.Conflict("INVITE_NOT_PENDING", "This invite was already "+string(inv.Status))
	}
	if normalizeEmail(who.Email) != inv.Email {
		return Member{}, apperr.Forbidden("EMAIL_MISMATCH", "This invite was sent to a different e-mail address")
	}
	_, exists, err := s.activeMember(ctx, inv.WorkspaceID, who.UserID)
	if err != nil {
		return Member{}, err
	}
	if exists {
		return Member{}, alreadyMember()
	}

	m, err := s.createMember(ctx, Member{
		WorkspaceID: inv.WorkspaceID,
		UserID:      who.UserID,
		UserEmail:   inv.Email,
		UserName:    who.Name,
		UserAvatar:  who.Avatar,
		Role:        inv.Role,
		InvitedBy:   inv.InvitedBy,
	})
	if err != nil {
		return Member{}, err
	}

	if err := s.respond(ctx, inv.ID, InviteAccepted); err != nil {
		s.logger.Warn("mark invite accepted failed", "invite_id", inv.ID, "error", err)
	}
	s.logger.Info("invite accepted", "workspace_id", inv.WorkspaceID, "invite_id", inv.ID, "user_id", who.UserID)
	s.publishJoined(ctx, m)
	return m, nil
}

// CancelInvite withdraws a pending invite. Anyone allowed to invite into
// the workspace may cancel.
func (s *Service) CancelInvite(ctx context.Context, actor Identity, inviteID string) (Invite, error) {
	doc, err := s.store.Get(ctx, docstore.CollectionWorkspaceInvites, inviteID)
	if err != nil {
		return Invite{}, storeError(err, "invite")
	}
	inv, err := toInvite(doc)
	if err != nil {
		return Invite{}, err
	}
	acting, err := s.gate(ctx, inv.WorkspaceID, actor)
	if err != nil {
		return Invite{}, err
	}
	if !rbac.CanInvite(acting.Role) {
		return Invite{}, apperr.Forbidden("INVITE_FORBIDDEN", "You cannot manage invites for this workspace")
	}

	if inv, err = s.expireIfDue(ctx, inv); err != nil {
		return Invite{}, err
	}
	if inv.Status != InvitePending {
		return Invite{}, apperr.Conflict("INVITE_NOT_PENDING", "This invite was already "+string(inv.Status))
	}
	if err := s.respond(ctx, inv.ID, InviteCancelled); err != nil {
		return Invite{}, err
	}
	inv.Status = InviteCancelled
	now := s.now()
	inv.RespondedAt = &now
	inv.Token = ""
	s.logger.Info("invite cancelled", "workspace_id", inv.WorkspaceID, "invite_id", inv.ID, "by", actor.UserID)
	return inv, nil
}

// GetInviteByToken looks an invite up by its token, expiring it first when
// its time has passed.
func (s *Service) GetInviteByToken(ctx context.Context, token string) (Invite, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Invite{}, apperr.NotFound("INVITE_NOT_FOUND", "Invite not found")
	}
	doc, ok, err := s.findOne(ctx, docstore.CollectionWorkspaceInvites, docstore.Eq("token", token))
	if err != nil {
		return Invite{}, storeError(err, "invite")
	}
	if !ok {
		return Invite{}, apperr.NotFound("INVITE_NOT_FOUND", "Invite not found")
	}
	inv, err := toInvite(doc)
	if err != nil {
		return Invite{}, err
	}
	return s.expireIfDue(ctx, inv)
}

// ListInvites returns the workspace's invites, newest first, optionally
// narrowed to one status. Tokens are not included.
func (s *Service) ListInvites(ctx context.Context, actor Identity, workspaceID string, status InviteStatus) ([]Invite, error) {
	acting, err := s.gate(ctx, workspaceID, actor)
	if err != nil {
		return nil, err
	}
	if !rbac.CanInvite(acting.Role) {
		return nil, apperr.Forbidden("INVITE_FORBIDDEN", "You cannot manage invites for this workspace")
	}

	docs, _, err := s.store.List(ctx, docstore.CollectionWorkspaceInvites, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("workspaceId", workspaceID)},
		OrderBy: "createdAt",
		Desc:    true,
	})
	if err != nil {
		return nil, storeError(err, "invite")
	}
	invites := make([]Invite, 0, len(docs))
	for _, doc := range docs {
		inv, err := toInvite(doc)
		if err != nil {
			return nil, err
		}
		if inv, err = s.expireIfDue(ctx, inv); err != nil {
			return nil, err
		}
		if status != "" && inv.Status != status {
			continue
		}
		inv.Token = ""
		invites = append(invites, inv)
	}
	return invites, nil
}

// expireIfDue moves a pending invite past its expiry to expired.
func (s *Service) expireIfDue(ctx context.Context, inv Invite) (Invite, error) {
	if inv.Status != InvitePending || !s.now().After(inv.ExpiresAt) {
		return inv, nil
	}
	if _, err := s.store.Update(ctx, docstore.CollectionWorkspaceInvites, inv.ID, map[string]any{
		"status": string(InviteExpired),
	}); err != nil {
		return Invite{}, storeError(err, "invite")
	}
	s.logger.Info("invite expired", "workspace_id", inv.WorkspaceID, "invite_id", inv.ID)
	inv.Status = InviteExpired
	return inv, nil
}

func (s *Service) respond(ctx context.Context, inviteID string, status InviteStatus) error {
	_, err := s.store.Update(ctx, docstore.CollectionWorkspaceInvites, inviteID, map[string]any{
		"status":      string(status),
		"respondedAt": s.now(),
	})
	return storeError(err, "invite")
}

func toInvite(doc docstore.Document) (Invite, error) {
	var inv Invite
	if err := docstore.Decode(doc.Data, &inv); err != nil {
		return Invite{}, apperr.Internal("DECODE_FAILED", "Stored invite is unreadable", err)
	}
	inv.ID = doc.ID
	return inv, nil
}

func pendingInvite() error {
	return apperr.Conflict("INVITE_PENDING", "An invite for this e-mail address is already pending")
}

func isConflict(err error) bool {
	return errors.Is(err, docstore.ErrConflict)
}
