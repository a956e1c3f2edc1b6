package workspace

import (
	"context"
	"time"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/rbac"
	"formpilot/api/internal/util"
)

type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberRemoved MemberStatus = "removed"
)

type Member struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspaceId"`
	UserID      string       `json:"userId"`
	UserEmail   string       `json:"userEmail"`
	UserName    string       `json:"userName"`
	UserAvatar  string       `json:"userAvatar,omitempty"`
	Role        rbac.Role    `json:"role"`
	Status      MemberStatus `json:"status"`
	JoinedAt    time.Time    `json:"joinedAt"`
	InvitedBy   string       `json:"invitedBy,omitempty"`
	RemovedAt   *time.Time   `json:"removedAt,omitempty"`
}

// AddOwner bootstraps a new workspace with its owner.
func (s *Service) AddOwner(ctx context.Context, workspaceID string, owner Identity) (Member, error) {
	if workspaceID == "" || owner.UserID == "" {
		return Member{}, apperr.Validation("INVALID_MEMBER", "Workspace and user are required")
	}
	m := Member{
		WorkspaceID: workspaceID,
		UserID:      owner.UserID,
		UserEmail:   normalizeEmail(owner.Email),
		UserName:    owner.Name,
		UserAvatar:  owner.Avatar,
		Role:        rbac.RoleOwner,
	}
	return s.createMember(ctx, m)
}

func (s *Service) createMember(ctx context.Context, m Member) (Member, error) {
	m.ID = util.NewID("mem")
	m.Status = MemberActive
	m.JoinedAt = s.now()
	data, err := docstore.Encode(m)
	if err != nil {
		return Member{}, apperr.Internal("ENCODE_FAILED", "Could not store member", err)
	}
	doc, err := s.store.Create(ctx, docstore.CollectionWorkspaceMembers, m.ID, data)
	if err != nil {
		if isConflict(err) {
			return Member{}, alreadyMember()
		}
		return Member{}, storeError(err, "member")
	}
	return toMember(doc)
}

// RoleOf returns userID's active role in workspaceID.
func (s *Service) RoleOf(ctx context.Context, workspaceID, userID string) (rbac.Role, error) {
	m, ok, err := s.activeMember(ctx, workspaceID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.NotFound("MEMBER_NOT_FOUND", "Member not found")
	}
	return m.Role, nil
}

func (s *Service) activeMember(ctx context.Context, workspaceID, userID string) (Member, bool, error) {
	doc, ok, err := s.findOne(ctx, docstore.CollectionWorkspaceMembers,
		docstore.Eq("workspaceId", workspaceID),
		docstore.Eq("userId", userID),
		docstore.Eq("status", string(MemberActive)),
	)
	if err != nil || !ok {
		return Member{}, false, storeError(err, "member")
	}
	m, err := toMember(doc)
	return m, err == nil, err
}

func (s *Service) activeMemberByEmail(ctx context.Context, workspaceID, addr string) (bool, error) {
	_, ok, err := s.findOne(ctx, docstore.CollectionWorkspaceMembers,
		docstore.Eq("workspaceId", workspaceID),
		docstore.Eq("userEmail", normalizeEmail(addr)),
		docstore.Eq("status", string(MemberActive)),
	)
	return ok, storeError(err, "member")
}

// ListMembers returns the active members, oldest first. Any member may
// list.
func (s *Service) ListMembers(ctx context.Context, actor Identity, workspaceID string) ([]Member, error) {
	if _, err := s.gate(ctx, workspaceID, actor); err != nil {
		return nil, err
	}
	docs, _, err := s.store.List(ctx, docstore.CollectionWorkspaceMembers, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("workspaceId", workspaceID),
			docstore.Eq("status", string(MemberActive)),
		},
		OrderBy: "createdAt",
	})
	if err != nil {
		return nil, storeError(err, "member")
	}
	members := make([]Member, 0, len(docs))
	for _, doc := range docs {
		m, err := toMember(doc)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

// ChangeMemberRole assigns role to the member, subject to
// rbac.EditableRoles. Nobody changes their own role through here.
func (s *Service) ChangeMemberRole(ctx context.Context, actor Identity, memberID string, role rbac.Role) (Member, error) {
	target, err := s.loadActiveMember(ctx, memberID)
	if err != nil {
		return Member{}, err
	}
	acting, err := s.gate(ctx, target.WorkspaceID, actor)
	if err != nil {
		return Member{}, err
	}
	if acting.ID == target.ID {
		return Member{}, apperr.Forbidden("OWN_ROLE", "You cannot change your own role")
	}
	if !rbac.CanManage(acting.Role, target.Role) {
		return Member{}, apperr.Forbidden("CANNOT_MANAGE", "You cannot change this member's role")
	}
	if !rbac.Contains(rbac.EditableRoles(acting.Role, target.Role), role) {
		return Member{}, apperr.Validation("ROLE_NOT_ALLOWED", "This role cannot be assigned here").
			WithDetails(map[string]any{"allowed": rbac.EditableRoles(acting.Role, target.Role)})
	}
	if role == target.Role {
		return target, nil
	}
	if target.Role == rbac.RoleOwner {
		if err := s.keepAnOwner(ctx, target.WorkspaceID); err != nil {
			return Member{}, err
		}
	}

	doc, err := s.store.Update(ctx, docstore.CollectionWorkspaceMembers, target.ID, map[string]any{"role": string(role)})
	if err != nil {
		return Member{}, storeError(err, "member")
	}
	s.logger.Info("member role changed", "workspace_id", target.WorkspaceID, "member_id", target.ID, "from", target.Role, "to", role, "by", actor.UserID)
	return toMember(doc)
}

// RemoveMember marks the member removed, subject to rbac.CanManage.
func (s *Service) RemoveMember(ctx context.Context, actor Identity, memberID string) error {
	target, err := s.loadActiveMember(ctx, memberID)
	if err != nil {
		return err
	}
	acting, err := s.gate(ctx, target.WorkspaceID, actor)
	if err != nil {
		return err
	}
	if !rbac.CanManage(acting.Role, target.Role) {
		return apperr.Forbidden("CANNOT_MANAGE", "You cannot remove this member")
	}
	if target.Role == rbac.RoleOwner {
		if err := s.keepAnOwner(ctx, target.WorkspaceID); err != nil {
			return err
		}
	}

	_, err = s.store.Update(ctx, docstore.CollectionWorkspaceMembers, target.ID, map[string]any{
		"status":    string(MemberRemoved),
		"removedAt": s.now(),
	})
	if err != nil {
		return storeError(err, "member")
	}
	s.logger.Info("member removed", "workspace_id", target.WorkspaceID, "member_id", target.ID, "by", actor.UserID)
	return nil
}

func (s *Service) loadActiveMember(ctx context.Context, memberID string) (Member, error) {
	doc, err := s.store.Get(ctx, docstore.CollectionWorkspaceMembers, memberID)
	if err != nil {
		return Member{}, storeError(err, "member")
	}
	m, err := toMember(doc)
	if err != nil {
		return Member{}, err
	}
	if m.Status != MemberActive {
		return Member{}, apperr.NotFound("MEMBER_NOT_FOUND", "Member not found")
	}
	return m, nil
}

// keepAnOwner fails when demoting or removing one owner would leave the
// workspace without any.
func (s *Service) keepAnOwner(ctx context.Context, workspaceID string) error {
	_, owners, err := s.store.List(ctx, docstore.CollectionWorkspaceMembers, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("workspaceId", workspaceID),
			docstore.Eq("status", string(MemberActive)),
			docstore.Eq("role", string(rbac.RoleOwner)),
		},
		Limit: 2,
	})
	if err != nil {
		return storeError(err, "member")
	}
	if owners < 2 {
		return apperr.Conflict("LAST_OWNER", "A workspace must keep at least one owner")
	}
	return nil
}

func toMember(doc docstore.Document) (Member, error) {
	var m Member
	if err := docstore.Decode(doc.Data, &m); err != nil {
		return Member{}, apperr.Internal("DECODE_FAILED", "Stored member is unreadable", err)
	}
	m.ID = doc.ID
	return m, nil
}

func alreadyMember() error {
	return apperr.Conflict("ALREADY_MEMBER", "This person is already a member of the workspace")
}
