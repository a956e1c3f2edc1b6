// Package rbac holds the workspace role policy. The functions are pure so
// the HTTP layer and the services can evaluate the same rules.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

const (
	ActionRead            Action = "read"
	ActionEdit            Action = "edit"
	ActionPublish         Action = "publish"
	ActionDelete          Action = "delete"
	ActionInvite          Action = "invite"
	ActionManageMembers   Action = "manage_members"
	ActionDeleteWorkspace Action = "delete_workspace"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action != ActionDeleteWorkspace
	case RoleMember:
		return action == ActionRead || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// CanManage reports whether acting may change or remove a member holding
// target.
func CanManage(acting, target Role) bool {
	switch acting {
	case RoleOwner:
		return target.Valid()
	case RoleAdmin:
		return target == RoleMember || target == RoleViewer
	default:
		return false
	}
}

func CanInvite(acting Role) bool {
	return acting == RoleOwner || acting == RoleAdmin
}

// InvitableRoles lists the roles acting may offer in an invite.
func InvitableRoles(acting Role) []Role {
	switch acting {
	case RoleOwner:
		return []Role{RoleAdmin, RoleMember, RoleViewer}
	case RoleAdmin:
		return []Role{RoleMember, RoleViewer}
	default:
		return []Role{}
	}
}

// EditableRoles lists the roles acting may assign to a member holding
// target. Ownership is never handed out here.
func EditableRoles(acting, target Role) []Role {
	switch acting {
	case RoleOwner:
		return []Role{RoleAdmin, RoleMember, RoleViewer}
	case RoleAdmin:
		if target == RoleMember || target == RoleViewer {
			return []Role{RoleMember, RoleViewer}
		}
	}
	return []Role{}
}

func Contains(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Normalize maps unknown role names to viewer.
func Normalize(role string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if r.Valid() {
		return r
	}
	return RoleViewer
}
