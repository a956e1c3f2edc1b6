package app

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"formpilot/api/internal/rbac"
	"formpilot/api/internal/workspace"
)

func (s *HTTPServer) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	ws, member, err := s.workspaces.CreateWorkspace(r.Context(), body.Name, identityFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workspace": ws, "member": member})
}

func (s *HTTPServer) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	wid := chi.URLParam(r, "wid")
	who := identityFrom(r)
	if err := s.authorizeWorkspace(r.Context(), who, wid, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	role, err := s.workspaces.RoleOf(r.Context(), wid, who.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.workspaces.GetWorkspace(r.Context(), wid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspace":      ws,
		"role":           role,
		"invitableRoles": rbac.InvitableRoles(role),
	})
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.workspaces.ListMembers(r.Context(), identityFrom(r), chi.URLParam(r, "wid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *HTTPServer) handleChangeMemberRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	memberID := chi.URLParam(r, "mid")
	if err := s.memberInWorkspace(r, memberID); err != nil {
		s.fail(w, r, err)
		return
	}
	member, err := s.workspaces.ChangeMemberRole(r.Context(), identityFrom(r), memberID, rbac.Normalize(body.Role))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "mid")
	if err := s.memberInWorkspace(r, memberID); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.workspaces.RemoveMember(r.Context(), identityFrom(r), memberID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// memberInWorkspace keeps member routes scoped to the workspace in the
// URL.
func (s *HTTPServer) memberInWorkspace(r *http.Request, memberID string) error {
	members, err := s.workspaces.ListMembers(r.Context(), identityFrom(r), chi.URLParam(r, "wid"))
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.ID == memberID {
			return nil
		}
	}
	return errMemberNotFound
}

func (s *HTTPServer) handleListInvites(w http.ResponseWriter, r *http.Request) {
	status := workspace.InviteStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	invites, err := s.workspaces.ListInvites(r.Context(), identityFrom(r), chi.URLParam(r, "wid"), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
}

func (s *HTTPServer) handleSendInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	receipt, err := s.workspaces.SendInvite(r.Context(), workspace.SendInviteParams{
		WorkspaceID: chi.URLParam(r, "wid"),
		Email:       body.Email,
		Role:        rbac.Normalize(body.Role),
		Inviter:     identityFrom(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *HTTPServer) handleCancelInvite(w http.ResponseWriter, r *http.Request) {
	inviteID := chi.URLParam(r, "iid")
	invites, err := s.workspaces.ListInvites(r.Context(), identityFrom(r), chi.URLParam(r, "wid"), "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !slices.ContainsFunc(invites, func(inv workspace.Invite) bool { return inv.ID == inviteID }) {
		s.fail(w, r, errInviteNotFound)
		return
	}
	invite, err := s.workspaces.CancelInvite(r.Context(), identityFrom(r), inviteID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invite)
}

func (s *HTTPServer) handleGetInvite(w http.ResponseWriter, r *http.Request) {
	invite, err := s.workspaces.GetInviteByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	invite.Token = ""
	writeJSON(w, http.StatusOK, invite)
}

func (s *HTTPServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	member, err := s.workspaces.AcceptInvite(r.Context(), chi.URLParam(r, "token"), identityFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *HTTPServer) handleUploadAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeError(w, http.StatusServiceUnavailable, "ASSETS_UNAVAILABLE", "Image uploads are not configured", nil)
		return
	}
	wid := chi.URLParam(r, "wid")
	if err := s.authorizeWorkspace(r.Context(), identityFrom(r), wid, rbac.ActionEdit); err != nil {
		s.fail(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.assets.MaxSize()+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusUnprocessableEntity, "FILE_TOO_LARGE", "The image is too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Expected a multipart form with a file field", nil)
		return
	}
	defer file.Close()

	asset, err := s.assets.Upload(r.Context(), wid, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *HTTPServer) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeError(w, http.StatusServiceUnavailable, "ASSETS_UNAVAILABLE", "Image uploads are not configured", nil)
		return
	}
	wid := chi.URLParam(r, "wid")
	if err := s.authorizeWorkspace(r.Context(), identityFrom(r), wid, rbac.ActionEdit); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.assets.Delete(r.Context(), wid, chi.URLParam(r, "*")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
