package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/export"
	"formpilot/api/internal/form"
	"formpilot/api/internal/formsvc"
	"formpilot/api/internal/rbac"
	"formpilot/api/internal/search"
	"formpilot/api/internal/workspace"
)

// authorizeWorkspace checks that who holds a role in workspaceID that
// allows action.
func (s *HTTPServer) authorizeWorkspace(ctx context.Context, who workspace.Identity, workspaceID string, action rbac.Action) error {
	role, err := s.workspaces.RoleOf(ctx, workspaceID, who.UserID)
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.Forbidden("NOT_A_MEMBER", "You are not a member of this workspace")
	}
	if err != nil {
		return err
	}
	if !rbac.Can(role, action) {
		return apperr.Forbidden("FORBIDDEN", "Your role does not allow this action").
			WithDetails(map[string]any{"role": role, "action": action})
	}
	return nil
}

// authorizeForm loads a form and checks action against its workspace.
func (s *HTTPServer) authorizeForm(ctx context.Context, who workspace.Identity, id string, action rbac.Action) (form.Form, error) {
	f, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return form.Form{}, err
	}
	if f.WorkspaceID == "" {
		return f, nil
	}
	if err := s.authorizeWorkspace(ctx, who, f.WorkspaceID, action); err != nil {
		return form.Form{}, err
	}
	return f, nil
}

func (s *HTTPServer) handleListForms(w http.ResponseWriter, r *http.Request) {
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspaceId"))
	if workspaceID == "" {
		writeError(w, http.StatusUnprocessableEntity, "WORKSPACE_REQUIRED", "workspaceId is required", nil)
		return
	}
	if err := s.authorizeWorkspace(r.Context(), identityFrom(r), workspaceID, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.forms.List(r.Context(), formsvc.ListParams{
		WorkspaceID: workspaceID,
		Search:      r.URL.Query().Get("q"),
		Limit:       queryInt(r, "limit", 0),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	var draft formsvc.FormDraft
	if err := decodeBody(r, &draft); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(draft.WorkspaceID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "WORKSPACE_REQUIRED", "workspaceId is required", nil)
		return
	}
	if err := s.authorizeWorkspace(r.Context(), identityFrom(r), draft.WorkspaceID, rbac.ActionEdit); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.forms.Create(r.Context(), draft)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *HTTPServer) handleGetForm(w http.ResponseWriter, r *http.Request) {
	f, err := s.authorizeForm(r.Context(), identityFrom(r), chi.URLParam(r, "id"), rbac.ActionRead)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *HTTPServer) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	defer r.Body.Close()
	patch, err := formsvc.DecodePatch(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	current, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionEdit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Moving a form requires edit rights in the destination too.
	if patch.WorkspaceID != nil && *patch.WorkspaceID != current.WorkspaceID {
		if err := s.authorizeWorkspace(r.Context(), identityFrom(r), *patch.WorkspaceID, rbac.ActionEdit); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	f, err := s.forms.Update(r.Context(), id, patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *HTTPServer) handleDeleteForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionDelete); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.forms.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePublishForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	who := identityFrom(r)
	if _, err := s.authorizeForm(r.Context(), who, id, rbac.ActionPublish); err != nil {
		s.fail(w, r, err)
		return
	}
	actor := who.Name
	if actor == "" {
		actor = who.Email
	}
	f, version, err := s.forms.Publish(r.Context(), id, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"form": f, "version": version})
}

func (s *HTTPServer) handleUnpublishForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionPublish); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.forms.Unpublish(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *HTTPServer) handleFormVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	versions, err := s.forms.Versions(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *HTTPServer) handleFormVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.forms.VersionContent(r.Context(), id, chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *HTTPServer) handleExportForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	format, ok := export.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", "Export format must be html or pdf", nil)
		return
	}
	result, err := s.export.Export(r.Context(), export.Request{
		FormID:  id,
		Version: r.URL.Query().Get("version"),
		Format:  format,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSetFormPassword(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionPublish); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.forms.SetAccessPassword(r.Context(), id, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *HTTPServer) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.forms.ListSubmissions(r.Context(), id, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleSearchForms(w http.ResponseWriter, r *http.Request) {
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspaceId"))
	if workspaceID == "" {
		writeError(w, http.StatusUnprocessableEntity, "WORKSPACE_REQUIRED", "workspaceId is required", nil)
		return
	}
	if err := s.authorizeWorkspace(r.Context(), identityFrom(r), workspaceID, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	resp := s.search.Search(r.Context(), search.Query{
		Text:        r.URL.Query().Get("q"),
		WorkspaceID: workspaceID,
		Limit:       queryInt(r, "limit", 0),
		Offset:      queryInt(r, "offset", 0),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), id, rbac.ActionEdit); err != nil {
		s.fail(w, r, err)
		return
	}
	tmpl, err := s.forms.SaveAsTemplate(r.Context(), id, body.Name, body.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (s *HTTPServer) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.forms.ListTemplates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *HTTPServer) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.forms.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *HTTPServer) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(body.WorkspaceID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "WORKSPACE_REQUIRED", "workspaceId is required", nil)
		return
	}
	if err := s.authorizeWorkspace(r.Context(), identityFrom(r), body.WorkspaceID, rbac.ActionEdit); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.forms.CreateFromTemplate(r.Context(), chi.URLParam(r, "id"), body.Title, body.WorkspaceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *HTTPServer) handlePublicForm(w http.ResponseWriter, r *http.Request) {
	f, err := s.forms.GetBySlug(r.Context(), chi.URLParam(r, "slug"), r.Header.Get("X-Form-Password"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *HTTPServer) handlePublicSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answers map[string]json.RawMessage `json:"answers"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.forms.GetBySlug(r.Context(), chi.URLParam(r, "slug"), r.Header.Get("X-Form-Password"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	submission, err := s.forms.Submit(r.Context(), f.ID, body.Answers)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": submission.ID, "submittedAt": submission.SubmittedAt})
}
