package app

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/editor"
	"formpilot/api/internal/form"
	"formpilot/api/internal/rbac"
)

type resultBody struct {
	Persisted  bool       `json:"persisted"`
	RolledBack bool       `json:"rolledBack"`
	Error      *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toResultBody(res editor.Result) resultBody {
	body := resultBody{Persisted: res.Persisted, RolledBack: res.RolledBack}
	if res.Err != nil {
		_, code, message, _ := mapError(res.Err)
		body.Error = &errorBody{Code: code, Message: message}
	}
	return body
}

func (s *HTTPServer) handleOpenEditor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
		FormID    string `json:"formId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	who := identityFrom(r)
	if body.FormID != "" {
		if _, err := s.authorizeForm(r.Context(), who, body.FormID, rbac.ActionEdit); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	sess, res, err := s.editor.Open(r.Context(), editor.OpenParams{
		SessionID: body.SessionID,
		UserID:    who.UserID,
		FormID:    body.FormID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// A resumed session reloads the form it was on; membership may have
	// changed since.
	state := sess.State()
	if body.FormID == "" && state.Form != nil && state.Form.WorkspaceID != "" {
		if err := s.authorizeWorkspace(r.Context(), who, state.Form.WorkspaceID, rbac.ActionEdit); err != nil {
			_ = s.editor.Close(r.Context(), sess.ID(), who.UserID)
			s.fail(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID(),
		"result":    toResultBody(res),
		"state":     state,
	})
}

// session resolves the {sid} URL parameter to a live session of the caller.
func (s *HTTPServer) session(w http.ResponseWriter, r *http.Request) (*editor.Session, bool) {
	sess, err := s.editor.Get(chi.URLParam(r, "sid"), identityFrom(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}

// writeResult answers an editor action. Failures that happened before
// anything was written are reported as errors; failed writes are part of
// the normal response since the state already reflects them.
func (s *HTTPServer) writeResult(w http.ResponseWriter, r *http.Request, sess *editor.Session, res editor.Result) {
	state := sess.State()
	if res.Err != nil && !res.Persisted && !res.RolledBack && state.Error == "" {
		s.fail(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": toResultBody(res),
		"state":  state,
	})
}

func (s *HTTPServer) writeState(w http.ResponseWriter, sess *editor.Session) {
	writeJSON(w, http.StatusOK, map[string]any{"state": sess.State()})
}

func (s *HTTPServer) handleEditorState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeState(w, sess)
}

func (s *HTTPServer) handleCloseEditor(w http.ResponseWriter, r *http.Request) {
	if err := s.editor.Close(r.Context(), chi.URLParam(r, "sid"), identityFrom(r).UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleEditorLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FormID string `json:"formId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.FormID == "" {
		writeError(w, http.StatusUnprocessableEntity, "FORM_REQUIRED", "formId is required", nil)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if _, err := s.authorizeForm(r.Context(), identityFrom(r), body.FormID, rbac.ActionEdit); err != nil {
		s.fail(w, r, err)
		return
	}
	res := sess.LoadForm(r.Context(), body.FormID)
	if errors.Is(res.Err, editor.ErrSuperseded) {
		s.fail(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": toResultBody(res),
		"state":  sess.State(),
	})
}

// handleEditorSelect selects a question or a page. A body with neither
// clears the selection.
func (s *HTTPServer) handleEditorSelect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		QuestionID string    `json:"questionId"`
		Page       form.Page `json:"page"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.QuestionID != "" && body.Page != "" {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_SELECTION", "Select either a question or a page", nil)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var err error
	switch {
	case body.QuestionID != "":
		err = sess.SelectQuestion(body.QuestionID)
	case body.Page != "":
		err = sess.SelectPage(body.Page)
	default:
		err = sess.ClearSelection()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeState(w, sess)
}

func (s *HTTPServer) handleEditorUpdateForm(w http.ResponseWriter, r *http.Request) {
	var patch form.Patch
	if err := decodeBody(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusUnprocessableEntity, "EMPTY_PATCH", "Update contains no fields", nil)
		return
	}
	if patch.WorkspaceID != nil || patch.IsPublic != nil || patch.Slug != nil {
		writeError(w, http.StatusUnprocessableEntity, "FIELD_NOT_EDITABLE", "workspaceId, isPublic and slug are changed through the forms API", nil)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	if queryBool(r, "debounce") {
		if err := sess.UpdateFormDebounced(patch); err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeState(w, sess)
		return
	}
	s.writeResult(w, r, sess, sess.UpdateForm(r.Context(), patch))
}

func (s *HTTPServer) handleEditorSave(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeResult(w, r, sess, sess.SaveQuestions(r.Context()))
}

func (s *HTTPServer) handleEditorAddQuestion(w http.ResponseWriter, r *http.Request) {
	var draft form.Draft
	if err := decodeBody(r, &draft); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeResult(w, r, sess, sess.AddQuestion(r.Context(), draft))
}

func (s *HTTPServer) handleEditorReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From *int `json:"from"`
		To   *int `json:"to"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.From == nil || body.To == nil {
		s.fail(w, r, apperr.Validation("INVALID_REORDER", "from and to are required"))
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeResult(w, r, sess, sess.ReorderQuestions(r.Context(), *body.From, *body.To))
}

// handleEditorUpdateQuestion merges a question update. With ?debounce=true
// the save waits for typing to pause; otherwise the list is saved now.
func (s *HTTPServer) handleEditorUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var update form.QuestionUpdate
	if err := decodeBody(r, &update); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	qid := chi.URLParam(r, "qid")

	if queryBool(r, "debounce") {
		if err := sess.UpdateQuestionDebounced(qid, update); err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeState(w, sess)
		return
	}
	if err := sess.UpdateQuestion(qid, update); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeResult(w, r, sess, sess.SaveQuestions(r.Context()))
}

func (s *HTTPServer) handleEditorDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeResult(w, r, sess, sess.DeleteQuestion(r.Context(), chi.URLParam(r, "qid")))
}

func (s *HTTPServer) handleEditorDuplicateQuestion(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeResult(w, r, sess, sess.DuplicateQuestion(r.Context(), chi.URLParam(r, "qid")))
}
