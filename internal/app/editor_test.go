package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func (e *testEnv) openEditor(t *testing.T, u testUser, formID string) (string, map[string]any) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/editor/sessions", &u, map[string]any{"formId": formID})
	expectStatus(t, rr, http.StatusOK)
	body := decodeMap(t, rr)
	sid, _ := body["sessionId"].(string)
	if sid == "" {
		t.Fatalf("expected session id, got %v", body)
	}
	return sid, body
}

func stateOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	state, ok := body["state"].(map[string]any)
	if !ok {
		t.Fatalf("expected state in %v", body)
	}
	return state
}

func TestEditorSessionActions(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	formID := env.createForm(t, alice, wid)["id"].(string)

	sid, opened := env.openEditor(t, alice, formID)
	if f, _ := stateOf(t, opened)["form"].(map[string]any); f["id"] != formID {
		t.Fatalf("expected form %s loaded, got %v", formID, f)
	}
	base := "/api/editor/sessions/" + sid

	rr := env.do(t, http.MethodPost, base+"/questions", &alice, map[string]any{"type": "rating", "title": "How likely?"})
	expectStatus(t, rr, http.StatusOK)
	body := decodeMap(t, rr)
	if result, _ := body["result"].(map[string]any); result["persisted"] != true {
		t.Fatalf("expected persisted add, got %v", body["result"])
	}
	state := stateOf(t, body)
	added, _ := state["selectedQuestionId"].(string)
	if added == "" {
		t.Fatalf("expected new question selected, got %v", state)
	}

	rr = env.do(t, http.MethodPost, base+"/questions/reorder", &alice, map[string]any{"from": 2, "to": 0})
	expectStatus(t, rr, http.StatusOK)
	questions := stateOf(t, decodeMap(t, rr))["form"].(map[string]any)["questions"].([]any)
	first := questions[0].(map[string]any)
	if first["id"] != added || first["order"] != float64(1) {
		t.Fatalf("expected added question first with order 1, got %v", first)
	}

	rr = env.do(t, http.MethodPost, base+"/questions/reorder", &alice, map[string]any{"from": 0, "to": 9})
	expectError(t, rr, http.StatusUnprocessableEntity, "INDEX_OUT_OF_RANGE")

	rr = env.do(t, http.MethodPost, base+"/selection", &alice, map[string]any{"page": "outro"})
	expectStatus(t, rr, http.StatusOK)
	state = stateOf(t, decodeMap(t, rr))
	if state["selectedPage"] != "outro" || state["selectedQuestionId"] != nil {
		t.Fatalf("expected exclusive outro selection, got %v", state)
	}

	rr = env.do(t, http.MethodPost, base+"/selection", &alice, map[string]any{"questionId": "missing"})
	expectError(t, rr, http.StatusNotFound, "QUESTION_NOT_FOUND")

	rr = env.do(t, http.MethodPatch, base+"/questions/"+added, &alice, map[string]any{"title": "How likely are you to recommend us?"})
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodGet, "/api/forms/"+formID, &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	stored := decodeMap(t, rr)["questions"].([]any)
	if len(stored) != 3 || stored[0].(map[string]any)["title"] != "How likely are you to recommend us?" {
		t.Fatalf("expected saved question list, got %v", stored)
	}

	rr = env.do(t, http.MethodPatch, base+"/form", &alice, map[string]any{"slug": "taken"})
	expectError(t, rr, http.StatusUnprocessableEntity, "FIELD_NOT_EDITABLE")

	rr = env.do(t, http.MethodDelete, base, &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodGet, base, &alice, nil)
	expectError(t, rr, http.StatusNotFound, "SESSION_NOT_FOUND")
}

func TestEditorSessionBelongsToItsUser(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	formID := env.createForm(t, alice, wid)["id"].(string)
	env.join(t, wid, alice, bob, "member")

	sid, _ := env.openEditor(t, alice, formID)
	rr := env.do(t, http.MethodGet, "/api/editor/sessions/"+sid, &bob, nil)
	expectError(t, rr, http.StatusForbidden, "SESSION_FORBIDDEN")
}

func TestViewerCannotOpenEditor(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	formID := env.createForm(t, alice, wid)["id"].(string)
	env.join(t, wid, alice, bob, "viewer")

	rr := env.do(t, http.MethodPost, "/api/editor/sessions", &bob, map[string]any{"formId": formID})
	expectError(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestEditorStreamPushesStateChanges(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	formID := env.createForm(t, alice, wid)["id"].(string)
	sid, _ := env.openEditor(t, alice, formID)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/editor/sessions/" + sid + "/ws?token=" + env.token(t, alice)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var msg stateMessage
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if msg.Type != "state" || msg.State.Form == nil || msg.State.Form.ID != formID {
		t.Fatalf("expected initial state for %s, got %+v", formID, msg)
	}

	rr := env.do(t, http.MethodPost, "/api/editor/sessions/"+sid+"/selection", &alice, map[string]any{"questionId": "q2"})
	expectStatus(t, rr, http.StatusOK)

	for msg.State.SelectedQuestionID != "q2" {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for selection update: %v", err)
		}
	}
}

func TestEditorStreamRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/editor/sessions/sess_x/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}
