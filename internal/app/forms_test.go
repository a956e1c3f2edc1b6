package app

import (
	"net/http"
	"strings"
	"testing"
)

func TestFormLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	created := env.createForm(t, alice, wid)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("expected form id, got %v", created)
	}

	rr := env.do(t, http.MethodGet, "/api/forms/"+id, &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	if title := decodeMap(t, rr)["title"]; title != "Customer survey" {
		t.Fatalf("expected title, got %v", title)
	}

	rr = env.do(t, http.MethodPatch, "/api/forms/"+id, &alice, `{"title":"Onboarding survey"}`)
	expectStatus(t, rr, http.StatusOK)
	updated := decodeMap(t, rr)
	if updated["title"] != "Onboarding survey" {
		t.Fatalf("expected updated title, got %v", updated["title"])
	}
	if qs, _ := updated["questions"].([]any); len(qs) != 2 {
		t.Fatalf("expected questions untouched, got %v", updated["questions"])
	}

	rr = env.do(t, http.MethodGet, "/api/forms?workspaceId="+wid, &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	if total := decodeMap(t, rr)["total"]; total != float64(1) {
		t.Fatalf("expected one form in workspace, got %v", total)
	}

	rr = env.do(t, http.MethodGet, "/api/forms/search?workspaceId="+wid+"&q=onboard", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	found := decodeMap(t, rr)
	if found["total"] != float64(1) || found["backend"] != "store" {
		t.Fatalf("expected one store search hit, got %v", found)
	}

	rr = env.do(t, http.MethodDelete, "/api/forms/"+id, &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodGet, "/api/forms/"+id, &alice, nil)
	expectError(t, rr, http.StatusNotFound, "FORM_NOT_FOUND")
}

func TestUpdateFormRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	id := env.createForm(t, alice, wid)["id"].(string)

	rr := env.do(t, http.MethodPatch, "/api/forms/"+id, &alice, `{"colour":"red"}`)
	expectError(t, rr, http.StatusUnprocessableEntity, "UNKNOWN_FIELD")
}

func TestCreateFormRequiresWorkspaceMembership(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")

	rr := env.do(t, http.MethodPost, "/api/forms", &alice, map[string]any{"title": "No home"})
	expectError(t, rr, http.StatusUnprocessableEntity, "WORKSPACE_REQUIRED")

	rr = env.do(t, http.MethodPost, "/api/forms", &carol, map[string]any{"title": "Intruder", "workspaceId": wid})
	expectError(t, rr, http.StatusForbidden, "NOT_A_MEMBER")
}

func TestViewerCanReadButNotEdit(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	id := env.createForm(t, alice, wid)["id"].(string)
	env.join(t, wid, alice, bob, "viewer")

	rr := env.do(t, http.MethodGet, "/api/forms/"+id, &bob, nil)
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodPatch, "/api/forms/"+id, &bob, `{"title":"Mine now"}`)
	expectError(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = env.do(t, http.MethodPost, "/api/forms/"+id+"/publish", &bob, nil)
	expectError(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = env.do(t, http.MethodGet, "/api/forms/"+id, &carol, nil)
	expectError(t, rr, http.StatusForbidden, "NOT_A_MEMBER")
}

func TestPublishAndSubmitPublicly(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	id := env.createForm(t, alice, wid)["id"].(string)

	rr := env.do(t, http.MethodPost, "/api/forms/"+id+"/publish", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	published, _ := decodeMap(t, rr)["form"].(map[string]any)
	slug, _ := published["slug"].(string)
	if slug == "" || published["isPublic"] != true {
		t.Fatalf("expected a public form with a slug, got %v", published)
	}

	rr = env.do(t, http.MethodGet, "/api/public/forms/"+slug, nil, nil)
	expectStatus(t, rr, http.StatusOK)

	rr = env.do(t, http.MethodPost, "/api/public/forms/"+slug+"/submissions", nil, `{"answers":{"q2":"Pro"}}`)
	expectError(t, rr, http.StatusUnprocessableEntity, "REQUIRED_ANSWER_MISSING")

	rr = env.do(t, http.MethodPost, "/api/public/forms/"+slug+"/submissions", nil, `{"answers":{"q1":"Ada","q2":"Pro"}}`)
	expectStatus(t, rr, http.StatusCreated)

	rr = env.do(t, http.MethodGet, "/api/forms/"+id+"/submissions", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	if total := decodeMap(t, rr)["total"]; total != float64(1) {
		t.Fatalf("expected one submission, got %v", total)
	}

	rr = env.do(t, http.MethodPost, "/api/forms/"+id+"/unpublish", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodGet, "/api/public/forms/"+slug, nil, nil)
	expectError(t, rr, http.StatusNotFound, "FORM_NOT_FOUND")
}

func TestExportHTMLAndPDF(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	id := env.createForm(t, alice, wid)["id"].(string)

	rr := env.do(t, http.MethodGet, "/api/forms/"+id+"/export?format=html", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html content type, got %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), "Your name") {
		t.Fatal("expected question title in export")
	}

	rr = env.do(t, http.MethodGet, "/api/forms/"+id+"/export?format=pdf", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "%PDF-1.4" {
		t.Fatalf("expected pdf bytes, got %q", rr.Body.String())
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), ".pdf") {
		t.Fatalf("expected pdf filename, got %q", rr.Header().Get("Content-Disposition"))
	}

	rr = env.do(t, http.MethodGet, "/api/forms/"+id+"/export?format=docx", &alice, nil)
	expectError(t, rr, http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT")
}

func TestTemplatesRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	wid := env.createWorkspace(t, alice, "Acme")
	id := env.createForm(t, alice, wid)["id"].(string)

	rr := env.do(t, http.MethodPost, "/api/forms/"+id+"/template", &alice, map[string]any{"name": "Survey"})
	expectStatus(t, rr, http.StatusCreated)
	templateID, _ := decodeMap(t, rr)["id"].(string)

	rr = env.do(t, http.MethodGet, "/api/templates", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	if templates, _ := decodeMap(t, rr)["templates"].([]any); len(templates) != 1 {
		t.Fatalf("expected one template, got %v", templates)
	}

	rr = env.do(t, http.MethodPost, "/api/templates/"+templateID+"/forms", &alice, map[string]any{"title": "Copy", "workspaceId": wid})
	expectStatus(t, rr, http.StatusCreated)
	copied := decodeMap(t, rr)
	if copied["id"] == id {
		t.Fatal("expected a new form")
	}
	if qs, _ := copied["questions"].([]any); len(qs) != 2 {
		t.Fatalf("expected template questions, got %v", copied["questions"])
	}
}
