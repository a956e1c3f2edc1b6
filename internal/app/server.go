// Package app is the HTTP surface of the API: form CRUD, editor sessions,
// workspaces and the public form endpoints.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"formpilot/api/internal/assets"
	"formpilot/api/internal/auth"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/editor"
	"formpilot/api/internal/export"
	"formpilot/api/internal/formsvc"
	"formpilot/api/internal/logging"
	"formpilot/api/internal/search"
	"formpilot/api/internal/workspace"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store      docstore.Store
	Forms      *formsvc.Service
	Editor     *editor.Registry
	Workspaces *workspace.Service
	Search     *search.Service
	Export     *export.Service
	// Assets is nil when no bucket is configured.
	Assets *assets.Service
	Signer *auth.Signer
	// Checks are extra readiness probes keyed by name, e.g. "redis".
	Checks map[string]Pinger
	Logger *slog.Logger

	CORSOrigin string
}

type HTTPServer struct {
	store      docstore.Store
	forms      *formsvc.Service
	editor     *editor.Registry
	workspaces *workspace.Service
	search     *search.Service
	export     *export.Service
	assets     *assets.Service
	signer     *auth.Signer
	checks     map[string]Pinger
	logger     *slog.Logger
	corsOrigin string
}

func NewHTTPServer(deps Deps) *HTTPServer {
	corsOrigin := deps.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &HTTPServer{
		store:      deps.Store,
		forms:      deps.Forms,
		editor:     deps.Editor,
		workspaces: deps.Workspaces,
		search:     deps.Search,
		export:     deps.Export,
		assets:     deps.Assets,
		signer:     deps.Signer,
		checks:     deps.Checks,
		logger:     logging.Or(deps.Logger, "http"),
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Get("/public/forms/{slug}", s.handlePublicForm)
		r.Post("/public/forms/{slug}/submissions", s.handlePublicSubmit)
		r.Get("/invites/{token}", s.handleGetInvite)

		// Browsers cannot set headers on a WebSocket upgrade, so the stream
		// authenticates itself from the query string.
		r.Get("/editor/sessions/{sid}/ws", s.handleEditorStream)

		r.Group(func(r chi.Router) {
			r.Use(s.requireIdentity)

			r.Get("/session", s.handleSession)
			r.Post("/invites/{token}/accept", s.handleAcceptInvite)

			r.Route("/forms", func(r chi.Router) {
				r.Get("/", s.handleListForms)
				r.Post("/", s.handleCreateForm)
				r.Get("/search", s.handleSearchForms)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetForm)
					r.Patch("/", s.handleUpdateForm)
					r.Delete("/", s.handleDeleteForm)
					r.Post("/publish", s.handlePublishForm)
					r.Post("/unpublish", s.handleUnpublishForm)
					r.Get("/versions", s.handleFormVersions)
					r.Get("/versions/{hash}", s.handleFormVersion)
					r.Get("/export", s.handleExportForm)
					r.Put("/password", s.handleSetFormPassword)
					r.Get("/submissions", s.handleListSubmissions)
					r.Post("/template", s.handleSaveTemplate)
				})
			})

			r.Route("/templates", func(r chi.Router) {
				r.Get("/", s.handleListTemplates)
				r.Get("/{id}", s.handleGetTemplate)
				r.Post("/{id}/forms", s.handleCreateFromTemplate)
			})

			r.Route("/editor/sessions", func(r chi.Router) {
				r.Post("/", s.handleOpenEditor)
				r.Route("/{sid}", func(r chi.Router) {
					r.Get("/", s.handleEditorState)
					r.Delete("/", s.handleCloseEditor)
					r.Post("/load", s.handleEditorLoad)
					r.Post("/selection", s.handleEditorSelect)
					r.Patch("/form", s.handleEditorUpdateForm)
					r.Post("/save", s.handleEditorSave)
					r.Post("/questions", s.handleEditorAddQuestion)
					r.Post("/questions/reorder", s.handleEditorReorder)
					r.Patch("/questions/{qid}", s.handleEditorUpdateQuestion)
					r.Delete("/questions/{qid}", s.handleEditorDeleteQuestion)
					r.Post("/questions/{qid}/duplicate", s.handleEditorDuplicateQuestion)
				})
			})

			r.Route("/workspaces", func(r chi.Router) {
				r.Post("/", s.handleCreateWorkspace)
				r.Route("/{wid}", func(r chi.Router) {
					r.Get("/", s.handleGetWorkspace)
					r.Get("/members", s.handleListMembers)
					r.Patch("/members/{mid}", s.handleChangeMemberRole)
					r.Delete("/members/{mid}", s.handleRemoveMember)
					r.Get("/invites", s.handleListInvites)
					r.Post("/invites", s.handleSendInvite)
					r.Delete("/invites/{iid}", s.handleCancelInvite)
					r.Post("/assets", s.handleUploadAsset)
					r.Delete("/assets/*", s.handleDeleteAsset)
				})
			})
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.store.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}
