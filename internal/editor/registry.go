package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/form"
	"formpilot/api/internal/logging"
	"formpilot/api/internal/session"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	snapshotWriteTimeout = 2 * time.Second
)

type RegistryConfig struct {
	Forms       FormService
	Snapshots   session.Store
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Settings    Settings
	IdleTimeout time.Duration
}

// Registry owns the live sessions of this process and remembers where each
// one was so a reconnecting tab resumes on the same form and selection.
type Registry struct {
	forms     FormService
	snapshots session.Store
	clock     clockwork.Clock
	logger    *slog.Logger
	settings  Settings
	idle      time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	cron     *cron.Cron
}

func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	snapshots := cfg.Snapshots
	if snapshots == nil {
		snapshots = session.NewMemoryStore(clock, 0)
	}
	return &Registry{
		forms:     cfg.Forms,
		snapshots: snapshots,
		clock:     clock,
		logger:    logging.Or(cfg.Logger, "editor"),
		settings:  cfg.Settings,
		idle:      idle,
		sessions:  map[string]*Session{},
	}
}

type OpenParams struct {
	// SessionID resumes an earlier session when it belongs to UserID.
	SessionID string
	UserID    string
	FormID    string
}

// Open returns a live session for the caller, resuming SessionID when
// possible. The returned Result is the outcome of loading the form; a failed
// load still yields a session whose state carries the error.
func (r *Registry) Open(ctx context.Context, p OpenParams) (*Session, Result, error) {
	if p.UserID == "" {
		return nil, Result{}, apperr.Forbidden("SESSION_FORBIDDEN", "Sign in to edit forms")
	}

	if p.SessionID != "" {
		if sess, ok := r.live(p.SessionID); ok {
			if sess.UserID() != p.UserID {
				return nil, Result{}, apperr.Forbidden("SESSION_FORBIDDEN", "Session belongs to another user")
			}
			if p.FormID == "" || currentFormID(sess) == p.FormID {
				return sess, Result{}, nil
			}
			return sess, sess.LoadForm(ctx, p.FormID), nil
		}

		snapshot, err := r.snapshots.Load(ctx, p.SessionID)
		switch {
		case err == nil && snapshot.UserID == p.UserID:
			return r.resume(ctx, snapshot, p.FormID)
		case err != nil && !errors.Is(err, session.ErrNotFound):
			r.logger.Warn("load session snapshot failed", "session_id", p.SessionID, "error", err)
		}
	}

	if p.FormID == "" {
		return nil, Result{}, apperr.Validation("FORM_REQUIRED", "formId is required to open an editor session")
	}
	sess := r.create("", p.UserID)
	return sess, sess.LoadForm(ctx, p.FormID), nil
}

func (r *Registry) resume(ctx context.Context, snapshot session.Snapshot, formID string) (*Session, Result, error) {
	if formID == "" {
		formID = snapshot.FormID
	}
	sess := r.create(snapshot.SessionID, snapshot.UserID)
	result := sess.LoadForm(ctx, formID)
	if result.OK() && formID == snapshot.FormID {
		switch {
		case snapshot.SelectedQuestionID != "":
			_ = sess.SelectQuestion(snapshot.SelectedQuestionID)
		case snapshot.SelectedPage != "":
			_ = sess.SelectPage(form.Page(snapshot.SelectedPage))
		}
	}
	return sess, result, nil
}

func (r *Registry) create(id, userID string) *Session {
	sess := NewSession(Options{
		ID:       id,
		UserID:   userID,
		Forms:    r.forms,
		Clock:    r.clock,
		Logger:   r.logger,
		Settings: r.settings,
	})
	sess.Subscribe(r.recorder(sess.ID(), userID))

	r.mu.Lock()
	if old, ok := r.sessions[sess.ID()]; ok {
		old.Close()
	}
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()
	return sess
}

// recorder saves a snapshot whenever the form or selection changes.
func (r *Registry) recorder(sessionID, userID string) func(State) {
	var mu sync.Mutex
	var last session.Snapshot
	return func(st State) {
		snapshot := session.Snapshot{
			SessionID:          sessionID,
			UserID:             userID,
			SelectedQuestionID: st.SelectedQuestionID,
			SelectedPage:       string(st.SelectedPage),
		}
		if st.Form == nil {
			return
		}
		snapshot.FormID = st.Form.ID

		mu.Lock()
		defer mu.Unlock()
		if snapshot == last {
			return
		}
		snapshot.UpdatedAt = r.clock.Now().UTC()
		ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
		defer cancel()
		if err := r.snapshots.Save(ctx, snapshot); err != nil {
			r.logger.Warn("save session snapshot failed", "session_id", sessionID, "error", err)
			return
		}
		snapshot.UpdatedAt = time.Time{}
		last = snapshot
	}
}

func (r *Registry) live(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Get returns the live session id owned by userID.
func (r *Registry) Get(id, userID string) (*Session, error) {
	sess, ok := r.live(id)
	if !ok {
		return nil, apperr.NotFound("SESSION_NOT_FOUND", "Editor session not found")
	}
	if sess.UserID() != userID {
		return nil, apperr.Forbidden("SESSION_FORBIDDEN", "Session belongs to another user")
	}
	return sess, nil
}

// Close ends a session at the client's request. Pending debounced saves
// are dropped and the resume snapshot is discarded.
func (r *Registry) Close(ctx context.Context, id, userID string) error {
	sess, err := r.Get(id, userID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	sess.Close()
	if err := r.snapshots.Delete(ctx, id); err != nil {
		r.logger.Warn("delete session snapshot failed", "session_id", id, "error", err)
	}
	return nil
}

// Sweep closes sessions idle for longer than the idle timeout, after
// flushing their pending saves. Their snapshots are kept for resuming.
func (r *Registry) Sweep() int {
	cutoff := r.clock.Now().Add(-r.idle)

	r.mu.Lock()
	var idle []*Session
	for id, sess := range r.sessions {
		if !sess.LastActive().After(cutoff) {
			idle = append(idle, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, sess := range idle {
		sess.FlushPending()
		sess.Close()
	}
	return len(idle)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Start runs Sweep on schedule, a robfig/cron spec such as "@every 1m".
func (r *Registry) Start(schedule string) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if closed := r.Sweep(); closed > 0 {
			r.logger.Info("closed idle editor sessions", "count", closed)
		}
	}); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	return nil
}

// Stop halts the sweep and closes every session, flushing pending saves.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	sessions := r.sessions
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	for _, sess := range sessions {
		sess.FlushPending()
		sess.Close()
	}
}

func currentFormID(sess *Session) string {
	st := sess.State()
	if st.Form == nil {
		return ""
	}
	return st.Form.ID
}
