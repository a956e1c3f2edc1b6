package editor

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/debounce"
	"formpilot/api/internal/form"
	"formpilot/api/internal/logging"
	"formpilot/api/internal/util"
)

const (
	DefaultTextWindow    = time.Second
	DefaultColorWindow   = 300 * time.Millisecond
	DefaultRetries       = 3
	DefaultRetryInterval = 200 * time.Millisecond
	DefaultSaveTimeout   = 10 * time.Second
)

// FormService is the slice of the form service a session needs.
type FormService interface {
	GetByID(ctx context.Context, id string) (form.Form, error)
	Update(ctx context.Context, id string, p form.Patch) (form.Form, error)
}

type Settings struct {
	TextWindow    time.Duration
	ColorWindow   time.Duration
	Retries       int
	RetryInterval time.Duration
	SaveTimeout   time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.TextWindow <= 0 {
		s.TextWindow = DefaultTextWindow
	}
	if s.ColorWindow <= 0 {
		s.ColorWindow = DefaultColorWindow
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = DefaultRetryInterval
	}
	if s.SaveTimeout <= 0 {
		s.SaveTimeout = DefaultSaveTimeout
	}
	return s
}

type Options struct {
	ID       string
	UserID   string
	Forms    FormService
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Settings Settings
	// NewID generates question ids. Defaults to prefixed UUIDs.
	NewID func() string
}

// pendingSave is what a debounce channel carries: the field to push and
// the form it belongs to. The value itself is read at fire time.
type pendingSave struct {
	formID string
	field  string
}

// Session is one tab's editing state. It is safe for concurrent use.
// Subscribers are called synchronously and must not call back into the
// session.
type Session struct {
	id       string
	userID   string
	forms    FormService
	clock    clockwork.Clock
	logger   *slog.Logger
	settings Settings
	newID    func() string
	pending  *debounce.Group[pendingSave]

	mu         sync.Mutex
	state      State
	dirty      map[string]uint64
	loadGen    uint64
	lastActive time.Time
	closed     bool
	subs       map[int]func(State)
	nextSub    int

	emitMu sync.Mutex
}

func NewSession(opts Options) *Session {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	id := opts.ID
	if id == "" {
		id = util.NewID("sess")
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return util.NewID("q") }
	}
	s := &Session{
		id:         id,
		userID:     opts.UserID,
		forms:      opts.Forms,
		clock:      clock,
		logger:     logging.Or(opts.Logger, "editor").With("session_id", id),
		settings:   opts.Settings.withDefaults(),
		newID:      newID,
		dirty:      map[string]uint64{},
		lastActive: clock.Now(),
		subs:       map[int]func(State){},
	}
	s.pending = debounce.NewGroup(clock, s.flushSave)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	return s.userID
}

// State returns a snapshot of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// LastActive is the time of the most recent action.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Subscribe registers fn for every state change and returns a function
// that removes it.
func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// LoadForm replaces the edited form. Pending debounced saves are flushed
// first. When calls overlap, only the latest one updates the state; earlier
// ones report ErrSuperseded.
func (s *Session) LoadForm(ctx context.Context, id string) Result {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{Err: ErrClosed}
	}
	s.loadGen++
	gen := s.loadGen
	s.state.IsLoading = true
	s.state.Error = ""
	s.touchLocked()
	s.mu.Unlock()
	s.emit()

	s.pending.FlushAll()
	loaded, err := s.forms.GetByID(ctx, id)

	s.mu.Lock()
	if gen != s.loadGen || s.closed {
		s.mu.Unlock()
		return Result{Err: ErrSuperseded}
	}
	s.state.IsLoading = false
	s.state.Revision++
	clear(s.dirty)
	if err != nil {
		s.state.Form = nil
		s.state.Error = apperr.Message(err)
		s.setSelectionLocked(selection{})
		s.mu.Unlock()
		s.logger.Warn("load form failed", "form_id", id, "error", err)
		s.emit()
		return Result{Err: err}
	}
	sel := s.selectionLocked()
	if s.state.Form == nil || s.state.Form.ID != loaded.ID || (sel.questionID != "" && form.IndexOf(loaded.Questions, sel.questionID) < 0) {
		sel = selection{}
	}
	form.ApplyDefaults(&loaded)
	s.state.Form = &loaded
	s.state.Error = ""
	s.setSelectionLocked(sel)
	s.mu.Unlock()
	s.emit()
	return Result{}
}

// SelectQuestion selects a question and clears any page selection. An
// empty id clears the selection.
func (s *Session) SelectQuestion(id string) error {
	if id == "" {
		return s.ClearSelection()
	}
	return s.selectWith(func(f *form.Form) (selection, error) {
		if form.IndexOf(f.Questions, id) < 0 {
			return selection{}, ErrUnknownQuestion
		}
		return selection{questionID: id}, nil
	})
}

// SelectPage selects the intro or outro page and clears any question
// selection. An empty page clears the selection.
func (s *Session) SelectPage(page form.Page) error {
	if page == "" {
		return s.ClearSelection()
	}
	if !page.Valid() {
		return ErrInvalidPage
	}
	return s.selectWith(func(*form.Form) (selection, error) {
		return selection{page: page}, nil
	})
}

func (s *Session) ClearSelection() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.setSelectionLocked(selection{})
	s.state.Revision++
	s.touchLocked()
	s.mu.Unlock()
	s.emit()
	return nil
}

func (s *Session) selectWith(pick func(f *form.Form) (selection, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Form == nil {
		s.mu.Unlock()
		return ErrNoForm
	}
	sel, err := pick(s.state.Form)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.setSelectionLocked(sel)
	s.state.Revision++
	s.touchLocked()
	s.mu.Unlock()
	s.emit()
	return nil
}

// UpdateQuestion merges u into the question in memory only. Pair it with
// SaveQuestions or use UpdateQuestionDebounced to persist.
func (s *Session) UpdateQuestion(id string, u form.QuestionUpdate) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Form == nil {
		s.mu.Unlock()
		return ErrNoForm
	}
	idx := form.IndexOf(s.state.Form.Questions, id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrUnknownQuestion
	}
	updated, err := s.state.Form.Questions[idx].Apply(u)
	if err != nil {
		s.mu.Unlock()
		return apperr.Validation("INVALID_QUESTION_UPDATE", err.Error())
	}
	next := s.state.Form.Clone()
	next.Questions[idx] = updated
	s.state.Form = &next
	s.state.Revision++
	s.dirty[form.FieldQuestions] = s.state.Revision
	s.touchLocked()
	s.mu.Unlock()
	s.emit()
	return nil
}

// UpdateQuestionDebounced applies u now and saves the question list once
// edits to this question pause for the text window.
func (s *Session) UpdateQuestionDebounced(id string, u form.QuestionUpdate) error {
	if err := s.UpdateQuestion(id, u); err != nil {
		return err
	}
	s.schedule("question:"+id, form.FieldQuestions, s.settings.TextWindow)
	return nil
}

// UpdateFormDebounced applies p now and saves each touched field once its
// edits pause. Design edits that only change colours use the colour window.
func (s *Session) UpdateFormDebounced(p form.Patch) error {
	if p.Empty() {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Form == nil {
		s.mu.Unlock()
		return ErrNoForm
	}
	before := *s.state.Form
	next, err := before.Apply(p)
	if err != nil {
		s.mu.Unlock()
		return apperr.Validation("INVALID_FORM_UPDATE", err.Error())
	}
	s.state.Form = &next
	s.state.Revision++
	for _, field := range p.Fields() {
		s.dirty[field] = s.state.Revision
	}
	s.touchLocked()
	s.mu.Unlock()
	s.emit()

	for _, field := range p.Fields() {
		window := s.settings.TextWindow
		if field == form.FieldDesign && colourOnly(before.Design, next.Design) {
			window = s.settings.ColorWindow
		}
		s.schedule("form:"+field, field, window)
	}
	return nil
}

func (s *Session) schedule(key, field string, window time.Duration) {
	s.mu.Lock()
	if s.closed || s.state.Form == nil {
		s.mu.Unlock()
		return
	}
	formID := s.state.Form.ID
	s.mu.Unlock()
	s.pending.Schedule(key, window, pendingSave{formID: formID, field: field})
}

// flushSave runs on a debounce timer, or inline from FlushPending.
func (s *Session) flushSave(key string, p pendingSave) {
	s.mu.Lock()
	if s.closed || s.state.Form == nil || s.state.Form.ID != p.formID {
		s.mu.Unlock()
		s.logger.Debug("dropping stale debounced save", "form_id", p.formID, "channel", key)
		return
	}
	patch := form.PatchFor(*s.state.Form, p.field)
	rev := s.state.Revision
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.SaveTimeout)
	defer cancel()
	err := s.persist(ctx, p.formID, patch, false)

	s.mu.Lock()
	if err != nil {
		s.state.Error = apperr.Message(err)
	} else {
		s.markSavedLocked([]string{p.field}, rev)
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("debounced save failed", "form_id", p.formID, "channel", key, "field", p.field, "error", err)
	}
	s.emit()
}

// PendingSaves lists debounce channels holding an unsent value.
func (s *Session) PendingSaves() []string {
	return s.pending.Pending()
}

// FlushPending sends every pending debounced save now.
func (s *Session) FlushPending() {
	s.pending.FlushAll()
}

// Close stops the session. Pending debounced saves are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clear(s.subs)
	s.mu.Unlock()
	s.pending.Close()
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emit() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	snapshot := s.snapshotLocked()
	ids := slices.Sorted(maps.Keys(s.subs))
	subs := make([]func(State), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot.clone())
	}
}

func (s *Session) snapshotLocked() State {
	st := s.state.clone()
	st.Unsaved = slices.Sorted(maps.Keys(s.dirty))
	if st.Unsaved == nil {
		st.Unsaved = []string{}
	}
	return st
}

func (s *Session) selectionLocked() selection {
	return selection{questionID: s.state.SelectedQuestionID, page: s.state.SelectedPage}
}

func (s *Session) setSelectionLocked(sel selection) {
	s.state.SelectedQuestionID = sel.questionID
	s.state.SelectedPage = sel.page
	if sel.questionID != "" {
		s.state.SelectedPage = ""
	}
}

func (s *Session) markSavedLocked(fields []string, rev uint64) {
	for _, field := range fields {
		if changed, ok := s.dirty[field]; ok && changed <= rev {
			delete(s.dirty, field)
		}
	}
}

func (s *Session) touchLocked() {
	s.lastActive = s.clock.Now()
}

// colourOnly reports whether every top-level design key that changed is a
// colour setting.
func colourOnly(before, after json.RawMessage) bool {
	var prev, next map[string]json.RawMessage
	if json.Unmarshal(before, &prev) != nil || json.Unmarshal(after, &next) != nil {
		return false
	}
	changed := 0
	for key := range keysOf(prev, next) {
		if string(prev[key]) == string(next[key]) {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(key), "color") {
			return false
		}
		changed++
	}
	return changed > 0
}

func keysOf(sets ...map[string]json.RawMessage) map[string]struct{} {
	keys := map[string]struct{}{}
	for _, m := range sets {
		for key := range m {
			keys[key] = struct{}{}
		}
	}
	return keys
}
