package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/form"
	"formpilot/api/internal/logging"
)

type harness struct {
	sess  *Session
	forms *fakeForms
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T, f form.Form) harness {
	t.Helper()
	forms := newFakeForms(f)
	clock := clockwork.NewFakeClock()
	counter := 0
	sess := NewSession(Options{
		ID:     "sess-test",
		UserID: "user-1",
		Forms:  forms,
		Clock:  clock,
		Logger: logging.Discard(),
		Settings: Settings{
			TextWindow:    time.Second,
			ColorWindow:   300 * time.Millisecond,
			Retries:       2,
			RetryInterval: time.Millisecond,
		},
		NewID: func() string {
			counter++
			return fmt.Sprintf("q-new-%d", counter)
		},
	})
	t.Cleanup(sess.Close)
	require.NoError(t, sess.LoadForm(context.Background(), f.ID).Err)
	return harness{sess: sess, forms: forms, clock: clock}
}

func surveyForm(ids ...string) form.Form {
	return form.Form{ID: "form-1", Title: "Survey", Questions: questions(ids...)}
}

func ids(st State) []string {
	out := make([]string, 0, len(st.Form.Questions))
	for _, q := range st.Form.Questions {
		out = append(out, q.ID)
	}
	return out
}

func TestLoadFormPopulatesState(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))

	st := h.sess.State()
	require.NotNil(t, st.Form)
	assert.Equal(t, "form-1", st.Form.ID)
	assert.False(t, st.IsLoading)
	assert.Empty(t, st.Error)
	assert.Empty(t, st.Unsaved)
}

func TestLoadFormFailureClearsForm(t *testing.T) {
	h := newHarness(t, surveyForm("a"))

	res := h.sess.LoadForm(context.Background(), "missing")
	require.Error(t, res.Err)
	assert.True(t, apperr.Is(res.Err, apperr.KindNotFound))

	st := h.sess.State()
	assert.Nil(t, st.Form)
	assert.Equal(t, "Form not found", st.Error)
	assert.False(t, st.IsLoading)

	require.NoError(t, h.sess.LoadForm(context.Background(), "form-1").Err)
	assert.Empty(t, h.sess.State().Error)
}

func TestLoadFormLastCallWins(t *testing.T) {
	forms := newFakeForms(
		form.Form{ID: "slow", Title: "Slow"},
		form.Form{ID: "fast", Title: "Fast"},
	)
	sess := NewSession(Options{Forms: forms, Clock: clockwork.NewFakeClock(), Logger: logging.Discard()})
	defer sess.Close()
	gate := forms.gateGet("slow")

	done := make(chan Result, 1)
	go func() { done <- sess.LoadForm(context.Background(), "slow") }()
	require.Eventually(t, func() bool { return sess.State().IsLoading }, time.Second, time.Millisecond)

	require.NoError(t, sess.LoadForm(context.Background(), "fast").Err)
	close(gate)

	res := <-done
	assert.ErrorIs(t, res.Err, ErrSuperseded)
	assert.Equal(t, "fast", sess.State().Form.ID)
}

func TestSelectionIsExclusive(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))

	require.NoError(t, h.sess.SelectPage(form.PageIntro))
	require.NoError(t, h.sess.SelectQuestion("b"))
	st := h.sess.State()
	assert.Equal(t, "b", st.SelectedQuestionID)
	assert.Empty(t, st.SelectedPage)

	require.NoError(t, h.sess.SelectPage(form.PageOutro))
	st = h.sess.State()
	assert.Equal(t, form.PageOutro, st.SelectedPage)
	assert.Empty(t, st.SelectedQuestionID)

	require.NoError(t, h.sess.SelectQuestion(""))
	st = h.sess.State()
	assert.Empty(t, st.SelectedPage)
	assert.Empty(t, st.SelectedQuestionID)

	assert.ErrorIs(t, h.sess.SelectQuestion("zzz"), ErrUnknownQuestion)
	assert.ErrorIs(t, h.sess.SelectPage("middle"), ErrInvalidPage)
}

func TestAddQuestionAppendsAndSelects(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))

	res := h.sess.AddQuestion(context.Background(), form.Draft{Type: form.TypeRating})
	require.NoError(t, res.Err)
	assert.True(t, res.Persisted)

	st := h.sess.State()
	require.Len(t, st.Form.Questions, 3)
	added := st.Form.Questions[2]
	assert.Equal(t, 3, added.Order)
	assert.NotEqual(t, "a", added.ID)
	assert.NotEqual(t, "b", added.ID)
	assert.Equal(t, added.ID, st.SelectedQuestionID)
	assert.Equal(t, form.DefaultQuestionTitle, added.Title)
	assert.Equal(t, form.DefaultMaxRating, added.MaxRating)
	assert.Empty(t, st.Unsaved)

	stored := h.forms.stored("form-1")
	require.Len(t, stored.Questions, 3)
	assert.Equal(t, added.ID, stored.Questions[2].ID)
}

func TestDeleteQuestionReassignsSelection(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b", "c"))
	ctx := context.Background()

	require.NoError(t, h.sess.SelectQuestion("b"))
	require.NoError(t, h.sess.DeleteQuestion(ctx, "c").Err)
	assert.Equal(t, "b", h.sess.State().SelectedQuestionID, "deleting another question keeps the selection")

	require.NoError(t, h.sess.DeleteQuestion(ctx, "b").Err)
	st := h.sess.State()
	assert.Equal(t, []string{"a"}, ids(st))
	assert.Equal(t, "a", st.SelectedQuestionID)
	assert.NoError(t, form.CheckOrder(st.Form.Questions))

	require.NoError(t, h.sess.DeleteQuestion(ctx, "a").Err)
	st = h.sess.State()
	assert.Empty(t, st.Form.Questions)
	assert.Empty(t, st.SelectedQuestionID)
	assert.Empty(t, st.SelectedPage)

	res := h.sess.DeleteQuestion(ctx, "a")
	assert.True(t, apperr.Is(res.Err, apperr.KindNotFound))
}

func TestDeleteQuestionKeepsPageSelection(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))

	require.NoError(t, h.sess.SelectPage(form.PageIntro))
	require.NoError(t, h.sess.DeleteQuestion(context.Background(), "a").Err)
	assert.Equal(t, form.PageIntro, h.sess.State().SelectedPage)
}

func TestDuplicateQuestionSelectsCopy(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))

	require.NoError(t, h.sess.DuplicateQuestion(context.Background(), "a").Err)
	st := h.sess.State()
	require.Len(t, st.Form.Questions, 3)
	dup := st.Form.Questions[2]
	assert.Equal(t, "Question a (copy)", dup.Title)
	assert.Equal(t, 3, dup.Order)
	assert.Equal(t, dup.ID, st.SelectedQuestionID)
	assert.NotEqual(t, "a", dup.ID)
}

func TestReorderMovesFirstToLast(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b", "c"))

	require.NoError(t, h.sess.ReorderQuestions(context.Background(), 0, 2).Err)
	st := h.sess.State()
	assert.Equal(t, []string{"b", "c", "a"}, ids(st))
	for i, q := range st.Form.Questions {
		assert.Equal(t, i+1, q.Order)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids(State{Form: ptrForm(h.forms.stored("form-1"))}))
}

func TestReorderSameIndexWritesNothing(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))

	res := h.sess.ReorderQuestions(context.Background(), 1, 1)
	require.NoError(t, res.Err)
	assert.False(t, res.Persisted)
	assert.Empty(t, h.forms.writes())

	res = h.sess.ReorderQuestions(context.Background(), 0, 5)
	assert.True(t, apperr.Is(res.Err, apperr.KindValidation))
	assert.Empty(t, h.forms.writes())
}

func TestOrderInvariantHoldsAcrossRandomActions(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b", "c"))
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 200; step++ {
		qs := h.sess.State().Form.Questions
		switch op := rng.Intn(4); {
		case op == 0 || len(qs) == 0:
			require.NoError(t, h.sess.AddQuestion(ctx, form.Draft{}).Err)
		case op == 1:
			require.NoError(t, h.sess.DeleteQuestion(ctx, qs[rng.Intn(len(qs))].ID).Err)
		case op == 2:
			require.NoError(t, h.sess.DuplicateQuestion(ctx, qs[rng.Intn(len(qs))].ID).Err)
		default:
			require.NoError(t, h.sess.ReorderQuestions(ctx, rng.Intn(len(qs)), rng.Intn(len(qs))).Err)
		}
		st := h.sess.State()
		require.NoError(t, form.CheckOrder(st.Form.Questions), "step %d", step)
		require.NoError(t, form.CheckOrder(h.forms.stored("form-1").Questions), "stored, step %d", step)
	}
}

func TestUpdateQuestionTypeChangeResetsFields(t *testing.T) {
	h := newHarness(t, surveyForm("a"))
	choice := form.TypeMultipleChoice
	rating := form.TypeRating
	text := form.TypeText

	require.NoError(t, h.sess.UpdateQuestion("a", form.QuestionUpdate{Type: &choice}))
	q := h.sess.State().Form.Questions[0]
	assert.Equal(t, form.DefaultOptions, q.Options)

	require.NoError(t, h.sess.UpdateQuestion("a", form.QuestionUpdate{Type: &rating}))
	q = h.sess.State().Form.Questions[0]
	assert.Nil(t, q.Options)
	assert.Equal(t, 5, q.MaxRating)

	require.NoError(t, h.sess.UpdateQuestion("a", form.QuestionUpdate{Type: &text}))
	q = h.sess.State().Form.Questions[0]
	assert.Zero(t, q.MaxRating)

	assert.Empty(t, h.forms.writes(), "UpdateQuestion does not persist")
	assert.Equal(t, []string{form.FieldQuestions}, h.sess.State().Unsaved)

	require.NoError(t, h.sess.SaveQuestions(context.Background()).Err)
	assert.Empty(t, h.sess.State().Unsaved)
	assert.Equal(t, form.TypeText, h.forms.stored("form-1").Questions[0].Type)
}

func TestUpdateQuestionRejectsInapplicableField(t *testing.T) {
	h := newHarness(t, surveyForm("a"))
	rating := 4

	err := h.sess.UpdateQuestion("a", form.QuestionUpdate{MaxRating: &rating})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.ErrorIs(t, h.sess.UpdateQuestion("zzz", form.QuestionUpdate{}), ErrUnknownQuestion)
}

func TestFailedSaveRollsBack(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))
	require.NoError(t, h.sess.SelectQuestion("a"))
	h.forms.fail(apperr.Internal("STORE_ERROR", "Storage error", nil))

	res := h.sess.AddQuestion(context.Background(), form.Draft{})
	require.Error(t, res.Err)
	assert.False(t, res.Persisted)
	assert.True(t, res.RolledBack)
	assert.Equal(t, 1, h.forms.attemptCount(), "non-transient failures are not retried")

	st := h.sess.State()
	assert.Equal(t, []string{"a", "b"}, ids(st))
	assert.Equal(t, "a", st.SelectedQuestionID)
	assert.Equal(t, "Storage error", st.Error)
	assert.Empty(t, st.Unsaved)
}

func TestPageUpdateRollsBackOnFailure(t *testing.T) {
	h := newHarness(t, surveyForm("a"))
	h.forms.fail(apperr.NotFound("FORM_NOT_FOUND", "Form not found"))

	res := h.sess.UpdateForm(context.Background(), form.Patch{Outro: &form.PagePatch{Title: strPtr("Bye")}})
	assert.True(t, res.RolledBack)
	assert.Equal(t, form.DefaultOutroTitle, h.sess.State().Form.Outro.Title)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b", "c"))
	transient := apperr.Transient("STORE_UNAVAILABLE", "Storage is temporarily unavailable", nil)
	h.forms.fail(transient, transient)

	res := h.sess.ReorderQuestions(context.Background(), 2, 0)
	require.NoError(t, res.Err)
	assert.True(t, res.Persisted)
	assert.Equal(t, 3, h.forms.attemptCount())
	assert.Equal(t, "c", h.forms.stored("form-1").Questions[0].ID)
}

func TestTransientRetriesAreBounded(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))
	transient := apperr.Transient("STORE_UNAVAILABLE", "Storage is temporarily unavailable", nil)
	h.forms.fail(transient, transient, transient, transient)

	res := h.sess.DeleteQuestion(context.Background(), "a")
	assert.True(t, apperr.Is(res.Err, apperr.KindTransient))
	assert.True(t, res.RolledBack)
	assert.Equal(t, 3, h.forms.attemptCount())
	assert.Equal(t, []string{"a", "b"}, ids(h.sess.State()))
}

func TestFailedSaveKeepsLaterLocalEdits(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))
	h.forms.hold()

	done := make(chan Result, 1)
	go func() { done <- h.sess.AddQuestion(context.Background(), form.Draft{}) }()
	<-h.forms.entered

	require.NoError(t, h.sess.UpdateQuestion("a", form.QuestionUpdate{Title: strPtr("Edited")}))
	h.forms.release(apperr.Internal("STORE_ERROR", "Storage error", nil))

	res := <-done
	require.Error(t, res.Err)
	assert.False(t, res.RolledBack)

	st := h.sess.State()
	assert.Len(t, st.Form.Questions, 3)
	assert.Equal(t, "Edited", st.Form.Questions[0].Title)
	assert.Equal(t, []string{form.FieldQuestions}, st.Unsaved)
	assert.Equal(t, "Storage error", st.Error)
}

func TestDebouncedQuestionEditsCoalesce(t *testing.T) {
	h := newHarness(t, surveyForm("a"))

	for _, title := range []string{"W", "Wh", "Wha", "What"} {
		require.NoError(t, h.sess.UpdateQuestionDebounced("a", form.QuestionUpdate{Title: strPtr(title)}))
		h.clock.Advance(50 * time.Millisecond)
	}
	assert.Equal(t, "What", h.sess.State().Form.Questions[0].Title, "edits echo immediately")
	assert.Equal(t, []string{"question:a"}, h.sess.PendingSaves())

	h.clock.Advance(900 * time.Millisecond)
	require.Never(t, func() bool { return len(h.forms.writes()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	h.clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.forms.writes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "What", h.forms.stored("form-1").Questions[0].Title)
	require.Eventually(t, func() bool { return len(h.sess.State().Unsaved) == 0 }, time.Second, time.Millisecond)
}

func TestDebouncedColourUsesShortWindow(t *testing.T) {
	f := surveyForm("a")
	f.Design = json.RawMessage(`{"primaryColor":"#000000","font":"Inter"}`)
	h := newHarness(t, f)

	require.NoError(t, h.sess.UpdateFormDebounced(form.Patch{Design: json.RawMessage(`{"primaryColor":"#ff0000","font":"Inter"}`)}))
	require.NoError(t, h.sess.UpdateFormDebounced(form.Patch{Title: strPtr("Renamed")}))
	assert.ElementsMatch(t, []string{"form:design", "form:title"}, h.sess.PendingSaves())

	h.clock.Advance(300 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.forms.writes()) == 1 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"primaryColor":"#ff0000","font":"Inter"}`, string(h.forms.stored("form-1").Design))
	assert.Equal(t, "Survey", h.forms.stored("form-1").Title)

	h.clock.Advance(700 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.forms.writes()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "Renamed", h.forms.stored("form-1").Title)
}

func TestDebouncedSaveFailureMarksUnsaved(t *testing.T) {
	h := newHarness(t, surveyForm("a"))
	h.forms.fail(apperr.Transient("STORE_UNAVAILABLE", "Storage is temporarily unavailable", nil))

	require.NoError(t, h.sess.UpdateFormDebounced(form.Patch{Description: strPtr("draft")}))
	h.clock.Advance(time.Second)

	require.Eventually(t, func() bool { return h.sess.State().Error != "" }, time.Second, time.Millisecond)
	st := h.sess.State()
	assert.Equal(t, []string{form.FieldDescription}, st.Unsaved)
	assert.Equal(t, "draft", st.Form.Description, "debounced failures keep local edits")
	assert.Equal(t, 1, h.forms.attemptCount(), "debounced saves are not retried")
}

func TestCloseDropsPendingSaves(t *testing.T) {
	h := newHarness(t, surveyForm("a"))

	require.NoError(t, h.sess.UpdateQuestionDebounced("a", form.QuestionUpdate{Title: strPtr("lost")}))
	h.sess.Close()
	h.clock.Advance(5 * time.Second)

	require.Never(t, func() bool { return len(h.forms.writes()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.ErrorIs(t, h.sess.SelectQuestion("a"), ErrClosed)
	assert.ErrorIs(t, h.sess.AddQuestion(context.Background(), form.Draft{}).Err, ErrClosed)
}

func TestFlushPendingSavesImmediately(t *testing.T) {
	h := newHarness(t, surveyForm("a"))

	require.NoError(t, h.sess.UpdateQuestionDebounced("a", form.QuestionUpdate{Title: strPtr("now")}))
	h.sess.FlushPending()

	assert.Len(t, h.forms.writes(), 1)
	assert.Empty(t, h.sess.PendingSaves())
	assert.Equal(t, "now", h.forms.stored("form-1").Questions[0].Title)
}

func TestSubscribersReceiveCopies(t *testing.T) {
	h := newHarness(t, surveyForm("a", "b"))

	var mu sync.Mutex
	var seen []State
	unsubscribe := h.sess.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	require.NoError(t, h.sess.SelectQuestion("b"))
	mu.Lock()
	require.Len(t, seen, 1)
	seen[0].Form.Questions[0].Title = "tampered"
	mu.Unlock()
	assert.Equal(t, "Question a", h.sess.State().Form.Questions[0].Title)

	require.NoError(t, h.sess.AddQuestion(context.Background(), form.Draft{}).Err)
	mu.Lock()
	assert.Len(t, seen, 3, "optimistic render then persisted state")
	mu.Unlock()

	unsubscribe()
	require.NoError(t, h.sess.ClearSelection())
	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()
}

func TestColourOnly(t *testing.T) {
	tests := []struct {
		name          string
		before, after string
		want          bool
	}{
		{name: "colour change", before: `{"primaryColor":"#000"}`, after: `{"primaryColor":"#fff"}`, want: true},
		{name: "font change", before: `{"font":"A"}`, after: `{"font":"B"}`, want: false},
		{name: "mixed", before: `{"bgColor":"#000","font":"A"}`, after: `{"bgColor":"#111","font":"B"}`, want: false},
		{name: "no change", before: `{"bgColor":"#000"}`, after: `{"bgColor":"#000"}`, want: false},
		{name: "not an object", before: `[]`, after: `{"bgColor":"#000"}`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, colourOnly(json.RawMessage(tt.before), json.RawMessage(tt.after)))
		})
	}
}

func ptrForm(f form.Form) *form.Form {
	return &f
}
