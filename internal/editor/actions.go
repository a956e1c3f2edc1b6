package editor

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/form"
)

// change is the outcome of planning an action against the current form.
// An empty fields list means there is nothing to write.
type change struct {
	form      form.Form
	fields    []string
	selection *selection
}

// AddQuestion appends a new question, selects it and saves the list.
func (s *Session) AddQuestion(ctx context.Context, d form.Draft) Result {
	return s.act(ctx, "add_question", func(f form.Form, _ selection) (change, error) {
		q, err := form.NewQuestion(s.newID(), len(f.Questions)+1, d)
		if err != nil {
			return change{}, apperr.Validation("INVALID_QUESTION", err.Error())
		}
		f.Questions = form.Renumber(append(f.Questions, q))
		return change{form: f, fields: []string{form.FieldQuestions}, selection: &selection{questionID: q.ID}}, nil
	})
}

// DeleteQuestion removes a question. When it was selected, the first
// remaining question becomes the selection.
func (s *Session) DeleteQuestion(ctx context.Context, id string) Result {
	return s.act(ctx, "delete_question", func(f form.Form, sel selection) (change, error) {
		idx := form.IndexOf(f.Questions, id)
		if idx < 0 {
			return change{}, questionNotFound(id)
		}
		f.Questions = form.Renumber(slices.Delete(f.Questions, idx, idx+1))
		c := change{form: f, fields: []string{form.FieldQuestions}}
		if sel.questionID == id {
			next := selection{}
			if len(f.Questions) > 0 {
				next.questionID = f.Questions[0].ID
			}
			c.selection = &next
		}
		return c, nil
	})
}

// DuplicateQuestion appends a copy of a question and selects the copy.
func (s *Session) DuplicateQuestion(ctx context.Context, id string) Result {
	return s.act(ctx, "duplicate_question", func(f form.Form, _ selection) (change, error) {
		q, ok := f.Question(id)
		if !ok {
			return change{}, questionNotFound(id)
		}
		dup := form.Duplicate(q, s.newID())
		f.Questions = form.Renumber(append(f.Questions, dup))
		return change{form: f, fields: []string{form.FieldQuestions}, selection: &selection{questionID: dup.ID}}, nil
	})
}

// ReorderQuestions moves the question at from to position to. Equal
// indices change nothing and write nothing.
func (s *Session) ReorderQuestions(ctx context.Context, from, to int) Result {
	return s.act(ctx, "reorder_questions", func(f form.Form, _ selection) (change, error) {
		if from == to && from >= 0 && from < len(f.Questions) {
			return change{}, nil
		}
		reordered, err := form.Reorder(f.Questions, from, to)
		if err != nil {
			return change{}, apperr.Validation("INDEX_OUT_OF_RANGE", err.Error())
		}
		f.Questions = reordered
		return change{form: f, fields: []string{form.FieldQuestions}}, nil
	})
}

// SaveQuestions writes the current question list.
func (s *Session) SaveQuestions(ctx context.Context) Result {
	return s.act(ctx, "save_questions", func(f form.Form, _ selection) (change, error) {
		return change{form: f, fields: []string{form.FieldQuestions}}, nil
	})
}

// UpdateForm merges p and writes the touched fields.
func (s *Session) UpdateForm(ctx context.Context, p form.Patch) Result {
	return s.act(ctx, "update_form", func(f form.Form, _ selection) (change, error) {
		if p.Empty() {
			return change{}, nil
		}
		next, err := f.Apply(p)
		if err != nil {
			return change{}, apperr.Validation("INVALID_FORM_UPDATE", err.Error())
		}
		return change{form: next, fields: p.Fields()}, nil
	})
}

// act applies an optimistic change, notifies subscribers, then persists.
// A failed write restores the previous form and selection unless the state
// moved on in the meantime, in which case the local state is kept and the
// fields stay unsaved.
func (s *Session) act(ctx context.Context, name string, plan func(f form.Form, sel selection) (change, error)) Result {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{Err: ErrClosed}
	}
	if s.state.Form == nil {
		s.mu.Unlock()
		return Result{Err: ErrNoForm}
	}
	prevForm := s.state.Form
	prevSel := s.selectionLocked()
	c, err := plan(prevForm.Clone(), prevSel)
	if err != nil {
		s.mu.Unlock()
		return Result{Err: err}
	}
	if len(c.fields) == 0 {
		s.mu.Unlock()
		return Result{}
	}

	prevDirty := make(map[string]uint64, len(s.dirty))
	for field, rev := range s.dirty {
		prevDirty[field] = rev
	}
	next := c.form
	s.state.Form = &next
	if c.selection != nil {
		s.setSelectionLocked(*c.selection)
	}
	s.state.Revision++
	rev := s.state.Revision
	for _, field := range c.fields {
		s.dirty[field] = rev
	}
	s.touchLocked()
	formID := next.ID
	patch := form.PatchFor(next, c.fields...)
	s.mu.Unlock()
	s.emit()

	err = s.persist(ctx, formID, patch, true)

	s.mu.Lock()
	result := Result{Persisted: err == nil, Err: err}
	if err == nil {
		s.markSavedLocked(c.fields, rev)
		s.state.Error = ""
	} else {
		s.state.Error = apperr.Message(err)
		if s.state.Revision == rev && !s.closed {
			s.state.Form = prevForm
			s.setSelectionLocked(prevSel)
			s.dirty = prevDirty
			s.state.Revision++
			result.RolledBack = true
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("save failed", "action", name, "form_id", formID, "rolled_back", result.RolledBack, "error", err)
	}
	s.emit()
	return result
}

// persist writes patch. Discrete actions retry transient failures a fixed
// number of times; debounced saves do not.
func (s *Session) persist(ctx context.Context, formID string, patch form.Patch, discrete bool) error {
	write := func() error {
		_, err := s.forms.Update(ctx, formID, patch)
		return err
	}
	if !discrete || s.settings.Retries == 0 {
		return write()
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.settings.RetryInterval), uint64(s.settings.Retries)),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		err := write()
		if err != nil && !apperr.Is(err, apperr.KindTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Debug("retrying save", "form_id", formID, "wait", wait, "error", err)
	})
}

func questionNotFound(id string) error {
	return &apperr.Error{
		Kind:    apperr.KindNotFound,
		Code:    "QUESTION_NOT_FOUND",
		Message: "Question not found",
		Details: map[string]any{"questionId": id},
		Err:     errors.Join(ErrUnknownQuestion, form.ErrQuestionNotFound),
	}
}
