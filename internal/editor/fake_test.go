package editor

import (
	"context"
	"fmt"
	"sync"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/form"
)

// fakeForms is an in-memory FormService with scripted failures.
type fakeForms struct {
	mu       sync.Mutex
	forms    map[string]form.Form
	patches  []form.Patch
	attempts int
	failures []error

	holdUpdate chan error
	released   chan error
	entered    chan struct{}
	holdGet    map[string]chan struct{}
}

func newFakeForms(forms ...form.Form) *fakeForms {
	f := &fakeForms{forms: map[string]form.Form{}, holdGet: map[string]chan struct{}{}}
	for _, item := range forms {
		form.ApplyDefaults(&item)
		f.forms[item.ID] = item
	}
	return f
}

func (f *fakeForms) GetByID(_ context.Context, id string) (form.Form, error) {
	f.mu.Lock()
	gate := f.holdGet[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.forms[id]
	if !ok {
		return form.Form{}, apperr.NotFound("FORM_NOT_FOUND", "Form not found")
	}
	return stored.Clone(), nil
}

func (f *fakeForms) Update(_ context.Context, id string, p form.Patch) (form.Form, error) {
	f.mu.Lock()
	f.attempts++
	hold := f.holdUpdate
	f.holdUpdate = nil
	var scripted error
	if len(f.failures) > 0 {
		scripted = f.failures[0]
		f.failures = f.failures[1:]
	}
	f.mu.Unlock()

	if hold != nil {
		f.entered <- struct{}{}
		if err := <-hold; err != nil {
			return form.Form{}, err
		}
	}
	if scripted != nil {
		return form.Form{}, scripted
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.forms[id]
	if !ok {
		return form.Form{}, apperr.NotFound("FORM_NOT_FOUND", "Form not found")
	}
	updated, err := stored.Apply(p)
	if err != nil {
		return form.Form{}, fmt.Errorf("apply patch: %w", err)
	}
	f.forms[id] = updated
	f.patches = append(f.patches, p)
	return updated.Clone(), nil
}

// hold makes the next Update block until release is called.
func (f *fakeForms) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdUpdate = make(chan error, 1)
	f.released = f.holdUpdate
	f.entered = make(chan struct{}, 1)
}

func (f *fakeForms) release(err error) {
	f.mu.Lock()
	ch := f.released
	f.released = nil
	f.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (f *fakeForms) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeForms) writes() []form.Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]form.Patch(nil), f.patches...)
}

func (f *fakeForms) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeForms) stored(id string) form.Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[id].Clone()
}

func (f *fakeForms) gateGet(id string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.holdGet[id] = gate
	return gate
}

func questions(ids ...string) []form.Question {
	qs := make([]form.Question, 0, len(ids))
	for i, id := range ids {
		qs = append(qs, form.Question{ID: id, Type: form.TypeText, Title: "Question " + id, Order: i + 1})
	}
	return qs
}

func strPtr(s string) *string {
	return &s
}
