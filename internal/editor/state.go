// Package editor holds the live editing state of one form per browser tab:
// the loaded form, the current selection, and the optimistic mutations
// that are pushed to the form service.
package editor

import (
	"errors"
	"slices"

	"formpilot/api/internal/form"
)

var (
	ErrNoForm          = errors.New("no form loaded")
	ErrClosed          = errors.New("editor session closed")
	ErrSuperseded      = errors.New("load superseded by a newer request")
	ErrInvalidPage     = errors.New("page must be intro or outro")
	ErrUnknownQuestion = errors.New("question is not part of the form")
)

// State is an immutable snapshot of a session. Selection is exclusive: at
// most one of SelectedQuestionID and SelectedPage is set.
type State struct {
	Form               *form.Form `json:"form"`
	SelectedQuestionID string     `json:"selectedQuestionId,omitempty"`
	SelectedPage       form.Page  `json:"selectedPage,omitempty"`
	IsLoading          bool       `json:"isLoading"`
	Error              string     `json:"error,omitempty"`
	Unsaved            []string   `json:"unsaved"`
	Revision           uint64     `json:"revision"`
}

func (s State) clone() State {
	cp := s
	if s.Form != nil {
		f := s.Form.Clone()
		cp.Form = &f
	}
	cp.Unsaved = slices.Clone(s.Unsaved)
	if cp.Unsaved == nil {
		cp.Unsaved = []string{}
	}
	return cp
}

// Result reports what happened to the persistence half of an action.
// Persisted is false when the action needed no write.
type Result struct {
	Persisted  bool  `json:"persisted"`
	RolledBack bool  `json:"rolledBack"`
	Err        error `json:"-"`
}

func (r Result) OK() bool {
	return r.Err == nil
}

type selection struct {
	questionID string
	page       form.Page
}
