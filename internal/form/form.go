// Package form is the in-memory form aggregate: pages, questions and the
// rules that keep the question list consistent.
package form

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Page string

const (
	PageIntro Page = "intro"
	PageOutro Page = "outro"
)

func (p Page) Valid() bool {
	return p == PageIntro || p == PageOutro
}

const (
	DefaultIntroButton      = "Start"
	DefaultOutroTitle       = "Thank you!"
	DefaultOutroDescription = "Your response has been recorded."
	DefaultOutroButton      = "Submit another response"
)

var ErrTitleRequired = errors.New("title is required")

type PageContent struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ButtonText  string `json:"buttonText"`
}

type Form struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Intro           PageContent     `json:"intro"`
	Outro           PageContent     `json:"outro"`
	Design          json.RawMessage `json:"design"`
	Settings        json.RawMessage `json:"settings"`
	WorkspaceID     string          `json:"workspaceId,omitempty"`
	IsPublic        bool            `json:"isPublic"`
	IsActive        bool            `json:"isActive"`
	SubmissionCount int             `json:"submissionCount"`
	Slug            string          `json:"slug,omitempty"`
	HasPassword     bool            `json:"hasPassword"`
	Questions       []Question      `json:"questions"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (f Form) Clone() Form {
	cp := f
	cp.Design = slices.Clone(f.Design)
	cp.Settings = slices.Clone(f.Settings)
	if f.Questions != nil {
		cp.Questions = make([]Question, len(f.Questions))
		for i, q := range f.Questions {
			cp.Questions[i] = q.Clone()
		}
	}
	return cp
}

// Question returns the question with id.
func (f Form) Question(id string) (Question, bool) {
	if i := IndexOf(f.Questions, id); i >= 0 {
		return f.Questions[i], true
	}
	return Question{}, false
}

// ApplyDefaults fills unset page copy and blobs.
func ApplyDefaults(f *Form) {
	if f.Intro.Title == "" {
		f.Intro.Title = f.Title
	}
	if f.Intro.ButtonText == "" {
		f.Intro.ButtonText = DefaultIntroButton
	}
	if f.Outro.Title == "" {
		f.Outro.Title = DefaultOutroTitle
	}
	if f.Outro.Description == "" {
		f.Outro.Description = DefaultOutroDescription
	}
	if f.Outro.ButtonText == "" {
		f.Outro.ButtonText = DefaultOutroButton
	}
	if len(bytes.TrimSpace(f.Design)) == 0 {
		f.Design = json.RawMessage("{}")
	}
	if len(bytes.TrimSpace(f.Settings)) == 0 {
		f.Settings = json.RawMessage("{}")
	}
	if f.Questions == nil {
		f.Questions = []Question{}
	}
}

type PagePatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	ButtonText  *string `json:"buttonText,omitempty"`
}

func (p PagePatch) apply(page PageContent) PageContent {
	if p.Title != nil {
		page.Title = *p.Title
	}
	if p.Description != nil {
		page.Description = *p.Description
	}
	if p.ButtonText != nil {
		page.ButtonText = *p.ButtonText
	}
	return page
}

func fullPage(page PageContent) *PagePatch {
	return &PagePatch{Title: &page.Title, Description: &page.Description, ButtonText: &page.ButtonText}
}

// Patch is a partial form update. Nil fields are left untouched; a non-nil
// Questions replaces the whole list.
type Patch struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Intro       *PagePatch      `json:"intro,omitempty"`
	Outro       *PagePatch      `json:"outro,omitempty"`
	Design      json.RawMessage `json:"design,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	WorkspaceID *string         `json:"workspaceId,omitempty"`
	IsPublic    *bool           `json:"isPublic,omitempty"`
	IsActive    *bool           `json:"isActive,omitempty"`
	Slug        *string         `json:"slug,omitempty"`
	Questions   *[]Question     `json:"questions,omitempty"`
}

const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldIntro       = "intro"
	FieldOutro       = "outro"
	FieldDesign      = "design"
	FieldSettings    = "settings"
	FieldWorkspaceID = "workspaceId"
	FieldIsPublic    = "isPublic"
	FieldIsActive    = "isActive"
	FieldSlug        = "slug"
	FieldQuestions   = "questions"
)

// Fields lists the top-level fields p sets.
func (p Patch) Fields() []string {
	var fields []string
	add := func(set bool, name string) {
		if set {
			fields = append(fields, name)
		}
	}
	add(p.Title != nil, FieldTitle)
	add(p.Description != nil, FieldDescription)
	add(p.Intro != nil, FieldIntro)
	add(p.Outro != nil, FieldOutro)
	add(len(p.Design) > 0, FieldDesign)
	add(len(p.Settings) > 0, FieldSettings)
	add(p.WorkspaceID != nil, FieldWorkspaceID)
	add(p.IsPublic != nil, FieldIsPublic)
	add(p.IsActive != nil, FieldIsActive)
	add(p.Slug != nil, FieldSlug)
	add(p.Questions != nil, FieldQuestions)
	return fields
}

func (p Patch) Empty() bool {
	return len(p.Fields()) == 0
}

// Merge overlays other onto p.
func (p Patch) Merge(other Patch) Patch {
	out := p
	if other.Title != nil {
		out.Title = other.Title
	}
	if other.Description != nil {
		out.Description = other.Description
	}
	if other.Intro != nil {
		out.Intro = mergePage(out.Intro, other.Intro)
	}
	if other.Outro != nil {
		out.Outro = mergePage(out.Outro, other.Outro)
	}
	if len(other.Design) > 0 {
		out.Design = other.Design
	}
	if len(other.Settings) > 0 {
		out.Settings = other.Settings
	}
	if other.WorkspaceID != nil {
		out.WorkspaceID = other.WorkspaceID
	}
	if other.IsPublic != nil {
		out.IsPublic = other.IsPublic
	}
	if other.IsActive != nil {
		out.IsActive = other.IsActive
	}
	if other.Slug != nil {
		out.Slug = other.Slug
	}
	if other.Questions != nil {
		out.Questions = other.Questions
	}
	return out
}

func mergePage(base, next *PagePatch) *PagePatch {
	if base == nil {
		cp := *next
		return &cp
	}
	out := *base
	if next.Title != nil {
		out.Title = next.Title
	}
	if next.Description != nil {
		out.Description = next.Description
	}
	if next.ButtonText != nil {
		out.ButtonText = next.ButtonText
	}
	return &out
}

// PatchFor builds a patch carrying the current value of each named field.
// Pages are always sent whole.
func PatchFor(f Form, fields ...string) Patch {
	var p Patch
	for _, field := range fields {
		switch field {
		case FieldTitle:
			p.Title = &f.Title
		case FieldDescription:
			p.Description = &f.Description
		case FieldIntro:
			p.Intro = fullPage(f.Intro)
		case FieldOutro:
			p.Outro = fullPage(f.Outro)
		case FieldDesign:
			p.Design = slices.Clone(f.Design)
		case FieldSettings:
			p.Settings = slices.Clone(f.Settings)
		case FieldWorkspaceID:
			p.WorkspaceID = &f.WorkspaceID
		case FieldIsPublic:
			p.IsPublic = &f.IsPublic
		case FieldIsActive:
			p.IsActive = &f.IsActive
		case FieldSlug:
			p.Slug = &f.Slug
		case FieldQuestions:
			qs := Renumber(f.Questions)
			p.Questions = &qs
		}
	}
	return p
}

// Apply returns f with p merged in. The question list, when present, is
// renumbered from array position.
func (f Form) Apply(p Patch) (Form, error) {
	out := f.Clone()
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return f, ErrTitleRequired
		}
		out.Title = title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Intro != nil {
		out.Intro = p.Intro.apply(out.Intro)
	}
	if p.Outro != nil {
		out.Outro = p.Outro.apply(out.Outro)
	}
	if len(p.Design) > 0 {
		if !json.Valid(p.Design) {
			return f, fmt.Errorf("design is not valid JSON")
		}
		out.Design = slices.Clone(p.Design)
	}
	if len(p.Settings) > 0 {
		if !json.Valid(p.Settings) {
			return f, fmt.Errorf("settings is not valid JSON")
		}
		out.Settings = slices.Clone(p.Settings)
	}
	if p.WorkspaceID != nil {
		out.WorkspaceID = *p.WorkspaceID
	}
	if p.IsPublic != nil {
		out.IsPublic = *p.IsPublic
	}
	if p.IsActive != nil {
		out.IsActive = *p.IsActive
	}
	if p.Slug != nil {
		out.Slug = *p.Slug
	}
	if p.Questions != nil {
		if err := uniqueIDs(*p.Questions); err != nil {
			return f, err
		}
		for _, q := range *p.Questions {
			if err := q.Validate(); err != nil {
				return f, fmt.Errorf("question %s: %w", q.ID, err)
			}
		}
		out.Questions = Renumber(*p.Questions)
	}
	return out, nil
}
