package form

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

type QuestionType string

const (
	TypeText           QuestionType = "text"
	TypeTextarea       QuestionType = "textarea"
	TypeNumber         QuestionType = "number"
	TypeEmail          QuestionType = "email"
	TypePhone          QuestionType = "phone"
	TypeURL            QuestionType = "url"
	TypeMultipleChoice QuestionType = "multiple-choice"
	TypeCheckbox       QuestionType = "checkbox"
	TypeDropdown       QuestionType = "dropdown"
	TypeRating         QuestionType = "rating"
	TypeScale          QuestionType = "scale"
	TypeYesNo          QuestionType = "yes-no"
	TypeDate           QuestionType = "date"
	TypeTime           QuestionType = "time"
	TypeFileUpload     QuestionType = "file-upload"
	TypeImage          QuestionType = "image"
	TypeAddress        QuestionType = "address"
	TypePayment        QuestionType = "payment"
	TypeSignature      QuestionType = "signature"
)

const (
	DefaultQuestionTitle = "Untitled question"
	DefaultMaxRating     = 5
	DefaultCurrency      = "USD"
	copySuffix           = " (copy)"
)

var DefaultOptions = []string{"Option 1", "Option 2"}

var (
	ErrUnknownQuestionType = errors.New("unknown question type")
	ErrFieldNotApplicable  = errors.New("field not applicable to question type")
	ErrInvalidMaxRating    = errors.New("maxRating must be between 1 and 10")
	ErrInvalidAmount       = errors.New("amount must not be negative")
	ErrQuestionNotFound    = errors.New("question not found")
	ErrDuplicateQuestionID = errors.New("duplicate question id")
)

var allTypes = []QuestionType{
	TypeText, TypeTextarea, TypeNumber, TypeEmail, TypePhone, TypeURL,
	TypeMultipleChoice, TypeCheckbox, TypeDropdown, TypeRating, TypeScale,
	TypeYesNo, TypeDate, TypeTime, TypeFileUpload, TypeImage, TypeAddress,
	TypePayment, TypeSignature,
}

func Types() []QuestionType {
	return slices.Clone(allTypes)
}

func (t QuestionType) Valid() bool {
	return slices.Contains(allTypes, t)
}

func (t QuestionType) IsChoice() bool {
	switch t {
	case TypeMultipleChoice, TypeCheckbox, TypeDropdown:
		return true
	}
	return false
}

func (t QuestionType) IsFreeText() bool {
	switch t {
	case TypeText, TypeTextarea, TypeNumber, TypeEmail, TypePhone, TypeURL, TypeAddress:
		return true
	}
	return false
}

func (t QuestionType) IsUpload() bool {
	return t == TypeFileUpload || t == TypeImage
}

type Question struct {
	ID              string           `json:"id"`
	Type            QuestionType     `json:"type"`
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	Required        bool             `json:"required"`
	Order           int              `json:"order"`
	Options         []string         `json:"options,omitempty"`
	Placeholder     string           `json:"placeholder,omitempty"`
	MaxRating       int              `json:"maxRating,omitempty"`
	AcceptedFormats string           `json:"acceptedFormats,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Currency        string           `json:"currency,omitempty"`
}

// Draft seeds a new question. Zero values take the documented defaults.
type Draft struct {
	Type        QuestionType `json:"type"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Required    bool         `json:"required"`
	Options     []string     `json:"options"`
	Placeholder string       `json:"placeholder"`
}

// QuestionUpdate carries only the fields a caller wants to change.
type QuestionUpdate struct {
	Type            *QuestionType    `json:"type,omitempty"`
	Title           *string          `json:"title,omitempty"`
	Description     *string          `json:"description,omitempty"`
	Required        *bool            `json:"required,omitempty"`
	Options         *[]string        `json:"options,omitempty"`
	Placeholder     *string          `json:"placeholder,omitempty"`
	MaxRating       *int             `json:"maxRating,omitempty"`
	AcceptedFormats *string          `json:"acceptedFormats,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Currency        *string          `json:"currency,omitempty"`
}

func (q Question) Clone() Question {
	cp := q
	cp.Options = slices.Clone(q.Options)
	if q.Amount != nil {
		amount := *q.Amount
		cp.Amount = &amount
	}
	return cp
}

// NewQuestion builds a question from d with the given id and order.
func NewQuestion(id string, order int, d Draft) (Question, error) {
	if d.Type == "" {
		d.Type = TypeText
	}
	if !d.Type.Valid() {
		return Question{}, fmt.Errorf("%w: %q", ErrUnknownQuestionType, d.Type)
	}
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = DefaultQuestionTitle
	}
	q := Question{
		ID:          id,
		Type:        d.Type,
		Title:       title,
		Description: d.Description,
		Required:    d.Required,
		Order:       order,
	}
	if d.Type.IsChoice() && len(d.Options) > 0 {
		q.Options = slices.Clone(d.Options)
	}
	if d.Type.IsFreeText() {
		q.Placeholder = d.Placeholder
	}
	return applyTypeDefaults(q), nil
}

// Duplicate copies q under a new id with the title marked as a copy.
func Duplicate(q Question, id string) Question {
	cp := q.Clone()
	cp.ID = id
	cp.Title = q.Title + copySuffix
	return cp
}

// ChangeType switches q to t, clearing fields the new type does not carry
// and seeding the ones it needs.
func ChangeType(q Question, t QuestionType) (Question, error) {
	if !t.Valid() {
		return q, fmt.Errorf("%w: %q", ErrUnknownQuestionType, t)
	}
	from := q.Type
	q = q.Clone()
	q.Type = t
	if from == t {
		return q, nil
	}
	if !t.IsChoice() {
		q.Options = nil
	}
	if !t.IsFreeText() {
		q.Placeholder = ""
	}
	if t != TypeRating {
		q.MaxRating = 0
	}
	if !t.IsUpload() {
		q.AcceptedFormats = ""
	}
	if t != TypePayment {
		q.Amount = nil
		q.Currency = ""
	}
	return applyTypeDefaults(q), nil
}

func applyTypeDefaults(q Question) Question {
	switch {
	case q.Type.IsChoice():
		if len(q.Options) == 0 {
			q.Options = slices.Clone(DefaultOptions)
		}
	case q.Type == TypeRating:
		if q.MaxRating == 0 {
			q.MaxRating = DefaultMaxRating
		}
	case q.Type == TypePayment:
		if q.Currency == "" {
			q.Currency = DefaultCurrency
		}
	}
	return q
}

// Apply merges u into q. A type change is applied first so the remaining
// fields are checked against the new type.
func (q Question) Apply(u QuestionUpdate) (Question, error) {
	out := q.Clone()
	if u.Type != nil {
		changed, err := ChangeType(out, *u.Type)
		if err != nil {
			return q, err
		}
		out = changed
	}
	if u.Title != nil {
		out.Title = *u.Title
	}
	if u.Description != nil {
		out.Description = *u.Description
	}
	if u.Required != nil {
		out.Required = *u.Required
	}
	if u.Options != nil {
		if !out.Type.IsChoice() {
			return q, fmt.Errorf("%w: options on %s", ErrFieldNotApplicable, out.Type)
		}
		out.Options = slices.Clone(*u.Options)
	}
	if u.Placeholder != nil {
		if !out.Type.IsFreeText() {
			return q, fmt.Errorf("%w: placeholder on %s", ErrFieldNotApplicable, out.Type)
		}
		out.Placeholder = *u.Placeholder
	}
	if u.MaxRating != nil {
		if out.Type != TypeRating {
			return q, fmt.Errorf("%w: maxRating on %s", ErrFieldNotApplicable, out.Type)
		}
		if *u.MaxRating < 1 || *u.MaxRating > 10 {
			return q, ErrInvalidMaxRating
		}
		out.MaxRating = *u.MaxRating
	}
	if u.AcceptedFormats != nil {
		if !out.Type.IsUpload() {
			return q, fmt.Errorf("%w: acceptedFormats on %s", ErrFieldNotApplicable, out.Type)
		}
		out.AcceptedFormats = *u.AcceptedFormats
	}
	if u.Amount != nil || u.Currency != nil {
		if out.Type != TypePayment {
			return q, fmt.Errorf("%w: amount on %s", ErrFieldNotApplicable, out.Type)
		}
		if u.Amount != nil {
			if u.Amount.IsNegative() {
				return q, ErrInvalidAmount
			}
			amount := u.Amount.Round(2)
			out.Amount = &amount
		}
		if u.Currency != nil {
			out.Currency = strings.ToUpper(strings.TrimSpace(*u.Currency))
			if out.Currency == "" {
				out.Currency = DefaultCurrency
			}
		}
	}
	return out, nil
}

// Validate checks the type-conditional field invariants of a stored question.
func (q Question) Validate() error {
	if !q.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQuestionType, q.Type)
	}
	if len(q.Options) > 0 && !q.Type.IsChoice() {
		return fmt.Errorf("%w: options on %s", ErrFieldNotApplicable, q.Type)
	}
	if q.Placeholder != "" && !q.Type.IsFreeText() {
		return fmt.Errorf("%w: placeholder on %s", ErrFieldNotApplicable, q.Type)
	}
	if q.MaxRating != 0 {
		if q.Type != TypeRating {
			return fmt.Errorf("%w: maxRating on %s", ErrFieldNotApplicable, q.Type)
		}
		if q.MaxRating < 1 || q.MaxRating > 10 {
			return ErrInvalidMaxRating
		}
	}
	if q.AcceptedFormats != "" && !q.Type.IsUpload() {
		return fmt.Errorf("%w: acceptedFormats on %s", ErrFieldNotApplicable, q.Type)
	}
	if (q.Amount != nil || q.Currency != "") && q.Type != TypePayment {
		return fmt.Errorf("%w: amount on %s", ErrFieldNotApplicable, q.Type)
	}
	if q.Amount != nil && q.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}
