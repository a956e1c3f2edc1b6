package formsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"time"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/form"
)

type Submission struct {
	ID          string                     `json:"id"`
	FormID      string                     `json:"formId"`
	Answers     map[string]json.RawMessage `json:"answers"`
	SubmittedAt time.Time                  `json:"submittedAt"`
}

type submissionRecord struct {
	FormID  string                     `json:"formId"`
	Answers map[string]json.RawMessage `json:"answers"`
}

// Submit records a response to a published form and bumps its
// submission count.
func (s *Service) Submit(ctx context.Context, formID string, answers map[string]json.RawMessage) (Submission, error) {
	ctx, span := s.start(ctx, "submit", formID)
	defer span.End()

	f, _, err := s.load(ctx, formID)
	if err != nil {
		return Submission{}, s.fail(span, err)
	}
	if !f.IsPublic || !f.IsActive {
		return Submission{}, s.fail(span, apperr.Forbidden("FORM_CLOSED", "This form is not accepting responses"))
	}
	if err := checkAnswers(f.Questions, answers); err != nil {
		return Submission{}, s.fail(span, err)
	}

	data, err := docstore.Encode(submissionRecord{FormID: formID, Answers: answers})
	if err != nil {
		return Submission{}, s.fail(span, err)
	}
	doc, err := s.store.Create(ctx, docstore.CollectionSubmissions, "", data)
	if err != nil {
		return Submission{}, s.fail(span, storeError(err, "submission"))
	}
	if _, err := s.store.Update(ctx, docstore.CollectionForms, formID, map[string]any{"submissionCount": f.SubmissionCount + 1}); err != nil {
		s.logger.Warn("increment submission count failed", "form_id", formID, "error", err)
	}
	return toSubmission(doc)
}

func (s *Service) ListSubmissions(ctx context.Context, formID string, limit, offset int) (Page[Submission], error) {
	if _, _, err := s.load(ctx, formID); err != nil {
		return Page[Submission]{}, err
	}
	docs, total, err := s.store.List(ctx, docstore.CollectionSubmissions, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("formId", formID)},
		OrderBy: "createdAt",
		Desc:    true,
		Limit:   clampLimit(limit),
		Offset:  max(offset, 0),
	})
	if err != nil {
		return Page[Submission]{}, storeError(err, "submission")
	}
	items := make([]Submission, 0, len(docs))
	for _, doc := range docs {
		sub, err := toSubmission(doc)
		if err != nil {
			return Page[Submission]{}, err
		}
		items = append(items, sub)
	}
	return Page[Submission]{Items: items, Total: total}, nil
}

func toSubmission(doc docstore.Document) (Submission, error) {
	var rec submissionRecord
	if err := docstore.Decode(doc.Data, &rec); err != nil {
		return Submission{}, err
	}
	if rec.Answers == nil {
		rec.Answers = map[string]json.RawMessage{}
	}
	return Submission{ID: doc.ID, FormID: rec.FormID, Answers: rec.Answers, SubmittedAt: doc.CreatedAt}, nil
}

// checkAnswers rejects answers to unknown questions, missing required
// answers and choices outside a question's options.
func checkAnswers(questions []form.Question, answers map[string]json.RawMessage) error {
	byID := make(map[string]form.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	for id := range answers {
		if _, ok := byID[id]; !ok {
			return apperr.Validation("UNKNOWN_QUESTION", "Answer refers to an unknown question").WithDetails(map[string]any{"questionId": id})
		}
	}

	var missing []string
	for _, q := range questions {
		raw, ok := answers[q.ID]
		if !ok || blank(raw) {
			if q.Required {
				missing = append(missing, q.ID)
			}
			continue
		}
		if q.Type.IsChoice() && len(q.Options) > 0 && !validChoice(q, raw) {
			return apperr.Validation("INVALID_CHOICE", "Answer is not one of the question options").WithDetails(map[string]any{"questionId": q.ID})
		}
	}
	if len(missing) > 0 {
		return apperr.Validation("REQUIRED_ANSWER_MISSING", "Please answer all required questions").WithDetails(map[string]any{"questionIds": missing})
	}
	return nil
}

func blank(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}

func validChoice(q form.Question, raw json.RawMessage) bool {
	if q.Type == form.TypeCheckbox {
		var picked []string
		if err := json.Unmarshal(raw, &picked); err != nil {
			return false
		}
		for _, p := range picked {
			if !slices.Contains(q.Options, p) {
				return false
			}
		}
		return true
	}
	var picked string
	if err := json.Unmarshal(raw, &picked); err != nil {
		return false
	}
	return slices.Contains(q.Options, picked)
}
