package formsvc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/form"
)

// record is the stored shape of a form: pages flattened, questions, design
// and settings JSON-encoded as strings.
type record struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	IntroTitle         string `json:"introTitle"`
	IntroDescription   string `json:"introDescription"`
	IntroButtonText    string `json:"introButtonText"`
	OutroTitle         string `json:"outroTitle"`
	OutroDescription   string `json:"outroDescription"`
	OutroButtonText    string `json:"outroButtonText"`
	Questions          string `json:"questions"`
	Design             string `json:"design"`
	Settings           string `json:"settings"`
	WorkspaceID        string `json:"workspaceId"`
	IsPublic           bool   `json:"isPublic"`
	IsActive           bool   `json:"isActive"`
	SubmissionCount    int    `json:"submissionCount"`
	Slug               string `json:"slug"`
	AccessPasswordHash string `json:"accessPasswordHash"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

func toRecord(f form.Form) (record, error) {
	questions, err := json.Marshal(form.Renumber(f.Questions))
	if err != nil {
		return record{}, fmt.Errorf("encode questions: %w", err)
	}
	return record{
		Title:            f.Title,
		Description:      f.Description,
		IntroTitle:       f.Intro.Title,
		IntroDescription: f.Intro.Description,
		IntroButtonText:  f.Intro.ButtonText,
		OutroTitle:       f.Outro.Title,
		OutroDescription: f.Outro.Description,
		OutroButtonText:  f.Outro.ButtonText,
		Questions:        string(questions),
		Design:           blob(f.Design),
		Settings:         blob(f.Settings),
		WorkspaceID:      f.WorkspaceID,
		IsPublic:         f.IsPublic,
		IsActive:         f.IsActive,
		SubmissionCount:  f.SubmissionCount,
		Slug:             f.Slug,
	}, nil
}

func blob(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	return string(raw)
}

func fromDocument(doc docstore.Document) (form.Form, string, error) {
	var rec record
	if err := docstore.Decode(doc.Data, &rec); err != nil {
		return form.Form{}, "", err
	}
	f := form.Form{
		ID:              doc.ID,
		Title:           rec.Title,
		Description:     rec.Description,
		Intro:           form.PageContent{Title: rec.IntroTitle, Description: rec.IntroDescription, ButtonText: rec.IntroButtonText},
		Outro:           form.PageContent{Title: rec.OutroTitle, Description: rec.OutroDescription, ButtonText: rec.OutroButtonText},
		Design:          json.RawMessage(blob(json.RawMessage(rec.Design))),
		Settings:        json.RawMessage(blob(json.RawMessage(rec.Settings))),
		WorkspaceID:     rec.WorkspaceID,
		IsPublic:        rec.IsPublic,
		IsActive:        rec.IsActive,
		SubmissionCount: rec.SubmissionCount,
		Slug:            rec.Slug,
		HasPassword:     rec.AccessPasswordHash != "",
		Questions:       []form.Question{},
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	if strings.TrimSpace(rec.Questions) != "" {
		if err := json.Unmarshal([]byte(rec.Questions), &f.Questions); err != nil {
			return form.Form{}, "", fmt.Errorf("decode questions of form %s: %w", doc.ID, err)
		}
	}
	return f, rec.AccessPasswordHash, nil
}

// patchData converts p into the stored keys it touches.
func patchData(p form.Patch) (map[string]any, error) {
	data := map[string]any{}
	if p.Title != nil {
		data["title"] = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		data["description"] = *p.Description
	}
	pageData(data, "intro", p.Intro)
	pageData(data, "outro", p.Outro)
	if len(p.Design) > 0 {
		data["design"] = string(p.Design)
	}
	if len(p.Settings) > 0 {
		data["settings"] = string(p.Settings)
	}
	if p.WorkspaceID != nil {
		data["workspaceId"] = *p.WorkspaceID
	}
	if p.IsPublic != nil {
		data["isPublic"] = *p.IsPublic
	}
	if p.IsActive != nil {
		data["isActive"] = *p.IsActive
	}
	if p.Slug != nil {
		data["slug"] = *p.Slug
	}
	if p.Questions != nil {
		encoded, err := json.Marshal(form.Renumber(*p.Questions))
		if err != nil {
			return nil, fmt.Errorf("encode questions: %w", err)
		}
		data["questions"] = string(encoded)
	}
	return data, nil
}

func pageData(data map[string]any, prefix string, p *form.PagePatch) {
	if p == nil {
		return
	}
	if p.Title != nil {
		data[prefix+"Title"] = *p.Title
	}
	if p.Description != nil {
		data[prefix+"Description"] = *p.Description
	}
	if p.ButtonText != nil {
		data[prefix+"ButtonText"] = *p.ButtonText
	}
}

// validatePatch rejects a patch that would break form invariants, before
// anything is written.
func validatePatch(p form.Patch) error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return apperr.Validation("TITLE_REQUIRED", "Title is required")
	}
	if len(p.Design) > 0 && !json.Valid(p.Design) {
		return apperr.Validation("INVALID_DESIGN", "Design must be valid JSON")
	}
	if len(p.Settings) > 0 && !json.Valid(p.Settings) {
		return apperr.Validation("INVALID_SETTINGS", "Settings must be valid JSON")
	}
	if p.Slug != nil && *p.Slug != "" && !slugPattern.MatchString(*p.Slug) {
		return apperr.Validation("INVALID_SLUG", "Slug may contain lowercase letters, digits and dashes")
	}
	if p.Questions != nil {
		if err := validateQuestions(*p.Questions); err != nil {
			return err
		}
	}
	return nil
}

func validateQuestions(qs []form.Question) error {
	seen := map[string]struct{}{}
	for _, q := range qs {
		if q.ID == "" {
			return apperr.Validation("INVALID_QUESTION", "Question id is required")
		}
		if _, dup := seen[q.ID]; dup {
			return apperr.Validation("DUPLICATE_QUESTION", fmt.Sprintf("Duplicate question id %s", q.ID))
		}
		seen[q.ID] = struct{}{}
		if err := q.Validate(); err != nil {
			return apperr.Validation("INVALID_QUESTION", fmt.Sprintf("Question %s: %v", q.ID, err)).WithDetails(map[string]any{"questionId": q.ID})
		}
	}
	return nil
}

// DecodePatch parses a JSON partial update. Unknown fields are rejected.
func DecodePatch(r io.Reader) (form.Patch, error) {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	var p form.Patch
	if err := decoder.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return form.Patch{}, apperr.Validation("EMPTY_PATCH", "Update body is empty")
		}
		if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
			return form.Patch{}, apperr.Validation("UNKNOWN_FIELD", "Unknown field "+field).WithDetails(map[string]any{"field": strings.Trim(field, `"`)})
		}
		return form.Patch{}, apperr.Validation("INVALID_PATCH", "Update body is not valid JSON")
	}
	if err := validatePatch(p); err != nil {
		return form.Patch{}, err
	}
	return p, nil
}
