package formsvc

import (
	"context"
	"encoding/json"
	"strings"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/form"
	"formpilot/api/internal/util"
)

type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Questions   []form.Question `json:"questions"`
	Design      json.RawMessage `json:"design"`
}

type templateRecord struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Questions   string `json:"questions"`
	Design      string `json:"design"`
}

// SaveAsTemplate stores the questions and design of a form under name.
func (s *Service) SaveAsTemplate(ctx context.Context, formID, name, description string) (Template, error) {
	f, _, err := s.load(ctx, formID)
	if err != nil {
		return Template{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = f.Title
	}
	questions, err := json.Marshal(form.Renumber(f.Questions))
	if err != nil {
		return Template{}, apperr.Internal("TEMPLATE_ENCODE_FAILED", "Failed to save template", err)
	}
	data, err := docstore.Encode(templateRecord{Name: name, Description: description, Questions: string(questions), Design: blob(f.Design)})
	if err != nil {
		return Template{}, err
	}
	doc, err := s.store.Create(ctx, docstore.CollectionTemplates, "", data)
	if err != nil {
		return Template{}, storeError(err, "template")
	}
	return toTemplate(doc)
}

func (s *Service) GetTemplate(ctx context.Context, id string) (Template, error) {
	doc, err := s.store.Get(ctx, docstore.CollectionTemplates, id)
	if err != nil {
		return Template{}, storeError(err, "template")
	}
	return toTemplate(doc)
}

func (s *Service) ListTemplates(ctx context.Context) ([]Template, error) {
	docs, _, err := s.store.List(ctx, docstore.CollectionTemplates, docstore.Query{OrderBy: "name"})
	if err != nil {
		return nil, storeError(err, "template")
	}
	templates := make([]Template, 0, len(docs))
	for _, doc := range docs {
		tpl, err := toTemplate(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable template", "template_id", doc.ID, "error", err)
			continue
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}

// CreateFromTemplate seeds a new form with fresh copies of the template's
// questions.
func (s *Service) CreateFromTemplate(ctx context.Context, templateID, title, workspaceID string) (form.Form, error) {
	tpl, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return form.Form{}, err
	}
	if strings.TrimSpace(title) == "" {
		title = tpl.Name
	}
	questions := make([]form.Question, 0, len(tpl.Questions))
	for _, q := range tpl.Questions {
		cp := q.Clone()
		cp.ID = util.NewID("q")
		questions = append(questions, cp)
	}
	return s.Create(ctx, FormDraft{
		Title:       title,
		Description: tpl.Description,
		WorkspaceID: workspaceID,
		Design:      tpl.Design,
		Questions:   form.Renumber(questions),
	})
}

func toTemplate(doc docstore.Document) (Template, error) {
	var rec templateRecord
	if err := docstore.Decode(doc.Data, &rec); err != nil {
		return Template{}, err
	}
	tpl := Template{
		ID:          doc.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Questions:   []form.Question{},
		Design:      json.RawMessage(blob(json.RawMessage(rec.Design))),
	}
	if strings.TrimSpace(rec.Questions) != "" {
		if err := json.Unmarshal([]byte(rec.Questions), &tpl.Questions); err != nil {
			return Template{}, apperr.Internal("TEMPLATE_DECODE_FAILED", "Template is corrupt", err)
		}
	}
	return tpl, nil
}
