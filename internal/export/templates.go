package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"

	"formpilot/api/internal/form"
)

//go:embed templates/*.html
var templateFS embed.FS

var formTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/form.html")
	if err != nil {
		formTemplate = template.Must(template.New("form").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	formTemplate = template.Must(template.New("form").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for form template rendering
type TemplateData struct {
	Title       string
	Description string
	Intro       form.PageContent
	Outro       form.PageContent
	Questions   []TemplateQuestion
	Version     string
	ExportedAt  time.Time
}

type TemplateQuestion struct {
	Number          int
	Title           string
	Description     string
	Required        bool
	TypeLabel       string
	Options         []string
	Multi           bool
	Placeholder     string
	Tall            bool
	MaxRating       int
	Stars           []int
	AcceptedFormats string
	Amount          string
	Currency        string
}

var typeLabels = map[form.QuestionType]string{
	form.TypeText:           "Short text",
	form.TypeTextarea:       "Long text",
	form.TypeNumber:         "Number",
	form.TypeEmail:          "Email",
	form.TypePhone:          "Phone",
	form.TypeURL:            "Website",
	form.TypeMultipleChoice: "Multiple choice",
	form.TypeCheckbox:       "Checkboxes",
	form.TypeDropdown:       "Dropdown",
	form.TypeRating:         "Rating",
	form.TypeScale:          "Scale",
	form.TypeYesNo:          "Yes / No",
	form.TypeDate:           "Date",
	form.TypeTime:           "Time",
	form.TypeFileUpload:     "File upload",
	form.TypeImage:          "Image upload",
	form.TypeAddress:        "Address",
	form.TypePayment:        "Payment",
	form.TypeSignature:      "Signature",
}

// NewTemplateData builds the template view of f, questions in order.
func NewTemplateData(f form.Form, version string, exportedAt time.Time) TemplateData {
	data := TemplateData{
		Title:       f.Title,
		Description: f.Description,
		Intro:       f.Intro,
		Outro:       f.Outro,
		Version:     version,
		ExportedAt:  exportedAt,
		Questions:   make([]TemplateQuestion, 0, len(f.Questions)),
	}
	for i, q := range form.Renumber(f.Questions) {
		tq := TemplateQuestion{
			Number:          i + 1,
			Title:           q.Title,
			Description:     q.Description,
			Required:        q.Required,
			TypeLabel:       typeLabels[q.Type],
			Options:         q.Options,
			Multi:           q.Type == form.TypeCheckbox,
			Placeholder:     q.Placeholder,
			Tall:            q.Type == form.TypeTextarea || q.Type == form.TypeSignature,
			MaxRating:       q.MaxRating,
			AcceptedFormats: q.AcceptedFormats,
			Currency:        q.Currency,
		}
		if q.Type == form.TypeYesNo {
			tq.Options = []string{"Yes", "No"}
		}
		for star := 1; star <= q.MaxRating; star++ {
			tq.Stars = append(tq.Stars, star)
		}
		if q.Amount != nil {
			tq.Amount = q.Amount.StringFixed(2)
		}
		if tq.TypeLabel == "" {
			tq.TypeLabel = string(q.Type)
		}
		data.Questions = append(data.Questions, tq)
	}
	return data
}

// RenderFormHTML renders the form template with provided data
func RenderFormHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := formTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <ol>{{range .Questions}}<li>{{.Title}}{{if .Required}} *{{end}}</li>{{end}}</ol>
</body>
</html>`
