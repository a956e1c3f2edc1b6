package export

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"formpilot/api/internal/apperr"
	"formpilot/api/internal/form"
	"formpilot/api/internal/logging"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Document v1.2", "My-Document-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "form"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestHTMLDataURL(t *testing.T) {
	url := htmlDataURL("<p>a+b c</p>")
	const prefix = "data:text/html;charset=utf-8;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("htmlDataURL() = %q", url)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != "<p>a+b c</p>" {
		t.Errorf("decoded = %q", decoded)
	}
}

func TestLayoutFromSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		paper    PaperSize
		width    float64
		height   float64
	}{
		{"empty", ``, PaperLetter, 8.5, 11},
		{"no print block", `{"showProgress":true}`, PaperLetter, 8.5, 11},
		{"a4 portrait", `{"print":{"paperSize":"A4"}}`, PaperA4, 8.27, 11.69},
		{"legal landscape", `{"print":{"paperSize":"legal","orientation":"Landscape"}}`, PaperLegal, 14, 8.5},
		{"unknown size", `{"print":{"paperSize":"tabloid"}}`, PaperLetter, 8.5, 11},
		{"malformed", `{"print":`, PaperLetter, 8.5, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := LayoutFromSettings(json.RawMessage(tt.settings))
			if layout.Paper != tt.paper {
				t.Errorf("paper = %+v, want %+v", layout.Paper, tt.paper)
			}
			if w, h := layout.dimensions(); w != tt.width || h != tt.height {
				t.Errorf("dimensions = %vx%v, want %vx%v", w, h, tt.width, tt.height)
			}
			if layout.Margin != 0.75 {
				t.Errorf("margin = %v", layout.Margin)
			}
		})
	}
}

func sampleForm() form.Form {
	amount := decimal.RequireFromString("12.5")
	f := form.Form{
		ID:          "f1",
		Title:       "Customer Survey",
		Description: "Tell us how we did",
		Questions: []form.Question{
			{ID: "a", Type: form.TypeText, Title: "Your name", Required: true, Placeholder: "Jane Doe"},
			{ID: "b", Type: form.TypeCheckbox, Title: "Channels", Options: []string{"Email", "Phone"}},
			{ID: "c", Type: form.TypeRating, Title: "Overall", MaxRating: 3},
			{ID: "d", Type: form.TypePayment, Title: "Tip", Amount: &amount, Currency: "EUR"},
			{ID: "e", Type: form.TypeYesNo, Title: "Recommend us?"},
		},
		Settings: json.RawMessage(`{"print":{"paperSize":"a4"}}`),
	}
	form.ApplyDefaults(&f)
	return f
}

func TestNewTemplateData(t *testing.T) {
	at := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	data := NewTemplateData(sampleForm(), "abc1234", at)

	if len(data.Questions) != 5 {
		t.Fatalf("questions = %d, want 5", len(data.Questions))
	}
	name := data.Questions[0]
	if name.Number != 1 || !name.Required || name.TypeLabel != "Short text" || name.Placeholder != "Jane Doe" {
		t.Errorf("unexpected first question: %+v", name)
	}
	if !data.Questions[1].Multi || len(data.Questions[1].Options) != 2 {
		t.Errorf("checkbox question should list options as multi-select: %+v", data.Questions[1])
	}
	if got := len(data.Questions[2].Stars); got != 3 {
		t.Errorf("rating stars = %d, want 3", got)
	}
	if data.Questions[3].Amount != "12.50" || data.Questions[3].Currency != "EUR" {
		t.Errorf("payment = %q %q, want 12.50 EUR", data.Questions[3].Amount, data.Questions[3].Currency)
	}
	if opts := data.Questions[4].Options; len(opts) != 2 || opts[0] != "Yes" {
		t.Errorf("yes-no options = %v", opts)
	}
}

func TestRenderFormHTML(t *testing.T) {
	data := NewTemplateData(sampleForm(), "abc1234", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))

	html, err := RenderFormHTML(data)
	if err != nil {
		t.Fatalf("RenderFormHTML() error = %v", err)
	}

	for _, want := range []string{
		"Customer Survey",
		"Tell us how we did",
		"Version abc1234",
		"Mar 9, 2026",
		"Your name",
		"Jane Doe",
		"Channels",
		"12.50 EUR",
		form.DefaultOutroTitle,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Index(html, "Your name") > strings.Index(html, "Recommend us?") {
		t.Error("questions should render in order")
	}
}

func TestRenderFormHTMLEscapesContent(t *testing.T) {
	html, err := RenderFormHTML(TemplateData{Title: "<script>alert(1)</script>"})
	if err != nil {
		t.Fatalf("RenderFormHTML() error = %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("title should be escaped")
	}
}

type fakeSource struct {
	draft    form.Form
	versions map[string]form.Form
}

func (f fakeSource) GetByID(_ context.Context, id string) (form.Form, error) {
	if id != f.draft.ID {
		return form.Form{}, apperr.NotFound("FORM_NOT_FOUND", "Form not found")
	}
	return f.draft, nil
}

func (f fakeSource) VersionContent(_ context.Context, id, hash string) (form.Form, error) {
	v, ok := f.versions[hash]
	if !ok || id != f.draft.ID {
		return form.Form{}, apperr.NotFound("VERSION_NOT_FOUND", "Version not found")
	}
	return v, nil
}

func newTestService(pdf PDFRenderer) *Service {
	published := sampleForm()
	published.Title = "Customer Survey v1"
	return NewService(Options{
		Forms:  fakeSource{draft: sampleForm(), versions: map[string]form.Form{"0123456789abcdef": published}},
		PDF:    pdf,
		Clock:  clockwork.NewFakeClock(),
		Logger: logging.Discard(),
	})
}

func TestExportHTML(t *testing.T) {
	svc := newTestService(nil)

	result, err := svc.Export(context.Background(), Request{FormID: "f1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Customer-Survey.html" {
		t.Errorf("filename = %q", result.Filename)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") {
		t.Errorf("mime = %q", result.MimeType)
	}
	if !strings.Contains(string(result.Data), "Customer Survey") {
		t.Error("export should contain the title")
	}
}

func TestExportVersion(t *testing.T) {
	svc := newTestService(nil)

	result, err := svc.Export(context.Background(), Request{FormID: "f1", Version: "0123456789abcdef", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	html := string(result.Data)
	if !strings.Contains(html, "Customer Survey v1") || !strings.Contains(html, "Version 0123456") {
		t.Error("export should render the published version")
	}

	_, err = svc.Export(context.Background(), Request{FormID: "f1", Version: "missing", Format: FormatHTML})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("Export() error = %v, want not found", err)
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	var (
		gotHTML   string
		gotLayout PageLayout
	)
	svc := newTestService(func(_ context.Context, html string, layout PageLayout) ([]byte, error) {
		gotHTML = html
		gotLayout = layout
		return []byte("%PDF-1.7"), nil
	})

	result, err := svc.Export(context.Background(), Request{FormID: "f1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.MimeType != "application/pdf" || result.Filename != "Customer-Survey.pdf" {
		t.Errorf("result = %q %q", result.MimeType, result.Filename)
	}
	if string(result.Data) != "%PDF-1.7" {
		t.Errorf("data = %q", result.Data)
	}
	if !strings.Contains(gotHTML, "Customer Survey") {
		t.Error("renderer should receive the rendered form")
	}
	if gotLayout.Paper != PaperA4 || gotLayout.Landscape {
		t.Errorf("layout = %+v, want the form's A4 portrait print settings", gotLayout)
	}
}

func TestExportPDFMissingChrome(t *testing.T) {
	svc := newTestService(func(context.Context, string, PageLayout) ([]byte, error) {
		return nil, ErrPDFDependencyMissing
	})
	_, err := svc.Export(context.Background(), Request{FormID: "f1", Format: FormatPDF})
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("Export() error = %v, want ErrPDFDependencyMissing", err)
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	_, err := newTestService(nil).Export(context.Background(), Request{FormID: "f1", Format: "docx"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Export() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"", FormatHTML, true},
		{"html", FormatHTML, true},
		{"pdf", FormatPDF, true},
		{"docx", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseFormat(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
