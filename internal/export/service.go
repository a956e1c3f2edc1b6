package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"formpilot/api/internal/form"
	"formpilot/api/internal/logging"
)

// FormSource loads the draft or a published version of a form.
type FormSource interface {
	GetByID(ctx context.Context, id string) (form.Form, error)
	VersionContent(ctx context.Context, id, hash string) (form.Form, error)
}

// PDFRenderer turns rendered HTML into PDF bytes laid out as layout.
type PDFRenderer func(ctx context.Context, html string, layout PageLayout) ([]byte, error)

type Options struct {
	Forms  FormSource
	PDF    PDFRenderer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Service provides form export functionality
type Service struct {
	forms  FormSource
	pdf    PDFRenderer
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewService creates a new export service. PDF defaults to headless Chrome.
func NewService(opts Options) *Service {
	pdf := opts.PDF
	if pdf == nil {
		pdf = ChromePDF
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{forms: opts.Forms, pdf: pdf, clock: clock, logger: logging.Or(opts.Logger, "export")}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	var (
		f   form.Form
		err error
	)
	if req.Version != "" {
		f, err = s.forms.VersionContent(ctx, req.FormID, req.Version)
	} else {
		f, err = s.forms.GetByID(ctx, req.FormID)
	}
	if err != nil {
		return nil, err
	}
	form.ApplyDefaults(&f)

	version := req.Version
	if len(version) > 7 {
		version = version[:7]
	}
	html, err := RenderFormHTML(NewTemplateData(f, version, s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	name := sanitizeFilename(f.Title)
	switch req.Format {
	case FormatHTML, "":
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := s.pdf(ctx, html, LayoutFromSettings(f.Settings))
		if err != nil {
			s.logger.Warn("pdf export failed", "form_id", req.FormID, "error", err)
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
