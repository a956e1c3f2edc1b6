package export

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// PaperSize is a sheet size in inches.
type PaperSize struct {
	Name          string
	Width, Height float64
}

var (
	PaperLetter = PaperSize{Name: "letter", Width: 8.5, Height: 11}
	PaperLegal  = PaperSize{Name: "legal", Width: 8.5, Height: 14}
	PaperA4     = PaperSize{Name: "a4", Width: 8.27, Height: 11.69}
)

var paperSizes = map[string]PaperSize{
	PaperLetter.Name: PaperLetter,
	PaperLegal.Name:  PaperLegal,
	PaperA4.Name:     PaperA4,
}

// PageLayout is how a printable form is laid out on paper.
type PageLayout struct {
	Paper     PaperSize
	Landscape bool
	// Margin in inches on every side.
	Margin float64
}

func DefaultLayout() PageLayout {
	return PageLayout{Paper: PaperLetter, Margin: 0.75}
}

// LayoutFromSettings reads the optional "print" block of a form's settings:
//
//	{"print": {"paperSize": "a4", "orientation": "landscape"}}
//
// Unknown or missing values fall back to DefaultLayout.
func LayoutFromSettings(settings json.RawMessage) PageLayout {
	layout := DefaultLayout()
	var parsed struct {
		Print struct {
			PaperSize   string `json:"paperSize"`
			Orientation string `json:"orientation"`
		} `json:"print"`
	}
	if len(settings) == 0 || json.Unmarshal(settings, &parsed) != nil {
		return layout
	}
	if paper, ok := paperSizes[strings.ToLower(strings.TrimSpace(parsed.Print.PaperSize))]; ok {
		layout.Paper = paper
	}
	layout.Landscape = strings.EqualFold(strings.TrimSpace(parsed.Print.Orientation), "landscape")
	return layout
}

func (l PageLayout) dimensions() (width, height float64) {
	if l.Landscape {
		return l.Paper.Height, l.Paper.Width
	}
	return l.Paper.Width, l.Paper.Height
}

var browserBinaries = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

func findBrowser() (string, error) {
	for _, name := range browserBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chromium or chrome binary on PATH", ErrPDFDependencyMissing)
}

func htmlDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

// ChromePDF prints html with headless Chrome using the given layout.
func ChromePDF(ctx context.Context, html string, layout PageLayout) ([]byte, error) {
	browser, err := findBrowser()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(browser),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	width, height := layout.dimensions()
	var out []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(htmlDataURL(html)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			out, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(width).
				WithPaperHeight(height).
				WithMarginTop(layout.Margin).
				WithMarginBottom(layout.Margin).
				WithMarginLeft(layout.Margin).
				WithMarginRight(layout.Margin).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print form to pdf: %w", err)
	}
	return out, nil
}

const maxFilenameLen = 50

// sanitizeFilename keeps ASCII letters, digits, '-' and '_' from title and
// turns spaces into '-'.
func sanitizeFilename(title string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r > unicode.MaxASCII:
			return -1
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, title)
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	if name == "" {
		return "form"
	}
	return name
}
