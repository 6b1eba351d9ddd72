// Package extract converts PDF documents into plain text.
//
// Extraction runs two strategies. The primary strategy decodes page text
// streams page by page, which is fast and keeps memory proportional to a
// single page. When the primary strategy errors or produces suspicious
// output, a slower layout-aware strategy re-reads the document ordering
// text fragments by their position on the page. Only when both strategies
// fail does extraction report ErrExtraction; pages that did extract are
// preserved rather than discarded.
//
// The extractor only reads the input file. Persisting extracted text is the
// caller's responsibility.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	pdfcpu "github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrExtraction indicates both extraction strategies failed for a document.
// The document is fatal for that upload and is not retried automatically.
var ErrExtraction = errors.New("text extraction failed")

// Extraction strategy identifiers, recorded on the document for diagnostics.
const (
	StrategyPlain  = "plain"  // streaming page-text decoding
	StrategyLayout = "layout" // position-ordered, layout-aware decoding
)

// suspiciousGarbageRatio is the fraction of non-text runes above which the
// primary strategy's output is considered garbage and the fallback runs.
const suspiciousGarbageRatio = 0.3

// Result holds the outcome of a successful extraction.
type Result struct {
	Text     string
	Pages    int
	Strategy string
}

// Extractor extracts plain text from PDF files.
//
// The strategies are fields rather than direct calls so the fallback chain
// can be exercised without crafting corrupt PDF fixtures.
type Extractor struct {
	logger *slog.Logger

	countPages func(path string) (int, error)
	plain      func(ctx context.Context, path string, pages int) (string, error)
	layout     func(ctx context.Context, path string) (string, error)
}

// New creates an Extractor. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{logger: logger}
	e.countPages = pageCount
	e.plain = e.extractPlain
	e.layout = e.extractLayout
	return e
}

// Extract converts the PDF at path into plain text.
//
// The page count is read up front so partial extractions can report how much
// of the document they covered. Extraction honors ctx between pages; a
// canceled context abandons the document without touching any output files.
func (e *Extractor) Extract(ctx context.Context, path string) (*Result, error) {
	pages, err := e.countPages(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrExtraction, path, err)
	}

	text, primaryErr := e.plain(ctx, path, pages)
	if primaryErr == nil && !suspicious(text) {
		return &Result{Text: text, Pages: pages, Strategy: StrategyPlain}, nil
	}
	if primaryErr != nil {
		if errors.Is(primaryErr, context.Canceled) {
			return nil, primaryErr
		}
		e.logger.Warn("primary extraction failed, trying layout strategy",
			"path", path, "error", primaryErr)
	} else {
		e.logger.Warn("primary extraction output looks like garbage, trying layout strategy",
			"path", path, "chars", len(text))
	}

	layoutText, layoutErr := e.layout(ctx, path)
	if layoutErr == nil && !suspicious(layoutText) {
		return &Result{Text: layoutText, Pages: pages, Strategy: StrategyLayout}, nil
	}
	if layoutErr != nil && errors.Is(layoutErr, context.Canceled) {
		return nil, layoutErr
	}

	// Both strategies struggled. Keep whatever text was recovered rather
	// than discarding partial success.
	best := text
	strategy := StrategyPlain
	if len(layoutText) > len(best) {
		best = layoutText
		strategy = StrategyLayout
	}
	if strings.TrimSpace(best) != "" {
		e.logger.Warn("extraction partially succeeded",
			"path", path, "strategy", strategy, "chars", len(best))
		return &Result{Text: best, Pages: pages, Strategy: strategy}, nil
	}

	return nil, fmt.Errorf("%w: %s: primary: %v, layout: %v", ErrExtraction, path, primaryErr, layoutErr)
}

// pageCount validates the document and returns its page count using pdfcpu,
// without decoding any page content.
func pageCount(path string) (int, error) {
	pdfCtx, err := pdfcpu.ReadContextFile(path)
	if err != nil {
		return 0, err
	}
	if pdfCtx.Encrypt != nil {
		return 0, errors.New("document is encrypted")
	}
	return pdfCtx.PageCount, nil
}

// extractPlain is the fast primary strategy: it streams page text one page at
// a time, so the whole document is never decoded in memory at once. Pages
// that fail to decode are skipped; their count is reported as an error only
// when no page decoded at all.
func (e *Extractor) extractPlain(ctx context.Context, path string, pages int) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer func() { _ = f.Close() }()

	var sb strings.Builder
	failed := 0
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		pageText, err := decodePage(r, i, plainPage)
		if err != nil {
			failed++
			e.logger.Debug("page decode failed", "path", path, "page", i, "error", err)
			continue
		}
		if pageText != "" {
			sb.WriteString(pageText)
			sb.WriteString("\n")
		}
	}

	if failed == r.NumPage() && pages > 0 {
		return "", fmt.Errorf("no page decoded (%d failed)", failed)
	}
	return sb.String(), nil
}

// extractLayout is the accuracy-oriented fallback: text fragments are grouped
// into rows by vertical position, which recovers reading order in documents
// whose content streams are not in visual order.
func (e *Extractor) extractLayout(ctx context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer func() { _ = f.Close() }()

	var sb strings.Builder
	failed := 0
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		pageText, err := decodePage(r, i, layoutPage)
		if err != nil {
			failed++
			continue
		}
		if pageText != "" {
			sb.WriteString(pageText)
			sb.WriteString("\n")
		}
	}

	if failed == r.NumPage() {
		return "", fmt.Errorf("no page decoded (%d failed)", failed)
	}
	return sb.String(), nil
}

// decodePage decodes a single page, converting library panics on malformed
// content streams into errors so one corrupt page cannot take down the rest
// of the document.
func decodePage(r *pdf.Reader, num int, decode func(pdf.Page) (string, error)) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: panic during decode: %v", num, rec)
		}
	}()

	p := r.Page(num)
	if p.V.IsNull() {
		return "", fmt.Errorf("page %d: missing page object", num)
	}
	return decode(p)
}

func plainPage(p pdf.Page) (string, error) {
	return p.GetPlainText(nil)
}

func layoutPage(p pdf.Page) (string, error) {
	rows, err := p.GetTextByRow()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, row := range rows {
		for i, word := range row.Content {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(word.S)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// suspicious reports whether extracted text looks like garbage: empty output,
// or a high ratio of non-printable and replacement runes, which usually means
// the page text was decoded with the wrong encoding.
func suspicious(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	garbage := 0
	total := 0
	for _, r := range trimmed {
		total++
		if r == unicode.ReplacementChar || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			garbage++
		}
	}
	return float64(garbage)/float64(total) > suspiciousGarbageRatio
}
