package extract

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
)

// pdfPageConcurrency bounds parallel page extraction. OCR fallbacks run
// inside the same group, so this also bounds concurrent tesseract instances.
const pdfPageConcurrency = 4

// extractPDF pulls text from every page in parallel. Pages under the OCR
// threshold are rasterized and OCR'd instead. Returns the joined text with
// page markers and the method actually used.
func (e *Extractor) extractPDF(ctx context.Context, path string) (string, string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	numPages := reader.NumPage()
	texts := make([]string, numPages)
	var ocrPages int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pdfPageConcurrency)
	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() error {
			text := e.pageText(reader, pageNum)
			if len(strings.TrimSpace(text)) < ocrThreshold {
				ocr, err := e.ocrPDFPage(gctx, path, pageNum)
				if err != nil {
					e.log.Warn().Err(err).Int("page", pageNum).Str("path", path).Msg("page OCR failed, keeping direct text")
				} else {
					text = ocr
					atomic.AddInt64(&ocrPages, 1)
				}
			}
			texts[pageNum-1] = fmt.Sprintf("%s\n\n--- Página %d ---\n\n", text, pageNum)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", "", err
	}

	method := MethodPDF
	switch {
	case int(ocrPages) == numPages && numPages > 0:
		method = MethodOCR
	case ocrPages > 0:
		method = MethodMixed
	}
	return strings.Join(texts, ""), method, nil
}

// pageText extracts direct text from one page, tolerating per-page parser
// failures.
func (e *Extractor) pageText(reader *pdf.Reader, pageNum int) string {
	defer func() {
		// The parser panics on some malformed content streams.
		if r := recover(); r != nil {
			e.log.Warn().Int("page", pageNum).Interface("panic", r).Msg("page text extraction panicked")
		}
	}()

	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		e.log.Warn().Err(err).Int("page", pageNum).Msg("page text extraction failed")
		return ""
	}
	return text
}

// pdfOpening extracts direct text from the first maxPages pages. Used for
// metadata extraction where OCR precision is not needed.
func (e *Extractor) pdfOpening(ctx context.Context, path string, maxPages int) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	numPages := reader.NumPage()
	if numPages > maxPages {
		numPages = maxPages
	}

	var b strings.Builder
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b.WriteString(e.pageText(reader, i))
		fmt.Fprintf(&b, "\n\n--- Página %d ---\n\n", i)
	}
	return b.String(), nil
}
