package extract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// ocrFile runs OCR over one image file after preprocessing.
func (e *Extractor) ocrFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	prepared, cleanup, err := e.preprocessImage(path)
	if err != nil {
		return "", err
	}
	defer cleanup()

	return e.runTesseract(prepared)
}

// ocrPDFPage rasterizes one PDF page with pdftoppm and OCRs the result.
func (e *Extractor) ocrPDFPage(ctx context.Context, pdfPath string, pageNum int) (string, error) {
	dir, err := os.MkdirTemp("", "lexrag-ocr-")
	if err != nil {
		return "", fmt.Errorf("creating OCR workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	page := strconv.Itoa(pageNum)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-f", page, "-l", page,
		"-r", strconv.Itoa(e.cfg.OCRDPI),
		"-png", pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("rasterizing page %d: %w: %s", pageNum, err, out)
	}

	// pdftoppm pads the page number in the output name, so glob for it.
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no rasterized output for page %d", pageNum)
	}

	prepared, cleanup, err := e.preprocessImage(matches[0])
	if err != nil {
		return "", err
	}
	defer cleanup()

	return e.runTesseract(prepared)
}

// preprocessImage applies greyscale, contrast boost and sharpening, writing
// the result to a temporary PNG for tesseract. The returned cleanup removes
// it.
func (e *Extractor) preprocessImage(path string) (string, func(), error) {
	img, err := imaging.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("opening image %s: %w", path, err)
	}

	img = imaging.Grayscale(img)
	img = imaging.AdjustContrast(img, 50)
	img = imaging.Sharpen(img, 1.0)

	tmp, err := os.CreateTemp("", "lexrag-prep-*.png")
	if err != nil {
		return "", nil, fmt.Errorf("creating preprocessed image: %w", err)
	}
	tmp.Close()

	if err := imaging.Save(img, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("saving preprocessed image: %w", err)
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// runTesseract OCRs one prepared image. PSM 6 assumes a single uniform text
// block, which fits scanned regulation pages.
func (e *Extractor) runTesseract(imagePath string) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.cfg.Languages); err != nil {
		return "", fmt.Errorf("setting OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return "", fmt.Errorf("setting OCR segmentation mode: %w", err)
	}
	if err := client.SetImage(imagePath); err != nil {
		return "", fmt.Errorf("loading OCR image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("running OCR: %w", err)
	}
	return text, nil
}
