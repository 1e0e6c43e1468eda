// -----------------------------------------------------------------------
// PDF branch - Text extraction for application/pdf responses
// -----------------------------------------------------------------------

package fetcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// extractPDFText pulls page text out of a fetched PDF body. pdfcpu works
// on files, so the body lands in a temp file for the duration of the
// extraction.
func extractPDFText(pdfBytes []byte) (string, int, error) {
	tempDir := filepath.Join(os.TempDir(), "atlas-pdf")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create temp dir: %w", err)
	}

	token := uuid.New().String()
	tempFile := filepath.Join(tempDir, fmt.Sprintf("fetch_%s.pdf", token))
	if err := os.WriteFile(tempFile, pdfBytes, 0644); err != nil {
		return "", 0, fmt.Errorf("failed to write temp PDF file: %w", err)
	}
	defer os.Remove(tempFile)

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read PDF: %w", err)
	}
	pageCount := pdfCtx.PageCount

	outDir := filepath.Join(tempDir, fmt.Sprintf("pages_%s", token))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", pageCount, fmt.Errorf("failed to create extraction dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		return "", pageCount, fmt.Errorf("failed to extract PDF content: %w", err)
	}

	// Extraction writes one content file per page; stitch them back
	// together in page order.
	pageTexts := make(map[int]string)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
		} else if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
		}
	}

	var text strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		pageText := strings.TrimSpace(pageTexts[pageNum])
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString(fmt.Sprintf("\n\n--- Page %d ---\n\n", pageNum))
		}
		text.WriteString(pageText)
	}

	return text.String(), pageCount, nil
}
