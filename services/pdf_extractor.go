package services

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/ledongthuc/pdf"

	"policy-adjudicator/internal/logger"
	"policy-adjudicator/models"
)

// maxExtractSize caps in-memory extraction to avoid OOM on hostile files.
const maxExtractSize = 200 << 20

var goodPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Z][a-z]+\b`),                                // Capitalized words
	regexp.MustCompile(`\b\d{1,3}[,.]?\d{3}\b`),                          // Numbers with separators
	regexp.MustCompile(`[.!?]\s+[A-Z]`),                                  // Sentence boundaries
	regexp.MustCompile(`\b(the|and|or|of|to|in|for|with|on|at|by|from)\b`), // Common words
}

// PDFExtractor handles per-page PDF text extraction
type PDFExtractor struct {
	popplerTimeout time.Duration
	lookPath       func(string) (string, error)
}

func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{popplerTimeout: 30 * time.Second, lookPath: exec.LookPath}
}

// ExtractionResult contains the result of PDF text extraction
type ExtractionResult struct {
	Pages          []models.PageText
	Method         string
	QualityScore   float64
	ProcessingTime time.Duration
	CharacterCount int
}

// Text joins the page texts the way models.NewDocument does.
func (r *ExtractionResult) Text() string {
	texts := make([]string, len(r.Pages))
	for i, p := range r.Pages {
		texts[i] = p.Text
	}
	return strings.Join(texts, models.PageSeparator)
}

// Extract returns per-page text, trying each method in order and keeping the
// best result that clears the quality bar.
func (e *PDFExtractor) Extract(ctx context.Context, content []byte) (*ExtractionResult, error) {
	start := time.Now()

	if len(content) > maxExtractSize {
		return nil, fmt.Errorf("pdf too large for in-memory extraction")
	}

	methods := []struct {
		name    string
		extract func(context.Context, []byte) ([]models.PageText, error)
	}{
		{"go-pdf", e.extractWithGoPDF},
		{"poppler", e.extractWithPoppler},
	}

	var lastErr error
	var bestResult *ExtractionResult

	for _, method := range methods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pages, err := method.extract(ctx, content)
		if err != nil {
			logger.Debug("PDF extraction method failed", "method", method.name, "error", err)
			lastErr = err
			continue
		}

		result := &ExtractionResult{Pages: pages, Method: method.name, ProcessingTime: time.Since(start)}
		text := result.Text()
		result.CharacterCount = len([]rune(text))
		result.QualityScore = evaluateTextQuality(text)

		logger.Debug("PDF extraction result", "method", method.name, "pages", len(pages), "chars", result.CharacterCount, "quality", result.QualityScore)

		if result.QualityScore >= 0.7 {
			return result, nil
		}
		if bestResult == nil || result.QualityScore > bestResult.QualityScore {
			bestResult = result
		}
	}

	if bestResult != nil && bestResult.QualityScore >= 0.3 {
		return bestResult, nil
	}
	if bestResult != nil {
		return nil, fmt.Errorf("extracted text quality too low (%.2f)", bestResult.QualityScore)
	}
	return nil, fmt.Errorf("all extraction methods failed: %v", lastErr)
}

// ExtractDocument extracts upload into a Document ready for chunking.
func (e *PDFExtractor) ExtractDocument(ctx context.Context, sourceID string, upload models.Upload) (models.Document, error) {
	result, err := e.Extract(ctx, upload.Content)
	if err != nil {
		return models.Document{}, err
	}
	return models.NewDocument(sourceID, upload.Filename, result.Pages), nil
}

func (e *PDFExtractor) extractWithGoPDF(ctx context.Context, content []byte) (pages []models.PageText, err error) {
	// the pdf package panics on some malformed xref tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go-pdf panicked: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	total := reader.NumPage()
	var chars int
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		text := ""
		if !page.V.IsNull() {
			fonts := make(map[string]*pdf.Font)
			text, err = page.GetPlainText(fonts)
			if err != nil {
				logger.Debug("Failed to extract page text", "page", i, "error", err)
				text = ""
			}
		}
		text = normalizePageText(text)
		chars += len(text)
		pages = append(pages, models.PageText{Number: i, Text: text})
	}

	if chars == 0 {
		return nil, fmt.Errorf("no text extracted by go-pdf")
	}
	return pages, nil
}

// extractWithPoppler uses pdftotext, which separates pages with form feeds.
func (e *PDFExtractor) extractWithPoppler(ctx context.Context, content []byte) ([]models.PageText, error) {
	if _, err := e.lookPath("pdftotext"); err != nil {
		return nil, fmt.Errorf("pdftotext not available")
	}

	extractCtx, cancel := context.WithTimeout(ctx, e.popplerTimeout)
	defer cancel()

	cmd := exec.CommandContext(extractCtx, "pdftotext", "-layout", "-", "-")
	cmd.Stdin = bytes.NewReader(content)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftotext failed: %v, stderr: %s", err, stderr.String())
	}

	return splitFormFeeds(stdout.String())
}

func splitFormFeeds(out string) ([]models.PageText, error) {
	raw := strings.Split(out, "\f")
	// pdftotext terminates the last page with a form feed too
	if len(raw) > 1 && strings.TrimSpace(raw[len(raw)-1]) == "" {
		raw = raw[:len(raw)-1]
	}

	var chars int
	pages := make([]models.PageText, len(raw))
	for i, text := range raw {
		text = normalizePageText(text)
		chars += len(text)
		pages[i] = models.PageText{Number: i + 1, Text: text}
	}
	if chars == 0 {
		return nil, fmt.Errorf("no text extracted by pdftotext")
	}
	return pages, nil
}

// normalizePageText trims trailing whitespace per line and around the page so
// the page separator is the only blank run between pages.
func normalizePageText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// evaluateTextQuality assesses the quality of extracted text
func evaluateTextQuality(text string) float64 {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return 0.0
	}
	if len(text) < 10 {
		return 0.1
	}

	var alphanumeric, printable, corrupted int

	for _, r := range text {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			alphanumeric++
			printable++
		case r == ' ' || r == '\n' || r == '\t':
			printable++
		case r == '�':
			corrupted++
		case r >= 32 && r <= 126:
			printable++
		default:
			if r > 127 && !unicode.IsLetter(r) && !isCommonUnicodeChar(r) {
				corrupted++
			} else {
				printable++
			}
		}
	}

	total := len([]rune(text))
	alphanumericRatio := float64(alphanumeric) / float64(total)
	printableRatio := float64(printable) / float64(total)
	corruptedRatio := float64(corrupted) / float64(total)

	score := printableRatio * 0.4

	if alphanumericRatio >= 0.3 {
		score += 0.3
	} else {
		score += alphanumericRatio
	}

	score -= corruptedRatio * 2.0

	if len(text) > 100 {
		score += 0.1
	}

	if hasGoodPatterns(text) {
		score += 0.2
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func isCommonUnicodeChar(r rune) bool {
	switch r {
	case '—', '–', '“', '”', '‘', '’', '…', '€', '£', '¥', '₹', '©', '®', '™', '•':
		return true
	}
	return false
}

func hasGoodPatterns(text string) bool {
	good := 0
	for _, re := range goodPatterns {
		if re.MatchString(text) {
			good++
		}
	}
	return good >= 3
}
