package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	pdfcputypes "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// cropHeaderFooter removes running headers/footers before extraction, the
// same crop this codebase has always applied ahead of text conversion.
func cropHeaderFooter(inputPath, outputPath string, top, bottom float64) error {
	conf := api.LoadConfiguration()
	cropStr := fmt.Sprintf("%.2f 0 %.2f 0", top, bottom)
	box, err := model.ParseBox(cropStr, pdfcputypes.POINTS)
	if err != nil {
		return fmt.Errorf("parse crop box: %w", err)
	}
	if err := api.CropFile(inputPath, outputPath, []string{"1-"}, box, conf); err != nil {
		return fmt.Errorf("crop pdf: %w", err)
	}
	return nil
}

// pagePlainText extracts per-page plain text. pdfcpu exposes no direct
// "extract text" call, only raw content-stream extraction, so each page's
// decoded content stream is scanned locally for text-showing operators
// (Tj, TJ) to recover visible glyph runs.
func pagePlainText(pdfPath string) (map[int]string, error) {
	outDir, err := os.MkdirTemp("", "ragcore-pdfcontent-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(outDir)

	conf := api.LoadConfiguration()
	if err := api.ExtractContentFile(pdfPath, outDir, nil, conf); err != nil {
		return nil, fmt.Errorf("extract content streams: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, err
	}

	pages := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx := pageIndexFromContentFilename(e.Name())
		if idx < 0 {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(outDir, e.Name()))
		if err != nil {
			continue
		}
		pages[idx] = extractTextOperators(raw)
	}
	return pages, nil
}

// pageIndexFromContentFilename parses the trailing "_N.txt"/"_N" page
// number pdfcpu's content-stream extraction names its output files with.
func pageIndexFromContentFilename(name string) int {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) == 0 {
		return -1
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return -1
	}
	return n - 1 // pdfcpu numbers pages from 1
}

// extractTextOperators scans a decoded PDF content stream for Tj and TJ
// text-showing operators and concatenates the literal/array string
// operands they carry, which is the visible text PDF renders for that run.
func extractTextOperators(content []byte) string {
	var b strings.Builder
	s := string(content)

	i := 0
	for i < len(s) {
		switch {
		case s[i] == '(':
			lit, next := readParenString(s, i)
			i = next
			b.WriteString(lit)
			b.WriteString(" ")
		case s[i] == '[':
			// TJ array: sequence of (string) and numeric kerning adjustments.
			end := matchingBracket(s, i)
			if end < 0 {
				i++
				continue
			}
			inner := s[i+1 : end]
			j := 0
			for j < len(inner) {
				if inner[j] == '(' {
					lit, next := readParenString(inner, j)
					b.WriteString(lit)
					j = next
				} else {
					j++
				}
			}
			b.WriteString(" ")
			i = end + 1
		default:
			i++
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// readParenString reads a PDF literal string starting at '(' in s[start],
// honoring backslash escapes and nested balanced parentheses, returning
// the decoded text and the index just past the closing ')'.
func readParenString(s string, start int) (string, int) {
	var b strings.Builder
	depth := 0
	i := start
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			esc := s[i+1]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case '(', ')', '\\':
				b.WriteByte(esc)
			default:
				b.WriteByte(esc)
			}
			i += 2
		case c == '(':
			depth++
			if depth > 1 {
				b.WriteByte(c)
			}
			i++
		case c == ')':
			depth--
			if depth == 0 {
				return b.String(), i + 1
			}
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i
}

func matchingBracket(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// sortedPageIndices returns the keys of pages in ascending order.
func sortedPageIndices(pages map[int]string) []int {
	out := make([]int, 0, len(pages))
	for k := range pages {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
