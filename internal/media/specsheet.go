package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxSpecSheetBytes caps spec-sheet downloads.
const maxSpecSheetBytes = 20 << 20

// FetchSpecSheet downloads a PDF spec sheet and returns its "Key: Value"
// lines as a map.
func (s *Stager) FetchSpecSheet(ctx context.Context, rawURL string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching spec sheet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching spec sheet: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecSheetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading spec sheet: %w", err)
	}
	if len(data) > maxSpecSheetBytes {
		return nil, ErrTooLarge
	}
	text, err := pdfText(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return ParseSpecLines(text), nil
}

// pdfText returns the document text with one line per text row.
func pdfText(r io.ReaderAt, size int64) (text string, err error) {
	// The PDF reader panics on some malformed documents.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parsing spec sheet: malformed pdf: %v", p)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("parsing spec sheet: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= doc.NumPage(); i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("reading spec sheet page %d: %w", i, err)
		}
		for _, row := range rows {
			for _, word := range row.Content {
				sb.WriteString(word.S)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

// ParseSpecLines extracts "Key: Value" pairs. The first occurrence of a key
// wins; lines without a separator or with an empty side are ignored.
func ParseSpecLines(text string) map[string]string {
	specs := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.Join(strings.Fields(key), " ")
		value = strings.TrimSpace(value)
		if key == "" || value == "" || len(key) > 64 {
			continue
		}
		if _, dup := specs[key]; !dup {
			specs[key] = value
		}
	}
	return specs
}

// MergeSpecs adds sheet entries to specs without overriding existing keys.
func MergeSpecs(specs, sheet map[string]string) map[string]string {
	out := make(map[string]string, len(specs)+len(sheet))
	for k, v := range sheet {
		out[k] = v
	}
	for k, v := range specs {
		out[k] = v
	}
	return out
}
