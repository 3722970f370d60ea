package docs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

var ErrUnsupported = errors.New("docs: unsupported file type")

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".json": true,
	".log":  true,
}

// Supported reports whether Extract can handle fileName.
func Supported(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	return textExtensions[ext] || ext == ".pdf" || ext == ".docx"
}

// Extract returns the plain text of an uploaded attachment.
func Extract(ctx context.Context, fileName string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch {
	case textExtensions[ext]:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("docs: %s is not valid UTF-8", fileName)
		}
		return string(data), nil
	case ext == ".pdf":
		return extractPDF(ctx, data)
	case ext == ".docx":
		return extractDOCX(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}
}

func extractPDF(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("docs: parse pdf: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// one broken page should not sink the document
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// docx only reads from a path, so the upload is spooled to a temp file.
func extractDOCX(data []byte) (string, error) {
	f, err := os.CreateTemp("", "attachment-*.docx")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	doc, err := docx.ReadDocxFile(f.Name())
	if err != nil {
		return "", fmt.Errorf("docs: parse docx: %w", err)
	}
	defer doc.Close()

	return stripXML(doc.Editable().GetContent()), nil
}

// stripXML drops the WordprocessingML markup GetContent returns, keeping paragraph breaks.
func stripXML(s string) string {
	s = strings.ReplaceAll(s, "</w:p>", "\n")
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
