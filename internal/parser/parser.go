// Package parser extracts plain text from uploaded documents.
package parser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gen2brain/go-fitz"
)

var (
	// ErrUnsupportedFormat marks a file type the parser cannot handle.
	ErrUnsupportedFormat = errors.New("parser: unsupported file format")
	// ErrParseFailure marks a supported file whose content could not be
	// extracted.
	ErrParseFailure = errors.New("parser: failed to extract text")
	// ErrEmptyDocument marks a file that parsed to no usable text.
	ErrEmptyDocument = errors.New("parser: document contains no text")
)

// supportedExtensions maps lowercase file extensions to their parse mode.
var supportedExtensions = map[string]bool{
	".txt": true,
	".md":  true,
	".pdf": true,
}

// Supported reports whether the filename's extension can be parsed.
func Supported(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// FileType returns the normalized type string for a filename, without the
// leading dot.
func FileType(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// Parser turns raw upload bytes into cleaned plain text.
type Parser struct{}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse extracts text from the raw bytes of a file. The filename selects the
// parse mode by extension.
func (p *Parser) Parse(ctx context.Context, filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !supportedExtensions[ext] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	var text string
	var err error
	switch ext {
	case ".txt", ".md":
		text, err = parsePlainText(data)
	case ".pdf":
		text, err = parsePDF(ctx, data)
	}
	if err != nil {
		return "", err
	}

	text = cleanText(text)
	if text == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

func parsePlainText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrParseFailure)
	}
	return string(data), nil
}

// parsePDF extracts text page by page. go-fitz only opens files, so the
// bytes go through a temp file first.
func parsePDF(ctx context.Context, data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "upload-*.pdf")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	tmp.Close()

	doc, err := fitz.New(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	defer doc.Close()

	var sb strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		pageText, err := doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("%w: page %d: %v", ErrParseFailure, i+1, err)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

var (
	reNewlines = regexp.MustCompile(`\n{3,}`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
)

// cleanText normalizes extracted text: line endings, repeated whitespace,
// and stray null bytes.
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = reNewlines.ReplaceAllString(text, "\n\n")
	text = reSpaces.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
