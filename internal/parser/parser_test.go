package parser

import (
	"context"
	"errors"
	"testing"
)

func TestSupported(t *testing.T) {
	tests := []struct {
		filename string
		want     bool
	}{
		{"report.pdf", true},
		{"notes.txt", true},
		{"README.md", true},
		{"Upper.PDF", true},
		{"image.png", false},
		{"archive.tar.gz", false},
		{"noextension", false},
	}
	for _, tt := range tests {
		if got := Supported(tt.filename); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}

func TestParsePlainText(t *testing.T) {
	p := New()

	text, err := p.Parse(context.Background(), "doc.txt", []byte("hello  world\r\nsecond   line\n\n\n\nend"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "hello world\nsecond line\n\nend"
	if text != want {
		t.Errorf("got %q, want %q", text, want)
	}
}

func TestParseUnsupportedFormat(t *testing.T) {
	p := New()

	_, err := p.Parse(context.Background(), "image.png", []byte("data"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestParseInvalidUTF8(t *testing.T) {
	p := New()

	_, err := p.Parse(context.Background(), "bad.txt", []byte{0xff, 0xfe, 0xfd})
	if !errors.Is(err, ErrParseFailure) {
		t.Errorf("expected ErrParseFailure, got %v", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	p := New()

	_, err := p.Parse(context.Background(), "empty.txt", []byte("   \n\t  \n"))
	if !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("expected ErrEmptyDocument, got %v", err)
	}
}

func TestFileType(t *testing.T) {
	if got := FileType("paper.PDF"); got != "pdf" {
		t.Errorf("FileType = %q, want pdf", got)
	}
	if got := FileType("noext"); got != "" {
		t.Errorf("FileType = %q, want empty", got)
	}
}
