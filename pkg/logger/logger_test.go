package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger(buf *bytes.Buffer) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(buf, nil))}
}

func TestWithKeepsWrapperType(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf)

	// With must return the wrapper so WithError can chain off it.
	l.With("document_id", "doc-1").WithError(errors.New("boom")).Error("ingestion failed")

	out := buf.String()
	if !strings.Contains(out, `"document_id":"doc-1"`) {
		t.Errorf("derived attribute missing from output: %s", out)
	}
	if !strings.Contains(out, `"error":"boom"`) {
		t.Errorf("error attribute missing from output: %s", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf)

	l.WithComponent("ingest").Info("started")

	if !strings.Contains(buf.String(), `"component":"ingest"`) {
		t.Errorf("component attribute missing from output: %s", buf.String())
	}
}
