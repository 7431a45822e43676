package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"trace":   LevelTrace,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFiltersAndLabelsTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "text", &buf)
	logger.Log(context.Background(), LevelTrace, "hidden")
	logger.Debug("visible", "generation", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "generation=1") {
		t.Fatalf("unexpected output: %q", out)
	}

	buf.Reset()
	logger = NewLogger("trace", "json", &buf)
	logger.Log(context.Background(), LevelTrace, "attempt")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Fatalf("expected TRACE label in json output: %q", buf.String())
	}
}
