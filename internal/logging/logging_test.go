package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Writer: &buf})

	log.With(String("sensor", "position")).Warn(context.Background(), "fix timed out",
		Float("timeout_s", 10),
		Err(errors.New("no fix")),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "fix timed out" || entry["sensor"] != "position" || entry["error"] != "no fix" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["level"] != "WARN" {
		t.Fatalf("level = %v, want WARN", entry["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "error", Writer: &buf})
	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at error level: %q", buf.String())
	}
	log.Error(context.Background(), "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("error line missing: %q", buf.String())
	}
}

func TestWithSessionLoggerReusesExistingID(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "abc")
	ctx, _ = WithSessionLogger(ctx, nil)
	if got := SessionIDFromContext(ctx); got != "abc" {
		t.Fatalf("SessionIDFromContext = %q, want abc", got)
	}

	fresh, _ := WithSessionLogger(context.Background(), Noop())
	if SessionIDFromContext(fresh) == "" {
		t.Fatalf("WithSessionLogger did not assign a session id")
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on bare context")
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("expected noop logger to be stored")
	}
}
