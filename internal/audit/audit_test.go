package audit

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestEmitWritesOneRecordWithCoreFields(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	Emit(context.Background(), Record{
		RequestID:    "req-1",
		Origin:       "https://ok",
		TokenPresent: true,
		Tool:         "fs_read",
		Decision:     DecisionAllow,
		Code:         "OK",
		DurationMS:   12,
		BytesOut:     42,
	})

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one log line, got: %q", out)
	}
	for _, want := range []string{`"request_id":"req-1"`, `"tool":"fs_read"`, `"decision":"allow"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	if a == b {
		t.Fatal("expected distinct request IDs")
	}
}
