package hipaa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func decodeAuditLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("audit line is not JSON: %v (%q)", err, line)
		}
		out = append(out, m)
	}
	return out
}

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(&buf, zerolog.Nop())

	ctx := WithRequestID(context.Background(), "req-123")
	al.Record(ctx, "radiologist_user", ActionRunPipeline, "scan.dcm", StatusSuccess)

	lines := decodeAuditLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 audit line, got %d", len(lines))
	}
	rec := lines[0]

	checks := map[string]string{
		"type":        "hipaa_audit",
		"user_id":     "radiologist_user",
		"action":      "run_pipeline",
		"resource_id": "scan.dcm",
		"status":      "success",
		"request_id":  "req-123",
		"level":       "info",
	}
	for k, want := range checks {
		if got, _ := rec[k].(string); got != want {
			t.Errorf("expected %s %q, got %q", k, want, got)
		}
	}
	if id, _ := rec["event_id"].(string); len(id) != 26 {
		t.Errorf("expected 26-char ULID event_id, got %q", id)
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestAuditLogger_RedactsPHI(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(&buf, zerolog.Nop())

	al.Record(context.Background(), "unknown", ActionLoginAttempt, "Patient Name: John Doe", StatusFailed)

	if strings.Contains(buf.String(), "John Doe") {
		t.Fatal("audit output leaked PHI")
	}
	rec := decodeAuditLines(t, &buf)[0]
	if rec["resource_id"] != RedactionMarker {
		t.Errorf("expected resource_id %q, got %v", RedactionMarker, rec["resource_id"])
	}
	if rec["level"] != "warn" {
		t.Errorf("expected warn level for failed status, got %v", rec["level"])
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestAuditLogger_SinkFailureDoesNotPropagate(t *testing.T) {
	var diag bytes.Buffer
	al := NewAuditLogger(failingWriter{}, zerolog.New(&diag))

	al.Record(context.Background(), "radiologist_user", ActionLogin, "none", StatusSuccess)

	if !strings.Contains(diag.String(), "audit sink write failed") {
		t.Errorf("expected sink failure to be reported, got %q", diag.String())
	}
}

func TestAuditLogger_NilSafe(t *testing.T) {
	var al *AuditLogger
	al.Record(context.Background(), "u", ActionLogin, "none", StatusSuccess)
}

func TestOpenAuditLog_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")

	al, closer, err := OpenAuditLog(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	al.Record(context.Background(), "a", ActionLogin, "none", StatusSuccess)
	closer.Close()

	al, closer, err = OpenAuditLog(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen audit log: %v", err)
	}
	al.Record(context.Background(), "b", ActionLogin, "none", StatusSuccess)
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if n := strings.Count(strings.TrimSpace(string(data)), "\n") + 1; n != 2 {
		t.Errorf("expected 2 lines after reopen, got %d", n)
	}
}
