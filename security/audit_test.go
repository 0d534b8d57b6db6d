package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newCaptureAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	a := NewAuditor(logger, enabled)
	a.SetClock(fixedClock{now: time.Unix(1700000000, 0)})
	return a, &buf
}

func TestAuditorHashesSessionIDs(t *testing.T) {
	a, buf := newCaptureAuditor(true)

	a.LogCSRFValidationFailed("sess-secret-value", "tenant-a", "203.0.113.7", "/api/update", "expired")

	out := buf.String()
	if out == "" {
		t.Fatal("enabled auditor produced no output")
	}
	if strings.Contains(out, "sess-secret-value") {
		t.Error("raw session ID leaked into the audit log")
	}
	if !strings.Contains(out, HashForLogging("sess-secret-value")) {
		t.Error("hashed session ID missing from the audit log")
	}
	if !strings.Contains(out, "expired") {
		t.Error("rejection reason missing from the audit log")
	}
	if !strings.Contains(out, EventCSRFValidationFailed) {
		t.Errorf("event type %q missing from the audit log", EventCSRFValidationFailed)
	}
}

func TestAuditorDisabledProducesNoOutput(t *testing.T) {
	a, buf := newCaptureAuditor(false)

	a.LogCSRFTokenIssued("sess-1", "tenant-a", "203.0.113.7")
	a.LogRateLimitExceeded("sess-1", "tenant-a", "203.0.113.7", "/api/update", "short")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestNilAuditorIsSafe(t *testing.T) {
	var a *Auditor
	// Must not panic.
	a.LogCSRFValidationFailed("sess-1", "tenant-a", "", "", "missing")
	a.LogSweepCompleted(0, 0)
	a.LogStoreFailure("csrf", "consume_token", "fail-closed")
}

func TestHashForLogging(t *testing.T) {
	h := HashForLogging("some-session")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != HashForLogging("some-session") {
		t.Error("hash not deterministic")
	}
	if h == HashForLogging("other-session") {
		t.Error("distinct inputs collided")
	}
	if HashForLogging("") != "<empty>" {
		t.Error("empty input should map to the <empty> sentinel")
	}
}
