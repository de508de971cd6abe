package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRecoverWithLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "test-goroutine")
		panic("boom")
	}()

	out := buf.String()
	if !strings.Contains(out, "panic recovered") {
		t.Errorf("expected panic log, got: %s", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("expected panic value in log, got: %s", out)
	}
	if !strings.Contains(out, "test-goroutine") {
		t.Errorf("expected goroutine name in log, got: %s", out)
	}
}

func TestRecoverWithLogNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() != 0 {
		t.Errorf("unexpected log output without a panic: %s", buf.String())
	}
}
