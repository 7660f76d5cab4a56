package ratelog

import (
	"strings"
	"testing"
	"time"
)

func TestWarnfSuppressesWithinInterval(t *testing.T) {
	var buf strings.Builder
	l := New(&buf, time.Hour)

	l.Warnf("mempool exhausted: %d", 1)
	l.Warnf("mempool exhausted: %d", 2)
	l.Warnf("mempool exhausted: %d", 3)

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line within the rate-limit interval, got %q", out)
	}
	if !strings.Contains(out, "mempool exhausted: 1") {
		t.Fatalf("expected the first call's message, got %q", out)
	}
}

func TestWarnfFirstCallAlwaysLogs(t *testing.T) {
	var buf strings.Builder
	l := New(&buf, time.Hour)

	l.Warnf("overflow queue full")
	if !strings.Contains(buf.String(), "overflow queue full") {
		t.Fatalf("first call should log unconditionally, got %q", buf.String())
	}
	if strings.Contains(buf.String(), "suppressed") {
		t.Fatalf("first call should not report any suppressed count, got %q", buf.String())
	}
}
