package metrics

import (
	"context"
	"os"
	"testing"
)

func TestProcessAlive(t *testing.T) {
	m := NewMetricsService(t.TempDir())
	if !m.ProcessAlive(context.Background(), os.Getpid()) {
		t.Fatal("expected the test process to be alive")
	}
	if m.ProcessAlive(context.Background(), 0) {
		t.Fatal("pid 0 must never be reported as alive")
	}
}
