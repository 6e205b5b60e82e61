package observability

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestNewMetricsRegistersWithoutPanic(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatalf("NewMetrics returned nil")
	}
	m.IngestOutcomesTotal.WithLabelValues("accepted").Inc()
	m.EntropyBitsHistogram.Observe(3.5)
	m.BackpressureSeverity.Set(0.42)
}

func TestServeMetricsExposesEndpoints(t *testing.T) {
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- m.ServeMetrics(ctx, "127.0.0.1:19092") }()

	// Give the listener a moment to come up.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19092/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, body = %s", resp.StatusCode, body)
	}

	resp2, err := http.Get("http://127.0.0.1:19092/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp2.StatusCode)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("ServeMetrics did not return after context cancellation")
	}
}

func TestBuildLoggerRejectsInvalidLevel(t *testing.T) {
	if _, err := BuildLogger("not-a-level", "json"); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestBuildLoggerAcceptsKnownLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		if _, err := BuildLogger(lvl, "console"); err != nil {
			t.Fatalf("BuildLogger(%q): %v", lvl, err)
		}
	}
}
