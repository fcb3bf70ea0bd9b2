package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/health", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/jobs", 202, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/jobs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/jobs/xyz789", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "DELETE", "/jobs/abc123", 204, 0.100)
	metrics.RecordHTTPRequest(ctx, "GET", "/jobs/abc123/pages/3/result", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "POST", "/jobs", 500, 0.001)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/upload", "/upload"},
		{"/jobs", "/jobs"},
		{"/jobs/abc123", "/jobs/{id}"},
		{"/jobs/abc123/result", "/jobs/{id}/result"},
		{"/jobs/abc123/pages", "/jobs/{id}/pages"},
		{"/jobs/abc123/pages/3/status", "/jobs/{id}/pages/{n}/status"},
		{"/jobs/abc123/pages/3/result", "/jobs/{id}/pages/{n}/result"},
		{"/jobs/abc123/pages/3/retry", "/jobs/{id}/pages/{n}/retry"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordJobSubmitted(ctx, "main")
	metrics.RecordJobSubmitted(ctx, "main")
	metrics.RecordJobCompleted(ctx, "main", 5.5)
	metrics.RecordJobFailed(ctx, "main", "convert_failed")
	metrics.RecordPageOutcome(ctx, true)
	metrics.RecordPageOutcome(ctx, false)
	metrics.RecordMergeLatchWon(ctx)
}
