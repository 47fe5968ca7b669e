package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if pipelineRunsTotal == nil || documentsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(pipelineRunsTotal.WithLabelValues("succeeded"))
	ObservePipeline("succeeded", 2*time.Second)
	if got := testutil.ToFloat64(pipelineRunsTotal.WithLabelValues("succeeded")); got != before+1 {
		t.Errorf("expected pipeline runs %v, got %v", before+1, got)
	}

	ObserveDocument("src-metrics", "new")
	ObserveDocument("src-metrics", "duplicate")
	ObserveDocument("src-metrics", "duplicate")
	if got := testutil.ToFloat64(documentsTotal.WithLabelValues("src-metrics", "duplicate")); got != 2 {
		t.Errorf("expected 2 duplicates, got %v", got)
	}

	ObserveFetch("https://Metrics.Example.com/x", "200", 512)
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics.example.com")); got != 512 {
		t.Errorf("expected 512 bytes, got %v", got)
	}

	ObserveIngest(0)
	if got := testutil.ToFloat64(ingestRequestsTotal.WithLabelValues("error")); got < 1 {
		t.Errorf("expected transport error to be counted")
	}

	ObserveNotification("dropped", 0)
	ObserveNotification("dropped", 3)
	if got := testutil.ToFloat64(notificationsTotal.WithLabelValues("dropped")); got != 3 {
		t.Errorf("expected 3 dropped notifications, got %v", got)
	}

	IncActivePipelines()
	DecActivePipelines()
	if got := testutil.ToFloat64(activePipelines); got != 0 {
		t.Errorf("expected no active pipelines, got %v", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
