package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-crawler/internal/runner"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCrawlCommandPrintsReport(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>Release</title><body>numbers</body></html>"))
	}))
	t.Cleanup(page.Close)
	var ingested atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ingested.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	path := writeConfig(t, fmt.Sprintf(`
backend:
  base_url: %s
  api_token: secret
fetch:
  respect_robots: false
retry:
  max_attempts: 1
sources:
  - id: bls
    name: BLS
    base_url: %s/cpi
    crawl_interval_minutes: 60
`, backend.URL, page.URL))

	out, err := execute(t, "--config", path, "crawl", "--source", "bls")
	require.NoError(t, err, out)

	var report runner.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	require.Equal(t, 1, report.Summary[runner.OutcomeSucceeded])
	require.Len(t, report.Results, 1)
	require.Equal(t, 1, report.Results[0].Ingested)
	require.Equal(t, int32(1), ingested.Load())
}

func TestCrawlCommandFailsOnUnknownSource(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: http://ingest.invalid
  api_token: secret
sources:
  - id: bls
    name: BLS
    base_url: https://bls.invalid
    crawl_interval_minutes: 60
`)
	_, err := execute(t, "--config", path, "crawl", "--source", "nope")
	require.ErrorContains(t, err, "unknown source")
}

func TestMigrateSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crawler.db")
	path := writeConfig(t, fmt.Sprintf(`
backend:
  base_url: http://ingest.invalid
  api_token: secret
storage:
  provider: sqlite
  sqlite:
    path: %s
`, dbPath))

	_, err := execute(t, "--config", path, "migrate", "up")
	require.NoError(t, err)
	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	_, err = execute(t, "--config", path, "migrate", "bogus")
	require.ErrorContains(t, err, "unknown migrate command")
}

func TestMigrateMemoryIsNoop(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: http://ingest.invalid
  api_token: secret
`)
	_, err := execute(t, "--config", path, "migrate")
	require.NoError(t, err)
}

func TestInvalidConfigFails(t *testing.T) {
	path := writeConfig(t, `
backend:
  api_token: secret
`)
	_, err := execute(t, "--config", path, "crawl")
	require.ErrorContains(t, err, "backend.base_url is required")
}
