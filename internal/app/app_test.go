package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamavenir/codeindex/internal/config"
	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/remote/remotetest"
	"github.com/adamavenir/codeindex/internal/search"
	"github.com/adamavenir/codeindex/internal/state"
	"github.com/adamavenir/codeindex/internal/workspace"
)

var testKey = bytes.Repeat([]byte{3}, 32)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		AuthToken:   remotetest.Token,
		BaseURL:     baseURL,
		DataDir:     t.TempDir(),
		LogLevel:    "debug",
		Concurrency: 2,
	}
}

func TestNewRejectsMissingToken(t *testing.T) {
	cfg := testConfig(t, "https://index.example.com")
	cfg.AuthToken = ""
	_, err := New(cfg, Options{Stderr: io.Discard})
	assert.ErrorIs(t, err, config.ErrMissingToken)
}

func TestIndexSearchAndMetrics(t *testing.T) {
	srv, err := remotetest.New(testKey)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	a, err := New(cfg, Options{Service: "test", Stderr: io.Discard, OneShot: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	root, err := workspace.Canonical(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main // entrypoint"), 0o644))
	st := state.New(root)
	st.PathKey = pathenc.FormatKey(testKey)
	require.NoError(t, a.Store.Save(st))

	res, err := a.Indexer.Index(context.Background(), root, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	hits, err := a.Searcher.Search(context.Background(), search.Query{Text: "entrypoint"})
	require.NoError(t, err)
	require.Len(t, hits.Hits, 1)
	assert.Equal(t, "main.go", hits.Hits[0].Path)

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codeindex_runs_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	tools := a.Tools()
	assert.NotNil(t, tools.Indexer)
	assert.NotNil(t, tools.Searcher)
}

func TestServeMetricsStopsWithContext(t *testing.T) {
	cfg := testConfig(t, "https://index.example.com")
	a, err := New(cfg, Options{Stderr: io.Discard, OneShot: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeMetrics(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-done)
}
