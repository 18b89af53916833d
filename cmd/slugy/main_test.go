package main

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slugy/edge/internal/app"
	"github.com/slugy/edge/internal/config"
	"github.com/slugy/edge/internal/logging"
)

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SLUGY_ENV_FILE_PROBE=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SLUGY_ENV_FILE_PROBE") })

	require.NoError(t, loadEnv(path))
	assert.Equal(t, "from-file", os.Getenv("SLUGY_ENV_FILE_PROBE"))

	assert.NoError(t, loadEnv(filepath.Join(t.TempDir(), "missing.env")))
	assert.NoError(t, loadEnv(""))
}

func TestLoadEnv_RealEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SLUGY_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("SLUGY_LOG_LEVEL", "warn")

	require.NoError(t, loadEnv(path))
	assert.Equal(t, "warn", os.Getenv("SLUGY_LOG_LEVEL"))
}

func TestCommaFmt(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, commaFmt(tt.n))
	}
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, time.Duration(0), percentile(nil, 50))

	var lats []time.Duration
	for i := 1; i <= 100; i++ {
		lats = append(lats, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 51*time.Millisecond, percentile(lats, 50))
	assert.Equal(t, 100*time.Millisecond, percentile(lats, 99))
	assert.Equal(t, 100*time.Millisecond, percentile(lats, 100))
}

func TestRunBench(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Redirect(w, r, "https://example.com/", http.StatusTooManyRequests)
			return
		}
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		http.Redirect(w, r, "https://example.com/", http.StatusFound)
	}))
	defer srv.Close()

	res := runBench(io.Discard, srv.URL, []string{"docs"}, 2, 50*time.Millisecond, true)
	assert.NotEmpty(t, res.latencies)
	assert.Zero(t, res.errors)
	assert.Equal(t, int64(len(res.latencies)), res.statuses[http.StatusFound])

	res = runBench(io.Discard, srv.URL, []string{"missing"}, 1, 20*time.Millisecond, false)
	assert.Empty(t, res.latencies)
	assert.Equal(t, res.statuses[http.StatusTooManyRequests], res.errors)
}

func testApp(t *testing.T) *app.App {
	t.Helper()
	t.Setenv("SLUGY_API_KEY", "secret")
	t.Setenv("SLUGY_DOMAINS", "slugy.co")
	t.Setenv("SLUGY_DB_PATH", ":memory:")
	t.Setenv("SLUGY_REDIS_ADDR", "")
	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := app.New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSeedWorkspace(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, seedWorkspace(ctx, &out, a, "demo", "slugy.co", 3*24*time.Hour, rand.New(rand.NewSource(1))))
	assert.Contains(t, out.String(), "https://slugy.co/docs")
	assert.Contains(t, out.String(), "Done!")

	first, err := a.Buffer.Len(ctx)
	require.NoError(t, err)
	assert.Positive(t, first)

	l, err := a.Links.BySlug(ctx, "slugy.co", "developers")
	require.NoError(t, err)
	assert.Equal(t, "ws_demo", l.WorkspaceID)

	// seeding again reuses the workspace and links
	out.Reset()
	require.NoError(t, seedWorkspace(ctx, &out, a, "demo", "slugy.co", 24*time.Hour, rand.New(rand.NewSource(2))))
	again, err := a.Buffer.Len(ctx)
	require.NoError(t, err)
	assert.Greater(t, again, first)
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "seed", "sweep", "links", "bench"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
