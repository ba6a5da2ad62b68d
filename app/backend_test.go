package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buzzconnect/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.DatabasePath = filepath.Join(t.TempDir(), "backend.db")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBackendServesHealthAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	b, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	srv := httptest.NewServer(b.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBackendUsesRedisPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	b, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}

func TestBackendFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestBackendWithKafkaClosesWriter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Kafka.Brokers = []string{"127.0.0.1:9092"}

	b, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}
