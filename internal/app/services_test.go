package app

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvision/docuvision/internal/config"
	"github.com/docuvision/docuvision/internal/observability"
)

func testConfig(t *testing.T, redisAddr string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = ":memory:"
	cfg.Blob.Backend = "local"
	cfg.Blob.RootDir = t.TempDir()
	cfg.Cache.Redis.Addr = redisAddr
	return cfg
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json", Output: io.Discard, ServiceName: "test"})
}

func TestNewBuildsEveryCollaborator(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())

	svc, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	assert.NotNil(t, svc.DB)
	assert.NotNil(t, svc.Blob)
	assert.NotNil(t, svc.Redis)
	assert.NotNil(t, svc.Jobs)
	assert.NotNil(t, svc.Progress)
	assert.NotNil(t, svc.Schemas)
	assert.NotNil(t, svc.Rasterizer)
	assert.NotNil(t, svc.Preprocessor)
	assert.NotNil(t, svc.Vision)
	assert.NotNil(t, svc.OCR)
	assert.NotNil(t, svc.Workbook)
	assert.NotNil(t, svc.Limiter)
}

func TestNewRejectsUnsupportedBlobBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())
	cfg.Blob.Backend = "s3"

	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:1")

	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
}
