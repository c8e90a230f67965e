package infra

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-key-service/config"
)

func TestDialector(t *testing.T) {
	assert.Equal(t, "sqlite", Dialector("sqlite::memory:").Name())
	assert.Equal(t, "mysql", Dialector("user:pass@tcp(localhost:3306)/keys").Name())
}

func TestNewDB_SQLite(t *testing.T) {
	db, err := NewDB("sqlite::memory:", &config.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, db.Exec("CREATE TABLE t (id INTEGER)").Error)
}

func TestCryptoPool_Run(t *testing.T) {
	pool := NewCryptoPool(2)
	defer pool.Stop()

	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		err := pool.Run(context.Background(), func() error {
			calls.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(10), calls.Load())

	wantErr := errors.New("boom")
	assert.ErrorIs(t, pool.Run(context.Background(), func() error { return wantErr }), wantErr)
}

func TestCryptoPool_ContextCanceled(t *testing.T) {
	pool := NewCryptoPool(1)
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := pool.Run(ctx, func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)

	release := make(chan struct{})
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Run(ctx, func() error {
		<-release
		return nil
	})
	close(release)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, &config.Config{LogLevel: "DEBUG"})

	logger.Info("handshake", "userId", "u1", "aesKey", "deadbeef", "payload", "c2VjcmV0")

	out := buf.String()
	assert.Contains(t, out, `"userId":"u1"`)
	assert.NotContains(t, out, "deadbeef")
	assert.NotContains(t, out, "c2VjcmV0")
	assert.Equal(t, 2, strings.Count(out, "[REDACTED]"))
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, &config.Config{LogLevel: "WARN"})

	logger.Info("ignored")
	assert.Empty(t, buf.String())
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestMetrics(t *testing.T) {
	HandshakeCounter.WithLabelValues("test", "success").Inc()

	stop := ObserveCrypto("test")
	stop()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `session_key_handshakes_total{flow="test",result="success"} 1`)
	assert.Contains(t, rec.Body.String(), "session_key_crypto_seconds")
}
