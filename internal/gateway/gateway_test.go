// ABOUTME: Test harness and lifecycle tests for the gateway
// ABOUTME: Builds a full gateway on a temp SQLite store with a deterministic planner

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/workflow"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")},
		Auth: config.AuthConfig{
			JWTSecret:       testJWTSecret,
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: time.Hour,
		},
		Admission: config.AdmissionConfig{
			Capacity:        100,
			RefillPerSecond: 100,
			BucketIdleTTL:   time.Minute,
		},
		Workflow: config.WorkflowConfig{
			MaxSteps:      8,
			HistoryWindow: 50,
			StepTimeout:   5 * time.Second,
		},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, &workflow.EchoPlanner{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Shutdown(context.Background()) })
	return gw
}

// createTestIdentity registers an identity directly in the store and
// returns its login secret.
func createTestIdentity(t *testing.T, gw *Gateway, subject string) (identityID, secret string) {
	t.Helper()
	secret = "test-secret-" + subject

	hash, err := auth.HashSecret(secret)
	require.NoError(t, err)

	identity := &store.Identity{
		ID:              uuid.New().String(),
		Subject:         subject,
		SecretHash:      hash,
		TokenGeneration: 1,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, gw.store.CreateIdentity(context.Background(), identity))
	return identity.ID, secret
}

// loginTestIdentity logs in through the HTTP handler and returns the pair.
func loginTestIdentity(t *testing.T, gw *Gateway, subject, secret string) TokenResponse {
	t.Helper()

	body := `{"subject":"` + subject + `","secret":"` + secret + `"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "login failed: %s", rec.Body.String())

	var pair TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pair))
	return pair
}

func TestNewGateway(t *testing.T) {
	gw := newTestGateway(t, nil)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.authService)
	assert.NotNil(t, gw.limiter)
	assert.NotNil(t, gw.conversation)
}

func TestNewGatewayBadManifestDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflow.ToolManifestDir = filepath.Join(t.TempDir(), "does-not-exist")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(cfg, &workflow.EchoPlanner{}, logger)
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleReady(t *testing.T) {
	gw := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestRunAndShutdown(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	// Give the listener a moment, then trigger graceful shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}
