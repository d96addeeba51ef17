// ABOUTME: Gateway orchestrator that wires auth, admission, conversation, and the HTTP server
// ABOUTME: Manages store, limiter, and server lifecycle with graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/parley-gateway/internal/admission"
	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/tools"
	"github.com/2389/parley-gateway/internal/workflow"
)

// Gateway orchestrates the parley-gateway server components.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	authService  *auth.Service
	verifier     *auth.JWTVerifier
	limiter      *admission.Limiter
	conversation *conversation.Service
	httpServer   *http.Server
	logger       *slog.Logger
}

// New creates a new Gateway instance with the given configuration and
// planner capability.
func New(cfg *config.Config, planner workflow.Planner, logger *slog.Logger) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	registry, err := buildToolRegistry(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	engine := workflow.NewEngine(planner, registry, workflow.Config{
		MaxSteps:    cfg.Workflow.MaxSteps,
		StepTimeout: cfg.Workflow.StepTimeout,
	}, logger)

	convService := conversation.New(s, engine, cfg.Workflow.HistoryWindow, logger)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	authService := auth.NewService(s, verifier, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL, logger)

	limiter := admission.NewLimiter(
		cfg.Admission.Capacity,
		cfg.Admission.RefillPerSecond,
		cfg.Admission.BucketIdleTTL,
	)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		authService:  authService,
		verifier:     verifier,
		limiter:      limiter,
		conversation: convService,
		logger:       logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Credential endpoints - these establish auth, so none required
	mux.HandleFunc("/auth/login", gw.handleLogin)
	mux.HandleFunc("/auth/refresh", gw.handleRefresh)

	// Authenticated endpoints
	authMiddleware := auth.HTTPAuthMiddleware(s, verifier)
	mux.Handle("/chat", authMiddleware(http.HandlerFunc(gw.handleChat)))
	mux.Handle("/chat/stream", authMiddleware(http.HandlerFunc(gw.handleChatStream)))
	mux.Handle("/messages", authMiddleware(http.HandlerFunc(gw.handleMessages)))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// buildToolRegistry registers builtins and applies the manifest
// restriction when a manifest directory is configured.
func buildToolRegistry(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	if cfg.Workflow.ToolManifestDir != "" {
		manifest, err := tools.LoadManifestDir(cfg.Workflow.ToolManifestDir)
		if err != nil {
			return nil, fmt.Errorf("loading tool manifests: %w", err)
		}
		if err := registry.Restrict(manifest); err != nil {
			return nil, fmt.Errorf("applying tool manifest: %w", err)
		}
	}

	return registry, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if
// the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.Shutdown(context.Background())

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown gracefully stops the HTTP server and closes held resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	g.limiter.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	g.logger.Info("shutdown complete")
	return nil
}

// handleHealth handles GET /health requests for liveness checks.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleReady handles GET /health/ready requests for readiness checks.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.GetSession(r.Context(), "readiness-probe"); err != nil && err != store.ErrSessionNotFound {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"unavailable"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}
