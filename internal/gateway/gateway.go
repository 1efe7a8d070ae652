// ABOUTME: Gateway orchestrator wiring archive, registry, reaper, and HTTP server
// ABOUTME: Owns startup order and graceful shutdown of every component

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/auth"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/config"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/conversation"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/files"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/runtime"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/session"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/store"
)

// Gateway owns every long-lived component of the sandbox gateway.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	archive     *store.SQLiteArchive
	registry    *session.Registry
	broadcaster *conversation.EventBroadcaster
	service     *conversation.Service
	reaper      *session.Reaper

	httpServer   *http.Server
	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New creates a gateway from configuration. Components are wired but nothing
// is listening until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rt, err := runtime.NewCLIRuntime(logger)
	if err != nil {
		return nil, fmt.Errorf("detecting container engine: %w", err)
	}

	archive, err := store.NewSQLiteArchive(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening event archive: %w", err)
	}

	registry := session.NewRegistry(session.Config{
		Image:         cfg.Sandbox.Image,
		WorkspaceRoot: cfg.Workspace.Root,
		AgentPort:     cfg.Sandbox.AgentPort,
		StartTimeout:  cfg.Sandbox.StartTimeout,
		ForwardEnv:    cfg.Sandbox.ForwardEnv,
	}, rt, logger)

	broadcaster := conversation.NewEventBroadcaster(logger)
	cloner := session.NewCloner(logger)
	service := conversation.New(archive, registry, cloner, nil, broadcaster, logger)
	accessor := files.NewAccessor(registry, logger)
	reaper := session.NewReaper(registry, cfg.Workspace.IdleTTL, cfg.Workspace.SweepInterval, logger)

	g := &Gateway{
		cfg:         cfg,
		logger:      logger.With("component", "gateway"),
		archive:     archive,
		registry:    registry,
		broadcaster: broadcaster,
		service:     service,
		reaper:      reaper,
	}

	api := NewAPI(service, registry, accessor, cfg.Workspace.IdleTTL, logger)
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.buildHandler(api),
	}

	return g, nil
}

// buildHandler assembles the HTTP handler: health endpoints stay open, the
// API routes go behind JWT auth when a secret is configured.
func (g *Gateway) buildHandler(api *API) http.Handler {
	var apiHandler http.Handler = api.Routes()
	if g.cfg.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(g.cfg.Auth.JWTSecret))
		apiHandler = auth.Middleware(verifier)(apiHandler)
		g.logger.Info("API authentication enabled")
	} else {
		g.logger.Warn("API authentication disabled: no jwt_secret configured")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.Handle("/", apiHandler)
	return mux
}

// Run starts the HTTP server and the idle reaper and blocks until ctx is
// cancelled or a server error occurs, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.Server.HTTPAddr, err)
	}
	g.logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	reaperCtx, cancel := context.WithCancel(context.Background())
	g.reaperCancel = cancel
	g.reaperDone = make(chan struct{})
	go func() {
		defer close(g.reaperDone)
		g.reaper.Run(reaperCtx)
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and the reaper, drains in-flight turns,
// then tears down every sandbox and releases the broadcaster and archive.
// Turns must finish before the registry and archive close: a turn keeps
// running and archiving after its client disconnects, and pulling the
// archive out from under it would silently drop its events. Errors are
// collected, not short-circuited: each component gets its chance to stop.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.reaperCancel != nil {
		g.reaperCancel()
		select {
		case <-g.reaperDone:
		case <-ctx.Done():
		}
	}

	turnsDone := make(chan struct{})
	go func() {
		g.service.Wait()
		close(turnsDone)
	}()
	select {
	case <-turnsDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("draining turns: %w", ctx.Err()))
	}

	errs = appendCloseError(errs, "registry close", g.registry.Close(ctx))
	g.broadcaster.Close()
	errs = appendCloseError(errs, "archive close", g.archive.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	g.logger.Info("gateway stopped")
	return nil
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ready","sessions":%d}`, g.registry.Len())
}
