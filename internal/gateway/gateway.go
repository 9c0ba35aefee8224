// ABOUTME: Gateway orchestrator that wires store, engine, broadcaster and servers together
// ABOUTME: Runs the HTTP API, the optional gRPC health listener and the lifecycle sweeper

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/clinic-gateway/internal/auth"
	"github.com/2389/clinic-gateway/internal/clock"
	"github.com/2389/clinic-gateway/internal/config"
	"github.com/2389/clinic-gateway/internal/conversation"
	"github.com/2389/clinic-gateway/internal/dedupe"
	"github.com/2389/clinic-gateway/internal/metrics"
	"github.com/2389/clinic-gateway/internal/store"
	"github.com/2389/clinic-gateway/internal/store/postgres"
)

// dedupeMaxEntries bounds the inbound redelivery cache.
const dedupeMaxEntries = 100_000

// Gateway owns every long-lived component of the service.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	broadcaster  *conversation.EventBroadcaster
	dedupe       *dedupe.Cache
	verifier     auth.TokenVerifier
	metrics      *metrics.Provider
	clock        clock.Clock
	logger       *slog.Logger

	handler    http.Handler
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	closeOnce sync.Once
	closeErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	store store.Store
	clock clock.Clock
}

// WithStore uses st instead of opening the configured database. The gateway
// takes ownership and closes it on Shutdown.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithClock replaces the wall clock used by the engine and the dedupe cache.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// openStore opens the database selected by cfg.Database.Driver.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	case "", "sqlite":
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("CLINIC_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// New creates a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	st := o.store
	if st == nil {
		var err error
		if st, err = openStore(cfg); err != nil {
			return nil, err
		}
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
		logger.Info("HTTP auth enabled (JWT)")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured, trusting X-Agent-* headers")
	}

	dedupeWindow := cfg.Sessions.DedupeWindow
	if dedupeWindow <= 0 {
		dedupeWindow = config.DefaultDedupeWindow
	}

	gw := &Gateway{
		config:      cfg,
		store:       st,
		broadcaster: conversation.NewEventBroadcaster(cfg.Events.SubscriberBuffer, logger),
		dedupe:      dedupe.NewWithClock(dedupeWindow, dedupeMaxEntries, o.clock),
		verifier:    verifier,
		clock:       o.clock,
		logger:      logger.With("component", "gateway"),
	}

	var recorder conversation.Metrics
	if cfg.Metrics.Enabled {
		provider, err := metrics.Init(context.Background(), "clinic-gateway")
		if err != nil {
			gw.closeComponents()
			return nil, fmt.Errorf("initializing metrics: %w", err)
		}
		rec, err := metrics.NewRecorder(provider.Meter(), metrics.Gauges{
			Subscribers: gw.broadcaster.SubscriberCount,
			Queue:       gw.queueCounts,
		})
		if err != nil {
			_ = provider.Shutdown(context.Background())
			gw.closeComponents()
			return nil, fmt.Errorf("creating metric instruments: %w", err)
		}
		gw.metrics = provider
		recorder = rec
	}

	gw.conversation = conversation.New(st, gw.broadcaster, conversation.Config{
		InactivityTimeout: cfg.Sessions.InactivityTimeout,
		PublishTimeout:    cfg.Events.PublishTimeout,
		Clock:             o.clock,
		Metrics:           recorder,
		Deduper:           gw.dedupe,
	}, logger)

	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = newGRPCServer(gw.logger)
	}
	return gw, nil
}

// Handler returns the HTTP handler serving the API, WebSocket and health routes.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Conversations returns the engine.
func (g *Gateway) Conversations() *conversation.Service { return g.conversation }

func (g *Gateway) queueCounts(ctx context.Context) (map[string]int, error) {
	counts, err := g.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out, nil
}

// setupListeners opens the HTTP listener and, when configured, the gRPC one.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer == nil {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run serves until ctx is canceled or a server fails, then shuts down.
// The lifecycle sweeper runs for as long as Run does.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		g.conversation.RunSweeper(sweepCtx, g.sweepInterval())
	}()
	g.setServing(true)

	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	g.setServing(false)
	stopSweeper()
	<-sweeperDone

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) sweepInterval() time.Duration {
	if d := g.config.Sessions.SweepInterval; d > 0 {
		return d
	}
	return config.DefaultSweepInterval
}

func (g *Gateway) setServing(serving bool) {
	if g.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthServiceName, status)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The context passed to Run is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything New created besides the servers.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown stops the servers, flushes pending events and releases resources.
// It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		if g.grpcServer != nil {
			g.setServing(false)
			g.shutdownGRPCServer(ctx)
		}
		if g.conversation != nil {
			errs = appendCloseError(errs, "conversation shutdown", g.conversation.Shutdown(ctx))
		}
		if g.metrics != nil {
			errs = appendCloseError(errs, "metrics shutdown", g.metrics.Shutdown(ctx))
		}
		errs = append(errs, g.closeComponents()...)
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}
