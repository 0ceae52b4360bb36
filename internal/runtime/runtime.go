package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/credential"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/ingress"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/relay"
	"github.com/loqalabs/loqa-relay/internal/transport"
)

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	dialer relay.Dialer
	creds  relay.CredentialSource

	httpServer     *http.Server
	telemetryClose func(context.Context) error
	metrics        http.Handler

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	coord      *relay.Coordinator
	transcript *relay.TranscriptBuilder
	ingress    *ingress.Service
	hub        *hub
	upgrader   websocket.Upgrader

	ready atomic.Bool
	wg    sync.WaitGroup
}

type Option func(*Runtime)

// WithDialer replaces the WebSocket connector built from the deepgram config.
func WithDialer(d relay.Dialer) Option {
	return func(r *Runtime) { r.dialer = d }
}

// WithCredentials replaces the environment credential source.
func WithCredentials(c relay.CredentialSource) Option {
	return func(r *Runtime) { r.creds = c }
}

func WithVersion(v string) Option {
	return func(r *Runtime) { r.version = v }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: "dev",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 4 * 1024,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start brings up every component, serves HTTP until ctx is cancelled, then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metrics

	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("version", r.version))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	// /v1/listen handlers return once their session has ended.
	r.coord.Close()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// setup builds everything except telemetry and the HTTP listener.
func (r *Runtime) setup(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if r.nats != nil {
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return fmt.Errorf("event store: %w", err)
	}

	endpoint := r.cfg.Deepgram.Endpoint
	if r.dialer == nil {
		connector, err := transport.NewConnector(r.cfg.Deepgram)
		if err != nil {
			return fmt.Errorf("build connector: %w", err)
		}
		r.dialer = relay.TransportDialer(connector)
		endpoint = connector.Endpoint()
		r.logger.Info("transcription endpoint configured", slog.String("endpoint", endpoint))
	}
	if r.creds == nil {
		r.creds = credential.EnvSource{Name: r.cfg.Deepgram.CredentialEnv, DotenvPath: r.cfg.Deepgram.DotenvPath}
	}

	r.transcript = relay.NewTranscriptBuilder()
	r.hub = newHub(r.logger, subscriberBuffer)
	notifiers := relay.Notifiers{r.transcript}
	recorder := eventstore.NewRecorder(r.store, endpoint, r.logger.With(slog.String("component", "eventstore")))
	if r.cfg.EventStore.RetentionMode != eventstore.RetentionEphemeral {
		notifiers = append(notifiers, recorder)
	}
	if r.bus != nil {
		notifiers = append(notifiers, ingress.NewPublisher(r.bus, r.logger))
	}
	notifiers = append(notifiers, r.hub)

	r.coord = relay.NewCoordinator(relay.Options{
		Config:      r.cfg.Session,
		Dialer:      r.dialer,
		Credentials: r.creds,
		Notifier:    notifiers,
		Logger:      r.logger,
		OnStart: func(ctx context.Context, info relay.SessionInfo) {
			recorder.RecordStart(ctx, info.ID, info.StartedAt)
		},
	})

	if r.cfg.Ingress.Enabled && r.bus != nil {
		r.ingress = ingress.NewService(ctx, r.cfg.Ingress, r.bus, r.coord, r.logger)
		if err := r.ingress.Start(); err != nil {
			return fmt.Errorf("start ingress: %w", err)
		}
	}
	return nil
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.ingress != nil {
		r.ingress.Close()
	}
	if r.coord != nil {
		r.coord.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
