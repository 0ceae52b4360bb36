// Package relay runs transcription sessions: one outbound audio forwarder and
// one inbound transcript listener per WebSocket connection, started together
// and torn down together.
package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/queue"
	"github.com/loqalabs/loqa-relay/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// State is a session's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CredentialSource supplies the bearer token at session start.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// Conn is an established connection split into its two halves. Ownership
// passes to the session: the forwarder owns Sink, the listener owns Source.
type Conn struct {
	Sink   FrameSink
	Source FrameSource
	Closer io.Closer
}

// Dialer opens the connection for one session.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

type DialerFunc func(ctx context.Context, credential string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, credential string) (Conn, error) {
	return f(ctx, credential)
}

// TransportDialer connects through a WebSocket connector.
func TransportDialer(connector *transport.Connector) Dialer {
	return DialerFunc(func(ctx context.Context, credential string) (Conn, error) {
		duplex, err := connector.Connect(ctx, credential)
		if err != nil {
			return Conn{}, err
		}
		sink, source, err := duplex.Split()
		if err != nil {
			_ = duplex.Close()
			return Conn{}, err
		}
		return Conn{Sink: sink, Source: source, Closer: duplex}, nil
	})
}

// SessionInfo is a point-in-time view of the current (or last) session.
type SessionInfo struct {
	ID         string    `json:"session_id,omitempty"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	QueueDepth int       `json:"queue_depth"`
}

type Options struct {
	Config      config.SessionConfig
	Dialer      Dialer
	Credentials CredentialSource
	Notifier    Notifier
	Logger      *slog.Logger

	// OnStart, if set, runs once a session is Active and before any of its
	// notifications are delivered.
	OnStart func(ctx context.Context, info SessionInfo)
}

// Coordinator owns at most one live session at a time.
type Coordinator struct {
	cfg      config.SessionConfig
	dialer   Dialer
	creds    CredentialSource
	notifier Notifier
	onStart  func(context.Context, SessionInfo)
	logger   *slog.Logger
	ins      *instruments

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *session
	closed  bool
}

type session struct {
	id        string
	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	queue     *queue.Queue // nil until Active; guarded by Coordinator.mu
	startedAt time.Time
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Config.QueueCapacity <= 0 {
		opts.Config.QueueCapacity = queue.DefaultCapacity
	}
	if opts.Config.StartPolicy == "" {
		opts.Config.StartPolicy = config.StartPolicyReject
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      opts.Config,
		dialer:   opts.Dialer,
		creds:    opts.Credentials,
		notifier: opts.Notifier,
		onStart:  opts.OnStart,
		logger:   logger.With(slog.String("component", "relay")),
		ctx:      ctx,
		cancel:   cancel,
	}
	if c.notifier == nil {
		c.notifier = Notifiers(nil)
	}
	ins, err := newInstruments(c.queueDepth)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
		ins = &instruments{tracer: otel.Tracer(instrumentationName)}
	}
	c.ins = ins
	return c
}

// Start connects a new session and returns once both relay tasks are
// running. Configuration and connection failures are returned here; later
// failures are reported through Notifier.SessionEnded.
func (c *Coordinator) Start(ctx context.Context) (SessionInfo, error) {
	if c.dialer == nil || c.creds == nil {
		return SessionInfo{}, &ConfigError{Err: errMissingDependency}
	}
	s, err := c.claim(ctx)
	if err != nil {
		return SessionInfo{}, err
	}
	logger := c.logger.With(slog.String("session_id", s.id))

	credential, err := c.creds.Credential(ctx)
	if err != nil {
		c.abandon(s)
		logger.Warn("session start failed", slog.String("stage", "credential"), slogError(err))
		c.ins.add(ctx, c.ins.connectFailures, 1, attribute.String("stage", "credential"))
		return SessionInfo{}, &ConfigError{Err: err}
	}

	conn, err := c.dial(ctx, s, credential)
	if err != nil {
		c.abandon(s)
		logger.Warn("session start failed", slog.String("stage", "connect"), slogError(err))
		c.ins.add(ctx, c.ins.connectFailures, 1, attribute.String("stage", "connect"))
		return SessionInfo{}, &ConnectionError{Err: err}
	}

	c.mu.Lock()
	if c.closed || s.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Closer.Close()
		c.abandon(s)
		return SessionInfo{}, &ConnectionError{Err: context.Canceled}
	}
	s.queue = queue.New(c.cfg.QueueCapacity)
	s.startedAt = time.Now().UTC()
	s.state.Store(int32(StateActive))
	c.wg.Add(1)
	c.mu.Unlock()

	info := c.info(s)
	if c.onStart != nil {
		c.onStart(ctx, info)
	}
	go c.run(s, conn)

	logger.Info("session active", slog.Int("queue_capacity", c.cfg.QueueCapacity))
	return info, nil
}

// claim reserves the session slot according to the start policy.
func (c *Coordinator) claim(ctx context.Context) (*session, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		prev := c.current
		if prev == nil || prev.finished() {
			sctx, cancel := context.WithCancel(c.ctx)
			s := &session{
				id:     uuid.NewString(),
				ctx:    sctx,
				cancel: cancel,
				done:   make(chan struct{}),
			}
			s.state.Store(int32(StateConnecting))
			c.current = s
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()

		if c.cfg.StartPolicy != config.StartPolicyReplace {
			return nil, ErrSessionActive
		}
		c.logger.Info("replacing session", slog.String("session_id", prev.id))
		c.stopSession(prev)
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) dial(ctx context.Context, s *session, credential string) (Conn, error) {
	dialCtx, stopDial := context.WithCancel(ctx)
	defer stopDial()
	unlink := context.AfterFunc(s.ctx, stopDial)
	defer unlink()

	dialCtx, span := c.ins.tracer.Start(dialCtx, "relay.session.connect",
		trace.WithAttributes(attribute.String("session_id", s.id)))
	defer span.End()

	conn, err := c.dialer.Dial(dialCtx, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return Conn{}, err
	}
	return conn, nil
}

// abandon ends a session that never became Active.
func (c *Coordinator) abandon(s *session) {
	s.state.Store(int32(StateEnded))
	s.cancel()
	close(s.done)
}

func (c *Coordinator) run(s *session, conn Conn) {
	defer c.wg.Done()
	logger := c.logger.With(slog.String("session_id", s.id))
	c.ins.add(s.ctx, c.ins.sessionsStarted, 1)

	g, gctx := errgroup.WithContext(s.ctx)
	// Whichever task ends first cancels gctx; closing the connection then
	// releases the other from a blocked read or write.
	stopClose := context.AfterFunc(gctx, func() { _ = conn.Closer.Close() })
	defer stopClose()

	forwarder := &Forwarder{
		Queue:  s.queue,
		Sink:   conn.Sink,
		Logger: logger,
		OnForward: func(int) {
			c.ins.add(gctx, c.ins.chunksForwarded, 1)
		},
	}
	listener := &Listener{
		SessionID: s.id,
		Source:    conn.Source,
		Notifier:  c.notifier,
		Logger:    logger,
		OnSkip: func(reason string) {
			c.ins.add(gctx, c.ins.framesSkipped, 1, attribute.String("reason", reason))
			logger.Debug("inbound frame skipped", slog.String("reason", reason))
		},
		OnEmit: func(evt protocol.TranscriptEvent) {
			c.ins.add(gctx, c.ins.transcripts, 1, attribute.Bool("final", evt.IsFinal))
		},
	}

	g.Go(func() error { return orDone(forwarder.Run(gctx), errForwarderDone) })
	g.Go(func() error { return orDone(listener.Run(gctx), errListenerDone) })
	err := g.Wait()

	_ = conn.Closer.Close()
	s.state.Store(int32(StateEnded))
	s.queue.Close()
	dropped := s.queue.Drain()

	reason := endReason(err)
	ended := protocol.SessionEnded{
		SessionID: s.id,
		Reason:    reason,
		Dropped:   dropped,
		Timestamp: time.Now().UTC(),
	}
	attrs := []any{slog.String("reason", reason), slog.Int("dropped", dropped)}
	if reason == protocol.EndReasonSendError || reason == protocol.EndReasonReceiveError {
		ended.Error = err.Error()
		attrs = append(attrs, slogError(err))
	}
	logger.Info("session ended", attrs...)

	notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c.ins.add(notifyCtx, c.ins.chunksDropped, int64(dropped))
	c.ins.add(notifyCtx, c.ins.sessionsEnded, 1, attribute.String("reason", reason))
	c.notifier.SessionEnded(notifyCtx, ended)
	cancel()

	s.cancel()
	close(s.done)
}

var (
	errMissingDependency = errors.New("coordinator has no dialer or credential source")
	errForwarderDone     = errors.New("forwarder finished")
	errListenerDone      = errors.New("listener finished")
)

// orDone turns a clean return into a sentinel so the errgroup cancels the
// sibling task either way.
func orDone(err, sentinel error) error {
	if err == nil {
		return sentinel
	}
	return err
}

func endReason(err error) string {
	var sendErr *SendError
	var recvErr *ReceiveError
	switch {
	case errors.As(err, &sendErr):
		return protocol.EndReasonSendError
	case errors.As(err, &recvErr):
		if transport.IsNormalClose(recvErr.Err) {
			return protocol.EndReasonRemoteClosed
		}
		return protocol.EndReasonReceiveError
	case errors.Is(err, errForwarderDone), errors.Is(err, errListenerDone):
		return protocol.EndReasonStopped
	default:
		return protocol.EndReasonShutdown
	}
}

// Submit queues one audio chunk for the active session. It blocks while the
// queue is full. The chunk is copied, so the caller may reuse its buffer.
func (c *Coordinator) Submit(ctx context.Context, chunk []byte) error {
	return c.submit(ctx, "", chunk)
}

// SubmitSession is Submit restricted to the session with the given ID.
func (c *Coordinator) SubmitSession(ctx context.Context, id string, chunk []byte) error {
	if id == "" {
		return ErrNoSession
	}
	return c.submit(ctx, id, chunk)
}

func (c *Coordinator) submit(ctx context.Context, id string, chunk []byte) error {
	c.mu.Lock()
	var q *queue.Queue
	if c.current != nil && (id == "" || c.current.id == id) {
		q = c.current.queue
	}
	c.mu.Unlock()

	if q == nil {
		return ErrNoSession
	}
	return q.Enqueue(ctx, bytes.Clone(chunk))
}

// Stop ends the current session and waits until it reaches Ended. Audio
// already queued is forwarded before the close frame is sent.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.stop(ctx, "")
}

// StopSession is Stop restricted to the session with the given ID. It
// returns ErrNoSession when that session is no longer the current one.
func (c *Coordinator) StopSession(ctx context.Context, id string) error {
	if id == "" {
		return ErrNoSession
	}
	return c.stop(ctx, id)
}

func (c *Coordinator) stop(ctx context.Context, id string) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil || s.finished() || (id != "" && s.id != id) {
		return ErrNoSession
	}
	c.stopSession(s)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) stopSession(s *session) {
	c.mu.Lock()
	q := s.queue
	if q == nil {
		// Still connecting: Start checks s.ctx under the same lock.
		s.cancel()
	}
	c.mu.Unlock()
	if q != nil {
		q.Close()
	}
}

// Status describes the current or most recent session.
func (c *Coordinator) Status() SessionInfo {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return SessionInfo{State: StateIdle}
	}
	return c.info(s)
}

// Done returns a channel closed when the current session has fully ended, or
// nil when there is no session.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.done
}

func (c *Coordinator) info(s *session) SessionInfo {
	c.mu.Lock()
	q := s.queue
	startedAt := s.startedAt
	c.mu.Unlock()
	info := SessionInfo{ID: s.id, State: State(s.state.Load()), StartedAt: startedAt}
	if q != nil && !q.Closed() {
		info.QueueDepth = q.Len()
	}
	return info
}

func (c *Coordinator) queueDepth() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.queue == nil || c.current.queue.Closed() {
		return 0
	}
	return int64(c.current.queue.Len())
}

// Close cancels any live session, waits for its teardown and rejects
// further starts.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.ins.unregister()
}
