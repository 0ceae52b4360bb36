// Package ingress exposes session control and audio intake on the NATS bus
// and publishes relay notifications back onto it.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/queue"
	"github.com/loqalabs/loqa-relay/internal/relay"
	"github.com/nats-io/nats.go"
)

// Controller is the part of the relay coordinator the bus drives.
type Controller interface {
	Start(ctx context.Context) (relay.SessionInfo, error)
	Stop(ctx context.Context) error
	Submit(ctx context.Context, chunk []byte) error
	Status() relay.SessionInfo
}

const requestTimeout = 15 * time.Second

// Service answers start/stop requests and feeds audio messages into the
// active session.
type Service struct {
	ctx   context.Context
	cfg   config.IngressConfig
	bus   *bus.Client
	coord Controller
	log   *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(ctx context.Context, cfg config.IngressConfig, bus *bus.Client, coord Controller, log *slog.Logger) *Service {
	return &Service{
		ctx:   ctx,
		cfg:   cfg,
		bus:   bus,
		coord: coord,
		log:   log.With(slog.String("component", "ingress")),
	}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return errors.New("ingress requires a bus connection")
	}
	conn := s.bus.Conn()

	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{s.cfg.StartSubject, s.handleStart},
		{s.cfg.StopSubject, s.handleStop},
		{s.cfg.AudioSubject, s.handleAudio},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	// Audio is consumed in arrival order by a single callback that blocks on
	// a full session queue; let the client buffer rather than drop.
	if err := s.subs[2].SetPendingLimits(-1, -1); err != nil {
		s.log.Warn("failed to lift audio pending limits", slog.String("error", err.Error()))
	}
	if err := conn.Flush(); err != nil {
		s.unsubscribeLocked()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	s.log.Info("ingress subscribed",
		slog.String("start_subject", s.cfg.StartSubject),
		slog.String("stop_subject", s.cfg.StopSubject),
		slog.String("audio_subject", s.cfg.AudioSubject))
	return nil
}

func (s *Service) handleStart(msg *nats.Msg) {
	s.logCommand("start", msg)
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	info, err := s.coord.Start(ctx)
	if err != nil {
		s.log.Warn("bus session start failed", slog.String("error", err.Error()))
		s.respond(msg, protocol.SessionReply{State: s.coord.Status().State.String(), Error: err.Error()})
		return
	}
	s.respond(msg, protocol.SessionReply{SessionID: info.ID, State: info.State.String()})
}

func (s *Service) handleStop(msg *nats.Msg) {
	s.logCommand("stop", msg)
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	err := s.coord.Stop(ctx)
	status := s.coord.Status()
	reply := protocol.SessionReply{SessionID: status.ID, State: status.State.String()}
	if err != nil {
		reply.Error = err.Error()
	}
	s.respond(msg, reply)
}

func (s *Service) handleAudio(msg *nats.Msg) {
	if len(msg.Data) == 0 {
		return
	}
	err := s.coord.Submit(s.ctx, msg.Data)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrNoSession), errors.Is(err, queue.ErrClosed):
		s.log.Debug("audio chunk discarded", slog.String("error", err.Error()))
	default:
		s.log.Warn("audio chunk not queued", slog.String("error", err.Error()))
	}
}

func (s *Service) logCommand(kind string, msg *nats.Msg) {
	var cmd protocol.SessionCommand
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.log.Debug("ignoring malformed session command", slog.String("error", err.Error()))
		}
	}
	s.log.Info("bus session command", slog.String("command", kind), slog.String("requester", cmd.Requester))
}

func (s *Service) respond(msg *nats.Msg, reply protocol.SessionReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("encode session reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("session reply not delivered", slog.String("error", err.Error()))
	}
}

// Healthy reports whether the bus is connected and every subscription is live.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bus.Healthy() || len(s.subs) == 0 {
		return false
	}
	for _, sub := range s.subs {
		if !sub.IsValid() {
			return false
		}
	}
	return true
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
}

func (s *Service) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}
