// Package transport dials the remote transcription WebSocket and splits the
// connection into independently owned send and receive halves.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/config"
)

// FrameType distinguishes text and binary WebSocket messages.
type FrameType int

const (
	FrameText   FrameType = websocket.TextMessage
	FrameBinary FrameType = websocket.BinaryMessage
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "frame(" + strconv.Itoa(int(t)) + ")"
	}
}

// Frame is one WebSocket message received from the remote service.
type Frame struct {
	Type FrameType
	Data []byte
}

// DialError reports a failed connection attempt. StatusCode is set when the
// server answered the handshake with a non-101 response.
type DialError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial %s: handshake status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial %s: %v", e.Endpoint, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// ErrAlreadySplit is returned when Split is called twice on one Duplex.
var ErrAlreadySplit = errors.New("duplex already split")

// Connector opens authenticated connections to the configured endpoint.
type Connector struct {
	endpoint string
	dialer   *websocket.Dialer
}

// NewConnector builds the endpoint URL from cfg once; every Connect reuses it.
func NewConnector(cfg config.DeepgramConfig) (*Connector, error) {
	endpoint, err := BuildEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeoutMS > 0 {
		dialer.HandshakeTimeout = time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond
	}
	return &Connector{endpoint: endpoint, dialer: &dialer}, nil
}

// Endpoint returns the URL, query string included, with any userinfo removed.
func (c *Connector) Endpoint() string { return redact(c.endpoint) }

// Connect performs the WebSocket handshake with an
// "Authorization: Token <credential>" header.
func (c *Connector) Connect(ctx context.Context, credential string) (*Duplex, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+credential)

	ws, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		dialErr := &DialError{Endpoint: redact(c.endpoint), Err: err}
		if resp != nil {
			dialErr.StatusCode = resp.StatusCode
			resp.Body.Close()
		}
		return nil, dialErr
	}
	return &Duplex{ws: ws}, nil
}

// BuildEndpoint appends the transcription parameters from cfg to the
// configured endpoint. Parameters already present on the endpoint URL are
// kept unless cfg overrides them.
func BuildEndpoint(cfg config.DeepgramConfig) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint scheme %q is not ws or wss", u.Scheme)
	}

	q := u.Query()
	setString(q, "model", cfg.Model)
	setString(q, "language", cfg.Language)
	setString(q, "encoding", cfg.Encoding)
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMS))
	}
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("numerals", strconv.FormatBool(cfg.Numerals))
	q.Set("vad_events", strconv.FormatBool(cfg.VADEvents))

	keys := make([]string, 0, len(cfg.ExtraParams))
	for k := range cfg.ExtraParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, cfg.ExtraParams[k])
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func setString(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

// redact drops userinfo so errors never echo embedded credentials.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid endpoint>"
	}
	u.User = nil
	return u.String()
}

// Duplex is one open connection. Split hands out the send and receive halves
// exactly once; Close tears down both.
type Duplex struct {
	ws        *websocket.Conn
	splitOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Split returns the two halves of the connection. The Sink is the only
// writer and the Source the only reader, so neither blocks the other.
func (d *Duplex) Split() (*Sink, *Source, error) {
	var sink *Sink
	var source *Source
	d.splitOnce.Do(func() {
		sink = &Sink{ws: d.ws}
		source = &Source{ws: d.ws}
	})
	if sink == nil {
		return nil, nil, ErrAlreadySplit
	}
	return sink, source, nil
}

// Close closes the underlying connection, unblocking any pending Send or
// Receive. It is safe to call more than once.
func (d *Duplex) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.ws.Close()
	})
	return d.closeErr
}

// Sink is the outbound half.
type Sink struct {
	ws *websocket.Conn
}

// Send writes data as a single binary frame. A deadline on ctx becomes the
// write deadline.
func (s *Sink) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := s.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}

// CloseSend tells the remote side no more audio follows.
func (s *Sink) CloseSend() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished")
	return s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Source is the inbound half.
type Source struct {
	ws *websocket.Conn
}

// Receive blocks until the next frame arrives or the connection fails.
func (s *Source) Receive() (Frame, error) {
	kind, data, err := s.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameType(kind), Data: data}, nil
}

// IsNormalClose reports whether err is a clean close from the remote peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
