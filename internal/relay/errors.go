package relay

import (
	"errors"
	"log/slog"
)

var (
	// ErrSessionActive is returned by Start under the reject policy while a
	// previous session has not fully ended.
	ErrSessionActive = errors.New("relay: session already active")
	// ErrNoSession is returned by Submit and Stop when nothing is running.
	ErrNoSession = errors.New("relay: no active session")
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("relay: coordinator closed")
)

// ConfigError means the session could not start because configuration, such
// as the credential, is missing.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return "relay config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError means the transport could not be established.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string { return "relay connect: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError ends a session when an outbound frame cannot be written.
type SendError struct{ Err error }

func (e *SendError) Error() string { return "relay send: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError ends a session when the inbound stream fails or closes.
type ReceiveError struct{ Err error }

func (e *ReceiveError) Error() string { return "relay receive: " + e.Err.Error() }
func (e *ReceiveError) Unwrap() error { return e.Err }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
