package client

import (
	"errors"
	"fmt"
)

var (
	// ErrCannotConnect means the server was unreachable or refused the handshake.
	ErrCannotConnect = errors.New("client: cannot connect")
	// ErrAlreadyConnected is returned by Connect while a connection is open or opening.
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrNotConnected is returned by commands issued without an open connection.
	ErrNotConnected = errors.New("client: not connected")
	// ErrConnectionClosed fails every command outstanding when the socket closes.
	ErrConnectionClosed = errors.New("client: connection closed")
	// ErrTimeout fails a single command whose configured timeout expired.
	ErrTimeout = errors.New("client: command timed out")
	// ErrInvalidMessage means the server sent a frame that is not a JSON message.
	ErrInvalidMessage = errors.New("client: invalid message")
	// ErrInvalidServerVersion means the server's schema range does not overlap ours.
	ErrInvalidServerVersion = errors.New("client: incompatible server version")
	// ErrCommandFailed matches every *CommandError via errors.Is.
	ErrCommandFailed = errors.New("client: command failed")
)

// CommandError is returned when the server answers a command with success=false.
type CommandError struct {
	MessageID string
	Code      string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("client: command %s failed: %s", e.MessageID, e.Code)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }
