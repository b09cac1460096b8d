// Package eufyws provides a public facade re-exporting core types
// for external consumers of this module.
package eufyws

import (
	"context"

	"github.com/trymwestin/eufyws/internal/core/client"
	"github.com/trymwestin/eufyws/internal/core/driver"
	"github.com/trymwestin/eufyws/internal/core/protocol"
	"github.com/trymwestin/eufyws/internal/core/state"
	"github.com/trymwestin/eufyws/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Client manages the WebSocket connection to an eufy-security-ws server.
	Client = client.Client
	// Option configures a Client.
	Option = client.Option
	// Listener receives server-pushed events.
	Listener = client.Listener
	// Subscription identifies a registered Listener.
	Subscription = client.Subscription
	// CommandError is returned when the server reports a failed command.
	CommandError = client.CommandError
	// Event is a server-pushed notification.
	Event = protocol.Event
	// Version is the server's greeting.
	Version = protocol.Version
	// Driver mirrors server state into a Store.
	Driver = driver.Driver
	// Store holds the mirrored stations, devices and driver status.
	Store = state.Store
	// EventBus fans state changes out to subscribers.
	EventBus = state.EventBus
	// State is a snapshot of all mirrored state.
	State = state.State
	// Entity is a station or device.
	Entity = state.Entity
	// Dialer creates WebSocket connections.
	Dialer = transport.Dialer
	// Conn represents a WebSocket connection.
	Conn = transport.Conn
)

// Client errors.
var (
	ErrCannotConnect        = client.ErrCannotConnect
	ErrAlreadyConnected     = client.ErrAlreadyConnected
	ErrNotConnected         = client.ErrNotConnected
	ErrConnectionClosed     = client.ErrConnectionClosed
	ErrTimeout              = client.ErrTimeout
	ErrInvalidMessage       = client.ErrInvalidMessage
	ErrInvalidServerVersion = client.ErrInvalidServerVersion
	ErrCommandFailed        = client.ErrCommandFailed
)

// Options.
var (
	WithDialer         = client.WithDialer
	WithLogger         = client.WithLogger
	WithCommandTimeout = client.WithCommandTimeout
	WithHeartbeat      = client.WithHeartbeat
	WithSchemaVersion  = client.WithSchemaVersion
)

// Event sources.
const (
	SourceServer  = protocol.SourceServer
	SourceDriver  = protocol.SourceDriver
	SourceStation = protocol.SourceStation
	SourceDevice  = protocol.SourceDevice
)

// Event names for Client.SubscribeEvent and Client.Once.
const (
	EventPropertyChanged   = protocol.EventPropertyChanged
	EventConnected         = protocol.EventConnected
	EventDisconnected      = protocol.EventDisconnected
	EventPushConnected     = protocol.EventPushConnected
	EventPushDisconnected  = protocol.EventPushDisconnected
	EventGuardModeChanged  = protocol.EventGuardModeChanged
	EventLivestreamStarted = protocol.EventLivestreamStarted
	EventLivestreamStopped = protocol.EventLivestreamStopped
)

// NewClient creates a client for the server at uri.
func NewClient(uri string, opts ...Option) *Client {
	return client.New(uri, opts...)
}

// ServerVersion reads the greeting of the server at uri without keeping the
// connection open.
func ServerVersion(ctx context.Context, uri string) (Version, error) {
	return client.ServerVersion(ctx, uri, nil)
}
