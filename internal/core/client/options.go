package client

import (
	"log/slog"
	"time"

	"github.com/trymwestin/eufyws/internal/core/transport"
)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the default gorilla WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithCommandTimeout fails commands that get no response within d.
// Zero (the default) waits until the context is done or the connection closes.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHeartbeat sets the interval between WebSocket pings. Zero disables pings.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithSchemaVersion caps the API schema version negotiated with the server.
func WithSchemaVersion(v int) Option {
	return func(c *Client) { c.maxSchema = v }
}
