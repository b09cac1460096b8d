// Package client implements the gateway client for an eufy-security-ws
// server: one WebSocket connection, commands correlated to results by
// message id, and server-pushed events fanned out to listeners.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/trymwestin/eufyws/internal/core/protocol"
	"github.com/trymwestin/eufyws/internal/core/transport"
	"github.com/trymwestin/eufyws/internal/tracer"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Listener receives events pushed by the server. Listeners run on the read
// loop: a slow listener delays every other message. A listener must not call
// Disconnect, and must issue commands from another goroutine since the read
// loop cannot deliver their results while it is blocked in the listener.
type Listener func(protocol.Event)

// Subscription identifies a registered Listener.
type Subscription uint64

type listener struct {
	fn    Listener
	event string // empty matches every event
	once  bool
}

type reply struct {
	result protocol.Result
	err    error
}

// session holds what belongs to a single open connection.
type session struct {
	conn   transport.Conn
	done   chan struct{}
	cancel context.CancelFunc
}

// Client manages the WebSocket connection to an eufy-security-ws server.
type Client struct {
	uri       string
	dialer    transport.Dialer
	log       *slog.Logger
	timeout   time.Duration
	heartbeat time.Duration
	maxSchema int

	mu      sync.Mutex // guards everything below up to msgID
	state   connState
	sess    *session
	version protocol.Version
	schema  int
	done    chan struct{}
	err     error

	msgID atomic.Int64

	// pending tracks message IDs waiting for a result
	pending   map[string]chan reply
	pendingMu sync.Mutex

	listeners   map[Subscription]listener
	listenersMu sync.Mutex
	nextSub     atomic.Uint64
}

// New creates a client for the server at uri (e.g. ws://localhost:3000).
// No connection is opened until Connect.
func New(uri string, opts ...Option) *Client {
	done := make(chan struct{})
	close(done)

	c := &Client{
		uri:       uri,
		log:       slog.Default(),
		maxSchema: protocol.MaxSchemaVersion,
		done:      done,
		pending:   make(map[string]chan reply),
		listeners: make(map[Subscription]listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = transport.NewWSDialer(c.log)
	}
	return c
}

// Connect dials the server, reads its version greeting, negotiates the
// schema version and starts the read loop. There is no automatic
// reconnection: after the connection drops, call Connect again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if st := c.state; st != stateDisconnected {
		c.mu.Unlock()
		c.log.Debug("connect called on open client", "state", st.String())
		return ErrAlreadyConnected
	}
	c.state = stateConnecting
	c.mu.Unlock()

	c.log.Debug("connecting to websocket server", "url", c.uri)

	conn, version, schema, err := c.open(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return err
	}

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	sess := &session{conn: conn, done: make(chan struct{}), cancel: cancel}

	c.mu.Lock()
	c.sess = sess
	c.version = version
	c.schema = schema
	c.done = sess.done
	c.err = nil
	c.state = stateConnected
	c.mu.Unlock()

	go c.readLoop(sess)
	if c.heartbeat > 0 {
		go c.keepaliveLoop(keepaliveCtx, sess)
	}

	c.log.Info("connected to websocket server",
		"url", c.uri,
		"server_version", version.ServerVersion,
		"driver_version", version.DriverVersion,
		"schema_version", schema,
	)
	return nil
}

func (c *Client) open(ctx context.Context) (transport.Conn, protocol.Version, int, error) {
	conn, err := c.dialer.Dial(ctx, c.uri)
	if err != nil {
		return nil, protocol.Version{}, 0, fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}

	version, err := readVersion(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, protocol.Version{}, 0, err
	}

	schema, err := negotiateSchema(version, c.maxSchema)
	if err != nil {
		conn.Close()
		return nil, protocol.Version{}, 0, err
	}
	return conn, version, schema, nil
}

// readVersion waits for the greeting the server sends after the handshake.
func readVersion(ctx context.Context, conn transport.Conn) (protocol.Version, error) {
	type frame struct {
		data []byte
		err  error
	}
	ch := make(chan frame, 1)
	go func() {
		data, err := conn.Recv(ctx)
		ch <- frame{data, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return protocol.Version{}, ctx.Err()
	case f := <-ch:
		if f.err != nil {
			if errors.Is(f.err, transport.ErrBinaryFrame) {
				return protocol.Version{}, fmt.Errorf("%w: %w", ErrInvalidMessage, f.err)
			}
			return protocol.Version{}, fmt.Errorf("%w: read version: %w", ErrCannotConnect, f.err)
		}
		env, err := protocol.Decode(f.data)
		if err != nil {
			return protocol.Version{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		if env.Type != protocol.TypeVersion {
			return protocol.Version{}, fmt.Errorf("%w: expected version message, got %q", ErrInvalidMessage, env.Type)
		}
		return env.Version(), nil
	}
}

// negotiateSchema picks the highest schema both sides support.
func negotiateSchema(v protocol.Version, clientMax int) (int, error) {
	if v.MinSchemaVersion > clientMax || v.MaxSchemaVersion < protocol.MinSchemaVersion {
		return 0, fmt.Errorf("%w: server %s supports schema %d-%d, client supports %d-%d",
			ErrInvalidServerVersion, v.ServerVersion,
			v.MinSchemaVersion, v.MaxSchemaVersion,
			protocol.MinSchemaVersion, clientMax)
	}
	return min(clientMax, v.MaxSchemaVersion), nil
}

// Disconnect closes the connection, fails every pending command with
// ErrConnectionClosed and waits for the read loop to exit. It is a no-op
// when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return
	}
	c.teardown(sess, nil)
	<-sess.done
}

// teardown ends sess if it is still the current session. cause is nil for
// a caller-initiated disconnect.
func (c *Client) teardown(sess *session, cause error) bool {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return false
	}
	c.sess = nil
	c.state = stateDisconnected
	c.err = cause
	failed := c.failPending()
	c.mu.Unlock()

	sess.cancel()
	sess.conn.Close()

	if cause != nil {
		c.log.Warn("websocket connection lost", "url", c.uri, "error", cause, "failed_commands", failed)
	} else {
		c.log.Info("disconnected from websocket server", "url", c.uri, "failed_commands", failed)
	}
	return true
}

// failPending must be called with c.mu held so no command can register
// against a session that is going away.
func (c *Client) failPending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	n := len(c.pending)
	for id, ch := range c.pending {
		ch <- reply{err: ErrConnectionClosed}
		delete(c.pending, id)
	}
	return n
}

// SendCommand sends command with args and waits for its result. It returns
// the raw "result" object on success and a *CommandError when the server
// reports a failure.
func (c *Client) SendCommand(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "eufyws.command",
		trace.WithAttributes(tracer.StringAttr("eufy.command", command)),
	)
	defer span.End()

	result, err := c.sendCommand(ctx, command, args)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return result, nil
}

func (c *Client) sendCommand(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.sess.conn
	id := c.nextMessageID()

	respCh := make(chan reply, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	c.mu.Unlock()

	defer c.removePending(id)

	trace.SpanFromContext(ctx).SetAttributes(tracer.StringAttr("eufy.message_id", id))

	c.log.Debug("sending command", "command", command, "message_id", id)
	msg := protocol.Command{MessageID: id, Command: command, Args: args}
	if err := conn.Send(ctx, msg); err != nil {
		c.log.Error("failed to send command", "command", command, "message_id", id, "error", err)
		if errors.Is(err, transport.ErrClosed) {
			return nil, fmt.Errorf("client: send %s: %w", command, ErrConnectionClosed)
		}
		return nil, fmt.Errorf("client: send %s: %w", command, err)
	}

	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-respCh:
		if r.err != nil {
			return nil, r.err
		}
		if !r.result.Success {
			return nil, &CommandError{MessageID: id, Code: r.result.ErrorCode}
		}
		return r.result.Result, nil
	case <-expired:
		return nil, fmt.Errorf("client: %s (message %s): %w", command, id, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendCommandNoWait sends a command without waiting for its result. A
// result arriving later is dropped.
func (c *Client) SendCommandNoWait(ctx context.Context, command string, args map[string]any) error {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.sess.conn
	id := c.nextMessageID()
	c.mu.Unlock()

	c.log.Debug("sending command (no wait)", "command", command, "message_id", id)
	if err := conn.Send(ctx, protocol.Command{MessageID: id, Command: command, Args: args}); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("client: send %s: %w", command, ErrConnectionClosed)
		}
		return fmt.Errorf("client: send %s: %w", command, err)
	}
	return nil
}

// SetAPISchema tells the server which schema version to use for this
// connection.
func (c *Client) SetAPISchema(ctx context.Context) error {
	_, err := c.SendCommand(ctx, protocol.CommandSetAPISchema, map[string]any{
		"schemaVersion": c.SchemaVersion(),
	})
	if err != nil {
		return fmt.Errorf("client: set api schema: %w", err)
	}
	return nil
}

// RequireSchema reports ErrInvalidServerVersion when a command needs a newer
// schema than the one negotiated.
func (c *Client) RequireSchema(v int) error {
	if schema := c.SchemaVersion(); v > schema {
		return fmt.Errorf("%w: command requires schema %d, negotiated %d", ErrInvalidServerVersion, v, schema)
	}
	return nil
}

// Subscribe registers l for every incoming event.
func (c *Client) Subscribe(l Listener) Subscription {
	return c.addListener(listener{fn: l})
}

// SubscribeEvent registers l for events named event, e.g. "motion detected".
func (c *Client) SubscribeEvent(event string, l Listener) Subscription {
	return c.addListener(listener{fn: l, event: event})
}

// Once registers l for the next event named event, or the next event of any
// name when event is empty. The listener is removed before it runs.
func (c *Client) Once(event string, l Listener) Subscription {
	return c.addListener(listener{fn: l, event: event, once: true})
}

func (c *Client) addListener(l listener) Subscription {
	sub := Subscription(c.nextSub.Add(1))
	c.listenersMu.Lock()
	c.listeners[sub] = l
	c.listenersMu.Unlock()
	return sub
}

// Unsubscribe removes a listener. Unknown subscriptions are ignored.
func (c *Client) Unsubscribe(sub Subscription) {
	c.listenersMu.Lock()
	delete(c.listeners, sub)
	c.listenersMu.Unlock()
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Version returns the greeting of the current or last connection.
func (c *Client) Version() protocol.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// SchemaVersion returns the negotiated schema version.
func (c *Client) SchemaVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

// URI returns the server address.
func (c *Client) URI() string { return c.uri }

// Done is closed when the current connection's read loop exits.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the last connection ended, or nil after Disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) nextMessageID() string {
	return strconv.FormatInt(c.msgID.Add(1), 10)
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Client) keepaliveLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.conn.Ping(); err != nil {
				c.teardown(sess, fmt.Errorf("%w: keepalive: %w", ErrConnectionClosed, err))
				return
			}
			c.log.Debug("keepalive ping sent")
		}
	}
}

func (c *Client) readLoop(sess *session) {
	defer close(sess.done)

	for {
		data, err := sess.conn.Recv(context.Background())
		if err != nil {
			if errors.Is(err, transport.ErrBinaryFrame) {
				err = fmt.Errorf("%w: %w", ErrInvalidMessage, err)
			} else {
				err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			}
			c.teardown(sess, err)
			return
		}

		env, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrMissingType) {
			c.log.Debug("ignoring message without type", "data", string(data))
			continue
		}
		if errors.Is(err, protocol.ErrMalformed) {
			c.log.Debug("ignoring malformed message", "error", err, "data", string(data))
			continue
		}
		if err != nil {
			c.teardown(sess, fmt.Errorf("%w: %w", ErrInvalidMessage, err))
			return
		}

		c.handleMessage(env)
	}
}

func (c *Client) handleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResult:
		c.handleResult(env.AsResult())

	case protocol.TypeEvent:
		evt, err := env.AsEvent()
		if err != nil {
			c.log.Warn("dropping malformed event", "error", err)
			return
		}
		c.dispatch(evt)

	case protocol.TypeVersion:
		c.log.Debug("ignoring repeated version message")

	default:
		c.log.Debug("received message with unknown type", "type", env.Type)
	}
}

func (c *Client) handleResult(res protocol.Result) {
	c.pendingMu.Lock()
	ch, ok := c.pending[res.MessageID]
	if ok {
		delete(c.pending, res.MessageID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("dropping result for unknown message id", "message_id", res.MessageID)
		return
	}

	c.log.Debug("received result", "message_id", res.MessageID, "success", res.Success)
	ch <- reply{result: res}
}

func (c *Client) dispatch(evt protocol.Event) {
	c.listenersMu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for sub, l := range c.listeners {
		if l.event != "" && l.event != evt.Name {
			continue
		}
		if l.once {
			delete(c.listeners, sub)
		}
		ls = append(ls, l.fn)
	}
	c.listenersMu.Unlock()

	c.log.Debug("received event",
		"source", evt.Source,
		"event", evt.Name,
		"serial_number", evt.SerialNumber,
		"listeners", len(ls),
	)

	for _, l := range ls {
		c.invoke(l, evt)
	}
}

func (c *Client) invoke(l Listener, evt protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event listener panicked", "event", evt.Name, "panic", r)
		}
	}()
	l(evt)
}
