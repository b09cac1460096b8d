// Package protocol defines the JSON messages exchanged with an
// eufy-security-ws server. Only the envelope fields the client acts on are
// typed; everything else is carried as raw JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Schema versions this client can speak.
const (
	MinSchemaVersion = 1
	MaxSchemaVersion = 2
)

// MessageType discriminates incoming messages.
type MessageType string

const (
	TypeVersion MessageType = "version"
	TypeResult  MessageType = "result"
	TypeEvent   MessageType = "event"
)

// Commands issued by the client and driver themselves.
const (
	CommandSetAPISchema   = "set_api_schema"
	CommandStartListening = "start_listening"
)

// Source identifies which part of the server emitted an event.
type Source string

const (
	SourceServer  Source = "server"
	SourceDriver  Source = "driver"
	SourceStation Source = "station"
	SourceDevice  Source = "device"
)

// Well-known event names.
const (
	EventPropertyChanged   = "property changed"
	EventConnected         = "connected"
	EventDisconnected      = "disconnected"
	EventPushConnected     = "push connected"
	EventPushDisconnected  = "push disconnected"
	EventGuardModeChanged  = "guard mode changed"
	EventLivestreamStarted = "livestream started"
	EventLivestreamStopped = "livestream stopped"
)

// Command is an outgoing request. Args are flattened into the top-level
// JSON object next to messageId and command.
type Command struct {
	MessageID string
	Command   string
	Args      map[string]any
}

// MarshalJSON implements json.Marshaler. messageId and command always win
// over args with the same key.
func (c Command) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Args)+2)
	for k, v := range c.Args {
		m[k] = v
	}
	m["messageId"] = c.MessageID
	m["command"] = c.Command
	return json.Marshal(m)
}

// Envelope is the decoded form of any incoming frame.
type Envelope struct {
	Type MessageType

	// result
	MessageID string
	Success   bool
	Result    json.RawMessage
	ErrorCode string

	// event
	Event json.RawMessage

	// version
	DriverVersion    string
	ServerVersion    string
	MinSchemaVersion int
	MaxSchemaVersion int
}

var (
	// ErrMissingType is returned by Decode for frames without a "type" field.
	ErrMissingType = errors.New("protocol: message has no type")
	// ErrMalformed is returned by Decode for well-formed JSON that is not a
	// usable message, such as a non-object frame or a non-string type.
	ErrMalformed = errors.New("protocol: malformed message")
)

// Decode parses a single text frame. Only a JSON syntax error is reported
// as a plain decode error; wrong field types never are. messageId and
// errorCode are normalized to strings, other mistyped fields read as zero.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return Envelope{}, fmt.Errorf("protocol: decode: %w", err)
	}

	raw, ok := fields["type"]
	if !ok || isNull(raw) {
		return Envelope{}, ErrMissingType
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env.Type); err != nil {
		return Envelope{}, fmt.Errorf("%w: type: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}

	env.MessageID = stringField(fields["messageId"])
	env.ErrorCode = stringField(fields["errorCode"])
	field(fields, "success", &env.Success)
	env.Result = rawField(fields["result"])
	env.Event = rawField(fields["event"])
	field(fields, "driverVersion", &env.DriverVersion)
	field(fields, "serverVersion", &env.ServerVersion)
	field(fields, "minSchemaVersion", &env.MinSchemaVersion)
	field(fields, "maxSchemaVersion", &env.MaxSchemaVersion)
	return env, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// field decodes fields[key] into dst and leaves dst untouched on a type mismatch.
func field[T any](fields map[string]json.RawMessage, key string, dst *T) {
	raw := fields[key]
	if isNull(raw) {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
	}
}

// stringField returns a JSON string unquoted and any other scalar as its
// literal text, so 7 and "7" read the same.
func stringField(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func rawField(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return nil
	}
	return raw
}

// Version is the greeting the server sends right after the handshake.
type Version struct {
	DriverVersion    string `json:"driverVersion"`
	ServerVersion    string `json:"serverVersion"`
	MinSchemaVersion int    `json:"minSchemaVersion"`
	MaxSchemaVersion int    `json:"maxSchemaVersion"`
}

// Version extracts the greeting fields. Missing schema versions read as 0.
func (e Envelope) Version() Version {
	return Version{
		DriverVersion:    e.DriverVersion,
		ServerVersion:    e.ServerVersion,
		MinSchemaVersion: e.MinSchemaVersion,
		MaxSchemaVersion: e.MaxSchemaVersion,
	}
}

// Result is a response correlated to a Command by MessageID.
type Result struct {
	MessageID string
	Success   bool
	Result    json.RawMessage
	ErrorCode string
}

// AsResult extracts the response fields.
func (e Envelope) AsResult() Result {
	return Result{
		MessageID: e.MessageID,
		Success:   e.Success,
		Result:    e.Result,
		ErrorCode: e.ErrorCode,
	}
}

// Event is a server-pushed notification. Raw holds the complete event
// object as received.
type Event struct {
	Source       Source `json:"source"`
	Name         string `json:"event"`
	SerialNumber string `json:"serialNumber,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// AsEvent decodes the event body of an event envelope.
func (e Envelope) AsEvent() (Event, error) {
	if len(e.Event) == 0 {
		return Event{}, errors.New("protocol: event message has no body")
	}
	var evt Event
	if err := json.Unmarshal(e.Event, &evt); err != nil {
		return Event{}, fmt.Errorf("protocol: decode event: %w", err)
	}
	evt.Raw = append(json.RawMessage(nil), e.Event...)
	return evt, nil
}

// MarshalJSON returns the raw event object so listeners that re-publish an
// event forward exactly what the server sent.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	type plain Event
	return json.Marshal(plain(e))
}

// Property returns name and value of a "property changed" event.
func (e Event) Property() (name string, value any, ok bool) {
	if e.Name != EventPropertyChanged || len(e.Raw) == 0 {
		return "", nil, false
	}
	var body struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(e.Raw, &body); err != nil || body.Name == "" {
		return "", nil, false
	}
	return body.Name, body.Value, true
}

// ListeningResult is the result of start_listening.
type ListeningResult struct {
	State ServerState `json:"state"`
}

// ServerState is the full state dump returned by start_listening.
type ServerState struct {
	Driver   DriverState      `json:"driver"`
	Stations []map[string]any `json:"stations"`
	Devices  []map[string]any `json:"devices"`
}

// DriverState describes the eufy-security-client driver inside the server.
type DriverState struct {
	Version       string `json:"version"`
	Connected     bool   `json:"connected"`
	PushConnected bool   `json:"pushConnected"`
}
