// Package mqtt bridges the gateway to an MQTT broker. It defines the
// Publisher interface and includes both a StubPublisher (no-op) and a Bridge
// that mirrors server events and station/device properties onto topics,
// publishes Home Assistant auto-discovery configs, and relays commands
// received on {prefix}/command and the property set topics to the server.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/eufyws/internal/config"
	"github.com/trymwestin/eufyws/internal/core/client"
	"github.com/trymwestin/eufyws/internal/core/driver"
	"github.com/trymwestin/eufyws/internal/core/protocol"
	"github.com/trymwestin/eufyws/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT bridge disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Commander – abstraction over the gateway client
// ---------------------------------------------------------------------------

// Commander relays a raw command to the server.
type Commander interface {
	SendCommand(ctx context.Context, command string, args map[string]any) (json.RawMessage, error)
}

// CommandRequest is the payload accepted on {prefix}/command.
type CommandRequest struct {
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// CommandResult is published to {prefix}/command/result.
type CommandResult struct {
	ID        string          `json:"id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// ---------------------------------------------------------------------------
// Bridge – paho implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*Bridge)(nil)

// Bridge publishes availability, server events and property changes, and
// relays commands from the broker to the server.
type Bridge struct {
	cfg   config.MQTTConfig
	cmd   Commander
	store state.StateReader
	bus   *state.EventBus
	log   *slog.Logger

	commandTimeout time.Duration

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewBridge creates a new MQTT bridge.
func NewBridge(cfg config.MQTTConfig, cmd Commander, store state.StateReader, bus *state.EventBus, log *slog.Logger) *Bridge {
	return &Bridge{
		cfg:            cfg,
		cmd:            cmd,
		store:          store,
		bus:            bus,
		log:            log,
		commandTimeout: 30 * time.Second,
		stopC:          make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Availability, the command subscription and the state snapshot are
// (re)published on every broker connect.
func (b *Bridge) Start(_ context.Context) error {
	availTopic := b.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.log.Info("MQTT connected, publishing state")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.log.Warn("MQTT connection lost", "error", err)
		})

	b.client = pahomqtt.NewClient(opts)

	token := b.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	evtCh, unsub := b.bus.Subscribe(256)
	b.unsub = unsub

	b.wg.Add(1)
	go b.eventLoop(evtCh)

	b.log.Info("MQTT bridge started", "broker", b.cfg.Broker, "prefix", b.cfg.TopicPrefix)
	return nil
}

// Stop publishes offline, disconnects from the broker and stops the event loop.
func (b *Bridge) Stop(_ context.Context) error {
	b.log.Info("MQTT bridge stopping")

	close(b.stopC)
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()

	if b.client != nil && b.client.IsConnected() {
		b.publish(b.topic("status"), "offline", true)
		b.client.Disconnect(1000)
	}
	b.log.Info("MQTT bridge stopped")
	return nil
}

// onConnect is called on every (re)connect.
func (b *Bridge) onConnect() {
	b.publish(b.topic("status"), "online", true)

	cmds := map[string]pahomqtt.MessageHandler{
		b.topic("command"):                 b.handleCommandMsg,
		b.topic("station/+/guardMode/set"): b.handleSetMsg,
		b.topic("device/+/+/set"):          b.handleSetMsg,
	}
	for t, h := range cmds {
		token := b.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			b.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}

	// Home Assistant drops retained state on restart; republish when it comes back.
	b.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			b.log.Info("Home Assistant came online, re-publishing discovery and state")
			b.publishDiscovery()
			b.publishFullState()
		}
	})

	b.publishDiscovery()
	b.publishFullState()
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (b *Bridge) handleCommandMsg(_ pahomqtt.Client, msg pahomqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)

	// paho runs handlers in order; don't stall the router on a slow command.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.commandTimeout)
		defer cancel()

		res := b.processCommand(ctx, payload)
		data, err := json.Marshal(res)
		if err != nil {
			b.log.Error("failed to marshal command result", "error", err)
			return
		}
		b.publish(b.topic("command/result"), string(data), false)
	}()
}

// processCommand decodes a CommandRequest and relays it to the server.
func (b *Bridge) processCommand(ctx context.Context, payload []byte) CommandResult {
	var req CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.log.Warn("invalid MQTT command payload", "error", err)
		return CommandResult{Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	res := CommandResult{ID: req.ID, Command: req.Command}
	if req.Command == "" {
		res.Error = "missing command"
		return res
	}

	b.log.Info("MQTT command", "command", req.Command, "id", req.ID)
	result, err := b.cmd.SendCommand(ctx, req.Command, req.Args)
	if err != nil {
		b.log.Error("MQTT command failed", "command", req.Command, "error", err)
		res.Error = err.Error()
		var cerr *client.CommandError
		if errors.As(err, &cerr) {
			res.ErrorCode = cerr.Code
		}
		return res
	}
	res.Success = true
	res.Result = result
	return res
}

func (b *Bridge) handleSetMsg(_ pahomqtt.Client, msg pahomqtt.Message) {
	topic := msg.Topic()
	payload := append([]byte(nil), msg.Payload()...)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.commandTimeout)
		defer cancel()

		if err := b.processSet(ctx, topic, payload); err != nil {
			b.log.Error("MQTT set failed", "topic", topic, "error", err)
		}
	}()
}

// processSet handles {prefix}/station/{serial}/guardMode/set and
// {prefix}/device/{serial}/{property}/set.
func (b *Bridge) processSet(ctx context.Context, topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	parts := strings.Split(rest, "/")
	if !ok || len(parts) != 4 || parts[3] != "set" || parts[1] == "" {
		return fmt.Errorf("mqtt: unexpected set topic %q", topic)
	}
	src, serial, name := protocol.Source(parts[0]), parts[1], parts[2]
	value := strings.TrimSpace(string(payload))

	switch {
	case src == protocol.SourceStation && name == "guardMode":
		mode, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("mqtt: guard mode %q: %w", value, err)
		}
		b.log.Info("MQTT command: guard mode", "serial_number", serial, "mode", mode)
		_, err = b.cmd.SendCommand(ctx, driver.CommandStationSetGuardMode, map[string]any{
			"serialNumber": serial,
			"mode":         mode,
		})
		return err

	case src == protocol.SourceDevice:
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		b.log.Info("MQTT command: set property", "serial_number", serial, "name", name)
		_, err := b.cmd.SendCommand(ctx, driver.CommandDeviceSetProperty, map[string]any{
			"serialNumber": serial,
			"name":         name,
			"value":        v,
		})
		return err
	}
	return fmt.Errorf("mqtt: unsupported set topic %q", topic)
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// guardModes maps eufy guard mode values to the labels shown in Home Assistant.
var guardModes = []struct {
	value int
	label string
}{
	{0, "Away"},
	{1, "Home"},
	{2, "Schedule"},
	{3, "Custom 1"},
	{4, "Custom 2"},
	{5, "Custom 3"},
	{6, "Off"},
	{47, "Geofencing"},
	{63, "Disarmed"},
}

// discoveryProperty describes a device property exposed as an HA entity.
type discoveryProperty struct {
	property  string
	component string
	label     string
	settable  bool
	extra     map[string]any
}

var deviceProperties = []discoveryProperty{
	{property: "battery", component: "sensor", label: "Battery", extra: map[string]any{
		"device_class": "battery", "unit_of_measurement": "%", "state_class": "measurement",
	}},
	{property: "batteryTemperature", component: "sensor", label: "Battery Temperature", extra: map[string]any{
		"device_class": "temperature", "unit_of_measurement": "\u00b0C", "state_class": "measurement",
	}},
	{property: "wifiRssi", component: "sensor", label: "WiFi Signal", extra: map[string]any{
		"device_class": "signal_strength", "unit_of_measurement": "dBm", "state_class": "measurement",
	}},
	{property: "motionDetected", component: "binary_sensor", label: "Motion", extra: map[string]any{
		"device_class": "motion", "payload_on": "true", "payload_off": "false",
	}},
	{property: "personDetected", component: "binary_sensor", label: "Person", extra: map[string]any{
		"device_class": "occupancy", "payload_on": "true", "payload_off": "false",
	}},
	{property: "enabled", component: "switch", label: "Enabled", settable: true, extra: map[string]any{
		"payload_on": "true", "payload_off": "false",
	}},
	{property: "statusLed", component: "switch", label: "Status LED", settable: true, extra: map[string]any{
		"payload_on": "true", "payload_off": "false",
	}},
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, serial, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/eufy_%s_%s/config", component, serial, objectID)
}

// deviceInfo returns the HA device block for a station or device.
func deviceInfo(e state.Entity) map[string]any {
	name, _ := e.Properties["name"].(string)
	if name == "" {
		name = e.SerialNumber
	}
	info := map[string]any{
		"identifiers":  []string{e.SerialNumber},
		"name":         name,
		"manufacturer": "Eufy",
	}
	if model, ok := e.Properties["model"].(string); ok {
		info["model"] = model
	}
	return info
}

// publishDiscovery publishes configs for the gateway connection, every
// station's guard mode and the known properties of every device.
func (b *Bridge) publishDiscovery() {
	if !b.cfg.Discovery {
		return
	}
	avail := map[string]any{"topic": b.topic("status")}
	snap := b.store.Snapshot()

	b.publishDiscoveryConfig("binary_sensor", b.cfg.ClientID, "connection", map[string]any{
		"name":         "Eufy Gateway Connection",
		"unique_id":    fmt.Sprintf("eufy_%s_connection", b.cfg.ClientID),
		"state_topic":  b.topic("connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"availability": avail,
	})

	options := make([]string, 0, len(guardModes))
	var toLabel, toValue strings.Builder
	for i, m := range guardModes {
		if i > 0 {
			toLabel.WriteString(", ")
			toValue.WriteString(", ")
		}
		options = append(options, m.label)
		fmt.Fprintf(&toLabel, "%d: '%s'", m.value, m.label)
		fmt.Fprintf(&toValue, "'%s': %d", m.label, m.value)
	}

	for _, st := range snap.Stations {
		b.publishDiscoveryConfig("select", st.SerialNumber, "guard_mode", map[string]any{
			"name":             "Guard Mode",
			"unique_id":        fmt.Sprintf("eufy_%s_guard_mode", st.SerialNumber),
			"state_topic":      b.propertyTopic(protocol.SourceStation, st.SerialNumber, "guardMode"),
			"command_topic":    b.propertyTopic(protocol.SourceStation, st.SerialNumber, "guardMode") + "/set",
			"options":          options,
			"value_template":   fmt.Sprintf("{{ {%s}[value | int] }}", toLabel.String()),
			"command_template": fmt.Sprintf("{{ {%s}[value] }}", toValue.String()),
			"device":           deviceInfo(st),
			"availability":     avail,
		})
	}

	for _, d := range snap.Devices {
		for _, p := range deviceProperties {
			if _, ok := d.Properties[p.property]; !ok {
				continue
			}
			objectID := slug(p.label)
			cfg := map[string]any{
				"name":         p.label,
				"unique_id":    fmt.Sprintf("eufy_%s_%s", d.SerialNumber, objectID),
				"state_topic":  b.propertyTopic(protocol.SourceDevice, d.SerialNumber, p.property),
				"device":       deviceInfo(d),
				"availability": avail,
			}
			if p.settable {
				cfg["command_topic"] = b.propertyTopic(protocol.SourceDevice, d.SerialNumber, p.property) + "/set"
			}
			for k, v := range p.extra {
				cfg[k] = v
			}
			b.publishDiscoveryConfig(p.component, d.SerialNumber, objectID, cfg)
		}
	}
}

func (b *Bridge) publishDiscoveryConfig(component, serial, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, serial, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	b.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState publishes every known property plus connection state.
func (b *Bridge) publishFullState() {
	snap := b.store.Snapshot()

	for _, group := range [][]state.Entity{snap.Stations, snap.Devices} {
		for _, e := range group {
			for name, value := range e.Properties {
				b.publish(b.propertyTopic(e.Source, e.SerialNumber, name), formatValue(value), true)
			}
		}
	}
	b.publishDriver(snap.Driver)
	b.publish(b.topic("connection/state"), boolToOnOff(snap.Connected), true)
}

func (b *Bridge) publishDriver(d state.Driver) {
	data, err := json.Marshal(d)
	if err != nil {
		b.log.Error("failed to marshal driver state", "error", err)
		return
	}
	b.publish(b.topic("driver/state"), string(data), true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (b *Bridge) eventLoop(ch <-chan state.Event) {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b.handleEvent(evt)
		}
	}
}

func (b *Bridge) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventServerEvent:
		se, ok := evt.Data.(protocol.Event)
		if !ok {
			b.log.Warn("unexpected data type for server_event")
			return
		}
		data, err := json.Marshal(se)
		if err != nil {
			b.log.Error("failed to marshal event", "event", se.Name, "error", err)
			return
		}
		b.publish(b.eventTopic(se), string(data), false)

	case state.EventPropertyUpdate:
		pu, ok := evt.Data.(state.PropertyUpdate)
		if !ok {
			b.log.Warn("unexpected data type for property_update")
			return
		}
		b.publish(b.propertyTopic(pu.Source, pu.SerialNumber, pu.Name), formatValue(pu.Value), true)

	case state.EventDriverUpdate:
		d, ok := evt.Data.(state.Driver)
		if !ok {
			b.log.Warn("unexpected data type for driver_update")
			return
		}
		b.publishDriver(d)

	case state.EventConnected:
		// stations and devices are known once start_listening has returned
		b.publishDiscovery()
		b.publishFullState()

	case state.EventDisconnected:
		b.publish(b.topic("connection/state"), "OFF", true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{suffix}.
func (b *Bridge) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", b.cfg.TopicPrefix, suffix)
}

// eventTopic is {prefix}/{source}/{serial}/event/{slug}. Events without a
// serial number (server, driver) drop that level.
func (b *Bridge) eventTopic(evt protocol.Event) string {
	if evt.SerialNumber == "" {
		return b.topic(fmt.Sprintf("%s/event/%s", evt.Source, slug(evt.Name)))
	}
	return b.topic(fmt.Sprintf("%s/%s/event/%s", evt.Source, evt.SerialNumber, slug(evt.Name)))
}

// propertyTopic is {prefix}/{source}/{serial}/{property}.
func (b *Bridge) propertyTopic(src protocol.Source, serial, name string) string {
	return b.topic(fmt.Sprintf("%s/%s/%s", src, serial, name))
}

// slug turns an event name like "property changed" into "property_changed".
func slug(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r == ' ', r == '-', r == '.':
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// formatValue renders strings bare and everything else as JSON.
func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (b *Bridge) publish(topic, payload string, retained bool) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
