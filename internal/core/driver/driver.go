// Package driver keeps a state.Store in sync with an eufy-security-ws server
// and wraps the station and device commands the daemon exposes.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trymwestin/eufyws/internal/core/client"
	"github.com/trymwestin/eufyws/internal/core/protocol"
	"github.com/trymwestin/eufyws/internal/core/state"
)

// Station and device commands.
const (
	CommandStationPropertiesMetadata = "station.get_properties_metadata"
	CommandDevicePropertiesMetadata  = "device.get_properties_metadata"
	CommandStationProperties         = "station.get_properties"
	CommandDeviceProperties          = "device.get_properties"
	CommandDeviceSetProperty         = "device.set_property"
	CommandStationSetGuardMode       = "station.set_guard_mode"
	CommandDeviceStartLivestream     = "device.start_livestream"
	CommandDeviceStopLivestream      = "device.stop_livestream"
)

// Commander is the part of client.Client the driver uses.
type Commander interface {
	SendCommand(ctx context.Context, command string, args map[string]any) (json.RawMessage, error)
	SetAPISchema(ctx context.Context) error
	Subscribe(l client.Listener) client.Subscription
	Unsubscribe(sub client.Subscription)
}

// Driver mirrors server state into a Store and publishes every server event
// on the bus.
type Driver struct {
	cmd   Commander
	store *state.Store
	bus   *state.EventBus
	log   *slog.Logger

	mu  sync.Mutex
	sub client.Subscription
	on  bool
}

// New creates a driver. Nothing is sent until Start.
func New(cmd Commander, store *state.Store, bus *state.EventBus, log *slog.Logger) *Driver {
	return &Driver{
		cmd:   cmd,
		store: store,
		bus:   bus,
		log:   log,
	}
}

// Start sets the API schema, subscribes to events and sends start_listening,
// loading the returned state dump into the store. The subscription is made
// first so no event between the dump and the first listener call is lost.
func (d *Driver) Start(ctx context.Context) error {
	if err := d.cmd.SetAPISchema(ctx); err != nil {
		return fmt.Errorf("driver: %w", err)
	}

	d.mu.Lock()
	if !d.on {
		d.sub = d.cmd.Subscribe(d.handleEvent)
		d.on = true
	}
	d.mu.Unlock()

	raw, err := d.cmd.SendCommand(ctx, protocol.CommandStartListening, nil)
	if err != nil {
		d.Stop()
		return fmt.Errorf("driver: start listening: %w", err)
	}

	var res protocol.ListeningResult
	if err := json.Unmarshal(raw, &res); err != nil {
		d.Stop()
		return fmt.Errorf("driver: decode start_listening result: %w", err)
	}

	d.store.Load(res.State)
	d.store.SetConnected(true)
	return nil
}

// Stop removes the event subscription. It is safe to call more than once.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.on {
		return
	}
	d.cmd.Unsubscribe(d.sub)
	d.on = false
	d.store.SetConnected(false)
}

func (d *Driver) handleEvent(evt protocol.Event) {
	d.bus.Publish(state.Event{Type: state.EventServerEvent, Data: evt})

	switch evt.Source {
	case protocol.SourceStation, protocol.SourceDevice:
		d.handleEntityEvent(evt)
	case protocol.SourceDriver:
		d.handleDriverEvent(evt)
	}
}

func (d *Driver) handleEntityEvent(evt protocol.Event) {
	if evt.SerialNumber == "" {
		d.log.Debug("entity event without serial number", "source", evt.Source, "event", evt.Name)
		return
	}

	switch evt.Name {
	case protocol.EventPropertyChanged:
		name, value, ok := evt.Property()
		if !ok {
			d.log.Warn("malformed property changed event", "serial_number", evt.SerialNumber)
			return
		}
		d.store.SetProperty(evt.Source, evt.SerialNumber, name, value)

	case protocol.EventGuardModeChanged:
		var body struct {
			GuardMode *int `json:"guardMode"`
		}
		if err := json.Unmarshal(evt.Raw, &body); err == nil && body.GuardMode != nil {
			d.store.SetProperty(evt.Source, evt.SerialNumber, "guardMode", *body.GuardMode)
		}
	}
}

func (d *Driver) handleDriverEvent(evt protocol.Event) {
	var fn func(*state.Driver)
	switch evt.Name {
	case protocol.EventConnected:
		fn = func(s *state.Driver) { s.Connected = true }
	case protocol.EventDisconnected:
		fn = func(s *state.Driver) { s.Connected = false }
	case protocol.EventPushConnected:
		fn = func(s *state.Driver) { s.PushConnected = true }
	case protocol.EventPushDisconnected:
		fn = func(s *state.Driver) { s.PushConnected = false }
	default:
		return
	}
	d.log.Info("driver status changed", "event", evt.Name)
	d.store.UpdateDriver(fn)
}

// StationPropertiesMetadata returns the property metadata of a station.
func (d *Driver) StationPropertiesMetadata(ctx context.Context, serial string) (json.RawMessage, error) {
	return d.send(ctx, CommandStationPropertiesMetadata, map[string]any{"serialNumber": serial})
}

// DevicePropertiesMetadata returns the property metadata of a device.
func (d *Driver) DevicePropertiesMetadata(ctx context.Context, serial string) (json.RawMessage, error) {
	return d.send(ctx, CommandDevicePropertiesMetadata, map[string]any{"serialNumber": serial})
}

// StationProperties returns the current properties of a station.
func (d *Driver) StationProperties(ctx context.Context, serial string) (json.RawMessage, error) {
	return d.send(ctx, CommandStationProperties, map[string]any{"serialNumber": serial})
}

// DeviceProperties returns the current properties of a device.
func (d *Driver) DeviceProperties(ctx context.Context, serial string) (json.RawMessage, error) {
	return d.send(ctx, CommandDeviceProperties, map[string]any{"serialNumber": serial})
}

// SetDeviceProperty sets a single device property.
func (d *Driver) SetDeviceProperty(ctx context.Context, serial, name string, value any) error {
	_, err := d.send(ctx, CommandDeviceSetProperty, map[string]any{
		"serialNumber": serial,
		"name":         name,
		"value":        value,
	})
	return err
}

// SetGuardMode changes the guard mode of a station.
func (d *Driver) SetGuardMode(ctx context.Context, serial string, mode int) error {
	_, err := d.send(ctx, CommandStationSetGuardMode, map[string]any{
		"serialNumber": serial,
		"mode":         mode,
	})
	return err
}

// StartLivestream asks the server to start a device livestream.
func (d *Driver) StartLivestream(ctx context.Context, serial string) error {
	_, err := d.send(ctx, CommandDeviceStartLivestream, map[string]any{"serialNumber": serial})
	return err
}

// StopLivestream asks the server to stop a device livestream.
func (d *Driver) StopLivestream(ctx context.Context, serial string) error {
	_, err := d.send(ctx, CommandDeviceStopLivestream, map[string]any{"serialNumber": serial})
	return err
}

func (d *Driver) send(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	res, err := d.cmd.SendCommand(ctx, command, args)
	if err != nil {
		return nil, fmt.Errorf("driver: %s: %w", command, err)
	}
	return res, nil
}
