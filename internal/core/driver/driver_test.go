package driver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/eufyws/internal/core/client"
	"github.com/trymwestin/eufyws/internal/core/protocol"
	"github.com/trymwestin/eufyws/internal/core/state"
)

type sentCommand struct {
	command string
	args    map[string]any
}

type fakeCommander struct {
	mu        sync.Mutex
	sent      []sentCommand
	results   map[string]json.RawMessage
	errs      map[string]error
	schemaErr error
	listeners map[client.Subscription]client.Listener
	nextSub   client.Subscription
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		results:   make(map[string]json.RawMessage),
		errs:      make(map[string]error),
		listeners: make(map[client.Subscription]client.Listener),
	}
}

func (f *fakeCommander) SendCommand(_ context.Context, command string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{command, args})
	if err := f.errs[command]; err != nil {
		return nil, err
	}
	return f.results[command], nil
}

func (f *fakeCommander) SetAPISchema(context.Context) error { return f.schemaErr }

func (f *fakeCommander) Subscribe(l client.Listener) client.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	f.listeners[f.nextSub] = l
	return f.nextSub
}

func (f *fakeCommander) Unsubscribe(sub client.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, sub)
}

func (f *fakeCommander) emit(t *testing.T, raw string) {
	t.Helper()
	env, err := protocol.Decode([]byte(`{"type":"event","event":` + raw + `}`))
	require.NoError(t, err)
	evt, err := env.AsEvent()
	require.NoError(t, err)

	f.mu.Lock()
	ls := make([]client.Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(evt)
	}
}

func (f *fakeCommander) last() sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

const listeningResult = `{"state":{
	"driver":{"version":"2.4.0","connected":true,"pushConnected":false},
	"stations":[{"serialNumber":"T8010N","name":"Home","guardMode":1}],
	"devices":[{"serialNumber":"T8113N","name":"Door","battery":80}]}}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func started(t *testing.T) (*Driver, *fakeCommander, *state.Store, <-chan state.Event) {
	t.Helper()
	fc := newFakeCommander()
	fc.results[protocol.CommandStartListening] = json.RawMessage(listeningResult)

	bus := state.NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	store := state.NewStore(bus, testLogger())

	d := New(fc, store, bus, testLogger())
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d, fc, store, ch
}

func waitFor(t *testing.T, ch <-chan state.Event, typ state.EventType) state.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return state.Event{}
		}
	}
}

func TestStart_LoadsState(t *testing.T) {
	_, fc, store, _ := started(t)

	assert.Equal(t, protocol.CommandStartListening, fc.last().command)

	snap := store.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, "2.4.0", snap.Driver.Version)
	require.Len(t, snap.Stations, 1)
	require.Len(t, snap.Devices, 1)
	assert.EqualValues(t, 80, snap.Devices[0].Properties["battery"])
}

func TestStart_SchemaError(t *testing.T) {
	fc := newFakeCommander()
	fc.schemaErr = client.ErrNotConnected
	bus := state.NewEventBus(testLogger())

	d := New(fc, state.NewStore(bus, testLogger()), bus, testLogger())
	err := d.Start(context.Background())
	assert.ErrorIs(t, err, client.ErrNotConnected)
	assert.Empty(t, fc.listeners)
}

func TestStart_StartListeningFails(t *testing.T) {
	fc := newFakeCommander()
	fc.errs[protocol.CommandStartListening] = &client.CommandError{MessageID: "2", Code: "schema_incompatible"}
	bus := state.NewEventBus(testLogger())

	d := New(fc, state.NewStore(bus, testLogger()), bus, testLogger())
	err := d.Start(context.Background())

	var cerr *client.CommandError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "schema_incompatible", cerr.Code)
	assert.Empty(t, fc.listeners, "failed start must unsubscribe")
}

func TestPropertyChangedUpdatesStore(t *testing.T) {
	_, fc, store, ch := started(t)

	fc.emit(t, `{"source":"device","event":"property changed","serialNumber":"T8113N","name":"battery","value":75}`)

	evt := waitFor(t, ch, state.EventServerEvent)
	se, ok := evt.Data.(protocol.Event)
	require.True(t, ok)
	assert.Equal(t, "T8113N", se.SerialNumber)

	waitFor(t, ch, state.EventPropertyUpdate)
	d, ok := store.Device("T8113N")
	require.True(t, ok)
	assert.EqualValues(t, 75, d.Properties["battery"])
	assert.Equal(t, "Door", d.Properties["name"])
}

func TestGuardModeChanged(t *testing.T) {
	_, fc, store, _ := started(t)

	fc.emit(t, `{"source":"station","event":"guard mode changed","serialNumber":"T8010N","guardMode":0}`)

	st, ok := store.Station("T8010N")
	require.True(t, ok)
	assert.Equal(t, 0, st.Properties["guardMode"])
}

func TestDriverEvents(t *testing.T) {
	_, fc, store, _ := started(t)

	fc.emit(t, `{"source":"driver","event":"push connected"}`)
	assert.True(t, store.Snapshot().Driver.PushConnected)

	fc.emit(t, `{"source":"driver","event":"disconnected"}`)
	assert.False(t, store.Snapshot().Driver.Connected)

	fc.emit(t, `{"source":"driver","event":"connected"}`)
	assert.True(t, store.Snapshot().Driver.Connected)
}

func TestStop_Unsubscribes(t *testing.T) {
	d, fc, store, _ := started(t)

	d.Stop()
	d.Stop()
	assert.Empty(t, fc.listeners)
	assert.False(t, store.Snapshot().Connected)
}

func TestHelpers_SendCommands(t *testing.T) {
	d, fc, _, _ := started(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want sentCommand
	}{
		{"station metadata", func() error { _, err := d.StationPropertiesMetadata(ctx, "S1"); return err },
			sentCommand{CommandStationPropertiesMetadata, map[string]any{"serialNumber": "S1"}}},
		{"device metadata", func() error { _, err := d.DevicePropertiesMetadata(ctx, "D1"); return err },
			sentCommand{CommandDevicePropertiesMetadata, map[string]any{"serialNumber": "D1"}}},
		{"station properties", func() error { _, err := d.StationProperties(ctx, "S1"); return err },
			sentCommand{CommandStationProperties, map[string]any{"serialNumber": "S1"}}},
		{"device properties", func() error { _, err := d.DeviceProperties(ctx, "D1"); return err },
			sentCommand{CommandDeviceProperties, map[string]any{"serialNumber": "D1"}}},
		{"set property", func() error { return d.SetDeviceProperty(ctx, "D1", "enabled", false) },
			sentCommand{CommandDeviceSetProperty, map[string]any{"serialNumber": "D1", "name": "enabled", "value": false}}},
		{"guard mode", func() error { return d.SetGuardMode(ctx, "S1", 2) },
			sentCommand{CommandStationSetGuardMode, map[string]any{"serialNumber": "S1", "mode": 2}}},
		{"start livestream", func() error { return d.StartLivestream(ctx, "D1") },
			sentCommand{CommandDeviceStartLivestream, map[string]any{"serialNumber": "D1"}}},
		{"stop livestream", func() error { return d.StopLivestream(ctx, "D1") },
			sentCommand{CommandDeviceStopLivestream, map[string]any{"serialNumber": "D1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.call())
			assert.Equal(t, tt.want, fc.last())
		})
	}
}

func TestHelpers_WrapErrors(t *testing.T) {
	d, fc, _, _ := started(t)
	fc.errs[CommandDeviceProperties] = client.ErrTimeout

	_, err := d.DeviceProperties(context.Background(), "D1")
	assert.ErrorIs(t, err, client.ErrTimeout)
	assert.Contains(t, err.Error(), CommandDeviceProperties)
}
