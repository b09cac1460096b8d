package state

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/eufyws/internal/core/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return Event{}
	}
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch1, unsub1 := bus.Subscribe(4)
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: EventConnected})

	for _, ch := range []<-chan Event{ch1, ch2} {
		evt := next(t, ch)
		assert.Equal(t, EventConnected, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
	}
}

func TestEventBus_FullBufferDrops(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventConnected})
	bus.Publish(Event{Type: EventDisconnected}) // dropped, must not block

	assert.Equal(t, EventConnected, next(t, ch).Type)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %v", evt.Type)
	default:
	}
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(1)

	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(Event{Type: EventConnected})
}

func loadedStore(t *testing.T) (*Store, <-chan Event) {
	t.Helper()
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(16)
	t.Cleanup(unsub)

	s := NewStore(bus, testLogger())
	s.Load(protocol.ServerState{
		Driver: protocol.DriverState{Version: "2.4.0", Connected: true},
		Stations: []map[string]any{
			{"serialNumber": "T8010N", "name": "Home", "guardMode": float64(1)},
		},
		Devices: []map[string]any{
			{"serialNumber": "T8113N-B", "name": "Back", "battery": float64(50)},
			{"serialNumber": "T8113N-A", "name": "Front", "battery": float64(90)},
			{"name": "no serial"},
		},
	})
	require.Equal(t, EventDriverUpdate, next(t, ch).Type)
	return s, ch
}

func TestStore_Load(t *testing.T) {
	s, _ := loadedStore(t)

	snap := s.Snapshot()
	assert.Equal(t, Driver{Version: "2.4.0", Connected: true}, snap.Driver)
	require.Len(t, snap.Stations, 1)
	require.Len(t, snap.Devices, 2, "entities without a serial number are skipped")
	assert.Equal(t, "T8113N-A", snap.Devices[0].SerialNumber, "devices are sorted by serial number")
	assert.Equal(t, protocol.SourceDevice, snap.Devices[0].Source)

	st, ok := s.Station("T8010N")
	require.True(t, ok)
	assert.Equal(t, "Home", st.Properties["name"])

	_, ok = s.Device("missing")
	assert.False(t, ok)
}

func TestStore_SetProperty(t *testing.T) {
	s, ch := loadedStore(t)

	s.SetProperty(protocol.SourceDevice, "T8113N-A", "battery", float64(85))

	evt := next(t, ch)
	require.Equal(t, EventPropertyUpdate, evt.Type)
	assert.Equal(t, PropertyUpdate{
		Source:       protocol.SourceDevice,
		SerialNumber: "T8113N-A",
		Name:         "battery",
		Value:        float64(85),
	}, evt.Data)

	d, ok := s.Device("T8113N-A")
	require.True(t, ok)
	assert.Equal(t, float64(85), d.Properties["battery"])
	assert.Equal(t, "Front", d.Properties["name"])
}

func TestStore_SetPropertyUnknownSerialCreatesEntity(t *testing.T) {
	s, _ := loadedStore(t)

	s.SetProperty(protocol.SourceStation, "T8030N", "guardMode", float64(0))

	st, ok := s.Station("T8030N")
	require.True(t, ok)
	assert.Equal(t, protocol.SourceStation, st.Source)
	assert.Equal(t, float64(0), st.Properties["guardMode"])
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s, _ := loadedStore(t)

	snap := s.Snapshot()
	snap.Devices[0].Properties["battery"] = float64(1)

	d, _ := s.Device(snap.Devices[0].SerialNumber)
	assert.Equal(t, float64(90), d.Properties["battery"])
}

func TestStore_UpdateDriverAndConnected(t *testing.T) {
	s, ch := loadedStore(t)

	s.UpdateDriver(func(d *Driver) { d.PushConnected = true })
	evt := next(t, ch)
	assert.Equal(t, EventDriverUpdate, evt.Type)
	assert.Equal(t, Driver{Version: "2.4.0", Connected: true, PushConnected: true}, evt.Data)

	s.SetConnected(true)
	assert.Equal(t, EventConnected, next(t, ch).Type)
	assert.True(t, s.Snapshot().Connected)

	s.SetConnected(false)
	assert.Equal(t, EventDisconnected, next(t, ch).Type)
	assert.False(t, s.Snapshot().Connected)
}
