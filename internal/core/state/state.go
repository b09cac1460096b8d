package state

import (
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/trymwestin/eufyws/internal/core/protocol"
)

// Entity is a station or device as last reported by the server.
type Entity struct {
	Source       protocol.Source `json:"source"`
	SerialNumber string          `json:"serial_number"`
	Properties   map[string]any  `json:"properties"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Driver holds the latest known driver status.
type Driver struct {
	Version       string `json:"version,omitempty"`
	Connected     bool   `json:"connected"`
	PushConnected bool   `json:"push_connected"`
}

// State is a snapshot of everything mirrored from the server.
type State struct {
	Connected bool     `json:"connected"`
	Driver    Driver   `json:"driver"`
	Stations  []Entity `json:"stations"`
	Devices   []Entity `json:"devices"`
}

// EventType identifies event categories.
type EventType string

const (
	EventServerEvent    EventType = "server_event"
	EventPropertyUpdate EventType = "property_update"
	EventDriverUpdate   EventType = "driver_update"
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// PropertyUpdate is the Data of an EventPropertyUpdate.
type PropertyUpdate struct {
	Source       protocol.Source `json:"source"`
	SerialNumber string          `json:"serial_number"`
	Name         string          `json:"name"`
	Value        any             `json:"value"`
}

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() State
	Station(serial string) (Entity, bool)
	Device(serial string) (Entity, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
// Unsubscribing closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// --- Store ---

// Store mirrors the server state with thread-safe access.
type Store struct {
	mu        sync.RWMutex
	connected bool
	driver    Driver
	stations  map[string]*Entity
	devices   map[string]*Entity
	bus       *EventBus
	log       *slog.Logger
}

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{
		stations: make(map[string]*Entity),
		devices:  make(map[string]*Entity),
		bus:      bus,
		log:      log,
	}
}

// Load replaces stations, devices and driver status with the state dump
// returned by start_listening.
func (s *Store) Load(st protocol.ServerState) {
	now := time.Now()

	s.mu.Lock()
	s.driver = Driver{
		Version:       st.Driver.Version,
		Connected:     st.Driver.Connected,
		PushConnected: st.Driver.PushConnected,
	}
	s.stations = indexEntities(protocol.SourceStation, st.Stations, now, s.log)
	s.devices = indexEntities(protocol.SourceDevice, st.Devices, now, s.log)
	driver := s.driver
	n, m := len(s.stations), len(s.devices)
	s.mu.Unlock()

	s.log.Info("state loaded", "stations", n, "devices", m, "driver_version", driver.Version)
	s.bus.Publish(Event{Type: EventDriverUpdate, Data: driver})
}

func indexEntities(src protocol.Source, items []map[string]any, now time.Time, log *slog.Logger) map[string]*Entity {
	out := make(map[string]*Entity, len(items))
	for _, props := range items {
		serial, _ := props["serialNumber"].(string)
		if serial == "" {
			log.Warn("skipping entity without serial number", "source", src)
			continue
		}
		out[serial] = &Entity{
			Source:       src,
			SerialNumber: serial,
			Properties:   maps.Clone(props),
			UpdatedAt:    now,
		}
	}
	return out
}

// SetProperty records a single property change. Unknown serial numbers
// create a new entity.
func (s *Store) SetProperty(src protocol.Source, serial, name string, value any) {
	s.mu.Lock()
	index := s.devices
	if src == protocol.SourceStation {
		index = s.stations
	}
	e, ok := index[serial]
	if !ok {
		e = &Entity{Source: src, SerialNumber: serial, Properties: make(map[string]any)}
		index[serial] = e
	}
	e.Properties[name] = value
	e.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventPropertyUpdate, Data: PropertyUpdate{
		Source:       src,
		SerialNumber: serial,
		Name:         name,
		Value:        value,
	}})
}

// UpdateDriver applies fn to the driver status and publishes the result.
func (s *Store) UpdateDriver(fn func(*Driver)) {
	s.mu.Lock()
	fn(&s.driver)
	d := s.driver
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventDriverUpdate, Data: d})
}

// SetConnected updates the WebSocket connection status.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()

	if connected {
		s.bus.Publish(Event{Type: EventConnected})
	} else {
		s.bus.Publish(Event{Type: EventDisconnected})
	}
}

// Snapshot returns a copy of all state, stations and devices sorted by
// serial number.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return State{
		Connected: s.connected,
		Driver:    s.driver,
		Stations:  copyEntities(s.stations),
		Devices:   copyEntities(s.devices),
	}
}

// Station returns a copy of the station with the given serial number.
func (s *Store) Station(serial string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.stations[serial]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Device returns a copy of the device with the given serial number.
func (s *Store) Device(serial string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[serial]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

func (e *Entity) clone() Entity {
	cp := *e
	cp.Properties = maps.Clone(e.Properties)
	return cp
}

func copyEntities(index map[string]*Entity) []Entity {
	out := make([]Entity, 0, len(index))
	for _, e := range index {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	return out
}
