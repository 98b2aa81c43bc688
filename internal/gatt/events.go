package gatt

import (
	"sync"

	"github.com/google/uuid"
)

// EventType enumerates consumer-visible controller events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventServiceDiscovered
	EventDiscoveryFinished
	EventStateChanged
	EventError
	EventServiceError
	EventServiceStateChanged
	EventCharacteristicChanged
	EventCharacteristicRead
	EventCharacteristicWritten
	EventDescriptorRead
	EventDescriptorWritten
	EventMTUChanged
)

var eventNames = map[EventType]string{
	EventConnected:             "connected",
	EventDisconnected:          "disconnected",
	EventServiceDiscovered:     "service_discovered",
	EventDiscoveryFinished:     "discovery_finished",
	EventStateChanged:          "state_changed",
	EventError:                 "error",
	EventServiceError:          "service_error",
	EventServiceStateChanged:   "service_state_changed",
	EventCharacteristicChanged: "characteristic_changed",
	EventCharacteristicRead:    "characteristic_read",
	EventCharacteristicWritten: "characteristic_written",
	EventDescriptorRead:        "descriptor_read",
	EventDescriptorWritten:     "descriptor_written",
	EventMTUChanged:            "mtu_changed",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is delivered to OnEvent listeners on the controller's executor. Only the fields
// relevant to Type are set.
type Event struct {
	Type           EventType
	State          State
	ServiceUUID    uuid.UUID
	ServiceState   ServiceState
	Service        *Service
	Characteristic *Characteristic
	Descriptor     *Descriptor
	Value          []byte
	MTU            int
	Err            error
}

type listener struct {
	id uint64
	fn func(Event)
}

// eventBus fans events out to registered listeners.
type eventBus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	snapshot := append([]listener(nil), b.listeners...)
	b.mu.Unlock()
	for _, l := range snapshot {
		l.fn(ev)
	}
}
