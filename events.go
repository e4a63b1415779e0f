package dbconn

import (
	"context"
	"log"
	"sync"
)

// --- Event System ---

// EventType defines the type of a connection notification.
type EventType string

// Notifications emitted by a Connection.
const (
	EventQuery        EventType = "query"         // every governed statement
	EventSelect       EventType = "select"        // before a select is built
	EventInsert       EventType = "insert"        // before an insert executes
	EventInserted     EventType = "inserted"      // after an insert, with the generated id
	EventUpdate       EventType = "update"        // before an update executes
	EventDelete       EventType = "delete"        // before a delete executes
	EventTableChanged EventType = "changed_table" // after a mutation invalidated a table
)

// Event is the payload delivered to an EventBus.
type Event struct {
	Type       EventType `json:"type"`
	Connection string    `json:"connection"`
	Table      string    `json:"table,omitempty"`
	Query      string    `json:"query,omitempty"`
	ID         *int64    `json:"id,omitempty"`
	Where      *Where    `json:"where,omitempty"`
	Data       Row       `json:"data,omitempty"`
	Options    *Options  `json:"options,omitempty"`
}

// EventListener defines the signature for functions that can listen to events.
// Errors are logged; they never affect the operation that emitted the event.
type EventListener func(ctx context.Context, event Event) error

// Bus is an in-process EventBus dispatching to registered listeners.
type Bus struct {
	mu        sync.RWMutex // protects listeners
	listeners map[EventType][]EventListener
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[EventType][]EventListener)}
}

// Subscribe adds a listener function for a specific event type.
func (b *Bus) Subscribe(eventType EventType, listener EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], listener)
}

// Publish executes all listeners registered for the event type, in
// registration order.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	listeners := append([]EventListener(nil), b.listeners[event.Type]...)
	b.mu.RUnlock()

	for _, listener := range listeners {
		if err := listener(ctx, event); err != nil {
			log.Printf("Error executing listener for event %s on table %q: %v", event.Type, event.Table, err)
		}
	}
}

// MultiBus fans an event out to several buses.
type MultiBus []EventBus

// Publish forwards the event to every bus.
func (m MultiBus) Publish(ctx context.Context, event Event) {
	for _, b := range m {
		if b != nil {
			b.Publish(ctx, event)
		}
	}
}

type nopBus struct{}

func (nopBus) Publish(context.Context, Event) {}
