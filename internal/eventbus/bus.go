package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the automation core.
const (
	TasksUpdated     = "automation:tasks:updated"
	PlannedGenerated = "automation:planned:generated"
	DayComplete      = "automation:day:complete"
)

// TasksUpdatedData accompanies TasksUpdated.
type TasksUpdatedData struct {
	Saved bool `json:"saved"`
}

// PlannedGeneratedData accompanies PlannedGenerated.
type PlannedGeneratedData struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// DayCompleteData accompanies DayComplete.
type DayCompleteData struct {
	Date string `json:"date"`
}

// Event is an in-memory notification from the core to any listener.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Removing under the write lock means no Publish can be sending on ch.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
