package vm

import (
	"context"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/types"
)

// EventType classifies lifecycle events.
type EventType string

const (
	EventCreated  EventType = "created"
	EventStatus   EventType = "status"
	EventMetadata EventType = "metadata"
	EventSnapshot EventType = "snapshot"
	EventDeleted  EventType = "deleted"
	EventFailed   EventType = "failed"
)

// Event is published on every lifecycle change.
type Event struct {
	Type   EventType     `json:"type"`
	VMID   string        `json:"vm_id"`
	Name   string        `json:"name"`
	Status types.VMState `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
	At     time.Time     `json:"at"`
}

// bus fans events out to buffered subscribers. Publishing never blocks:
// a full subscriber loses the event and the drop is logged.
type bus struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

func newBus() *bus { return &bus{subs: make(map[int]chan Event)} }

func (b *bus) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *bus) publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.WithFunc("vm.publish").Warnf(ctx, "subscriber %d is full, dropped %s event for %s", id, e.Type, e.VMID)
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
