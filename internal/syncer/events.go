package syncer

import (
	"sync"
	"time"
)

type EventType string

const (
	EventRunStarted       EventType = "run.started"
	EventRunFinished      EventType = "run.finished"
	EventRunFailed        EventType = "run.failed"
	EventRunSkipped       EventType = "run.skipped"
	EventDeletionsSkipped EventType = "deletions.skipped"
	EventEntityFailed     EventType = "entity.failed"
)

// Event is one structured sync lifecycle notification. Consumers get
// them over a channel; the engine never blocks on a slow consumer.
type Event struct {
	Type     EventType  `json:"type"`
	ConfigID string     `json:"configId"`
	Entity   string     `json:"entity,omitempty"`
	Path     string     `json:"path,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	Report   *RunReport `json:"report,omitempty"`
	Time     time.Time  `json:"time"`
}

const subscriberBuffer = 64

type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: map[chan Event]struct{}{}}
}

// Subscribe returns a buffered event channel and a cancel func. Events
// that arrive while the buffer is full are dropped for that subscriber.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
