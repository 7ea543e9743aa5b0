package engine

import (
	"sync"
	"time"

	"github.com/seantiz/asyncq/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// StatusEvent reports a status change of one query.
type StatusEvent struct {
	QueryID  string       `json:"query_id"`
	Status   model.Status `json:"status"`
	Reason   model.Reason `json:"reason,omitempty"`
	ResultID string       `json:"result_id,omitempty"`
	At       time.Time    `json:"at"`
}

// Notifier receives status events from executors.
type Notifier interface {
	Publish(ev StatusEvent)
	// Close signals that no more events will be published for queryID.
	Close(queryID string)
}

// StatusBroker fans status events out to per-query subscribers. It is safe
// for concurrent use.
//
// Closed topics are kept as markers so that a subscriber arriving after the
// query finished gets a closed channel instead of blocking forever.
type StatusBroker struct {
	mu     sync.Mutex
	topics map[string]*statusTopic
}

var _ Notifier = (*StatusBroker)(nil)

type statusTopic struct {
	subs   map[int]chan StatusEvent
	nextID int
	closed bool
}

// NewStatusBroker creates an empty broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		topics: make(map[string]*statusTopic),
	}
}

// Subscribe returns a channel of events for queryID and an unsubscribe
// function. The channel is closed once the query finishes.
func (b *StatusBroker) Subscribe(queryID string) (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[queryID]
	if !ok {
		t = &statusTopic{subs: make(map[int]chan StatusEvent)}
		b.topics[queryID] = t
	}

	ch := make(chan StatusEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			if len(t.subs) == 0 && !t.closed {
				delete(b.topics, queryID)
			}
		}
	}
}

// Publish delivers ev to the subscribers of ev.QueryID. Events are dropped
// for subscribers whose buffers are full.
func (b *StatusBroker) Publish(ev StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.QueryID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel of queryID. Later Subscribe calls
// return a closed channel.
func (b *StatusBroker) Close(queryID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[queryID]
	if !ok {
		b.topics[queryID] = &statusTopic{subs: make(map[int]chan StatusEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
