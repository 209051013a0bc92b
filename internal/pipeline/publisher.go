package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 64

// Subscription is one subscriber's view of the event stream. Events arrive
// on the channel returned by [Subscription.Events]; a subscriber that falls
// behind loses events rather than stalling the pipeline.
type Subscription struct {
	id      string
	ch      chan Event
	dropped atomic.Uint64
}

// ID returns the subscriber's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Events returns the subscriber's receive channel. The channel is closed
// when the subscription is cancelled or the publisher shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because this subscriber's
// channel was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Publisher fans inference events out to subscribers and records end-to-end
// latency at the moment of publication. Sends never block: a full subscriber
// channel drops the event for that subscriber only, with a per-subscriber
// drop count.
//
// Subscribing mid-session is allowed; new subscribers see only events
// published after they join.
type Publisher struct {
	clock   *sessionClock
	tracker *LatencyTracker
	obs     Observer

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Uint64
}

// NewPublisher creates a publisher that stamps publish times from clock and
// feeds capture-to-publish latencies into tracker.
func NewPublisher(clock *sessionClock, tracker *LatencyTracker) *Publisher {
	return &Publisher{
		clock:   clock,
		tracker: tracker,
		obs:     nopObserver{},
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscriber with the given channel buffer size
// (<= 0 selects the default). Returns nil after Close.
func (p *Publisher) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Event, buffer),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.subs[sub.id] = sub
	p.obs.SubscriberChange(1)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids are
// ignored.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[id]
	if !ok {
		return
	}
	delete(p.subs, id)
	close(sub.ch)
	p.obs.SubscriberChange(-1)
}

// Publish delivers ev to every current subscriber and records its latency.
// Events are published as they arrive from the backends; the timestamps
// inside them preserve capture order even when delivery order interleaves.
func (p *Publisher) Publish(ev Event) {
	p.recordLatency(ev)
	p.published.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			if sub.dropped.Add(1) == 1 {
				slog.Warn("subscriber falling behind, dropping events",
					"subscriber", sub.id)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Published returns the total number of events published.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Close closes all subscriber channels and rejects further subscriptions.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subs {
		delete(p.subs, id)
		close(sub.ch)
		p.obs.SubscriberChange(-1)
	}
}

func (p *Publisher) recordLatency(ev Event) {
	var captured time.Duration
	switch {
	case ev.Note != nil:
		captured = ev.Note.Timestamp
	case ev.Rhythm != nil:
		captured = ev.Rhythm.Timestamp
	default:
		return
	}
	published := p.clock.Now()
	p.tracker.Record(captured, published)
	p.obs.EventPublished(published - captured)
}
