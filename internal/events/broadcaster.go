// ABOUTME: In-memory fan-out broadcaster for lifecycle events
// ABOUTME: Subscribers may filter by kind; slow subscribers drop events instead of blocking publishers

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Broadcaster provides pub/sub for Events. The zero value is not usable; call NewBroadcaster.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	done        chan struct{}
	watchers    sync.WaitGroup
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		done:        make(chan struct{}),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for events of the given kinds, or all kinds when none are given.
// The subscription is removed and its channel closed when ctx is cancelled or
// the broadcaster is closed, whichever comes first.
func (b *Broadcaster) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.watchers.Add(1)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "kinds", kinds)

	go func() {
		defer b.watchers.Done()
		select {
		case <-ctx.Done():
			b.Unsubscribe(subID)
		case <-b.done:
		}
	}()

	return sub.ch, subID
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for id, sub := range b.subscribers {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "kind", ev.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel and releases their context watchers.
// Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
