package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/backend"
)

// Broadcaster is an in-process change feed. Each subscriber has its own
// queue and goroutine, so delivery is ordered per subscriber and never
// blocks the writer.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger zerolog.Logger
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

var _ backend.ChangeFeed = (*Broadcaster)(nil)

// Subscribe registers deliver for events matching filter
func (b *Broadcaster) Subscribe(ctx context.Context, filter backend.Filter, deliver func(backend.ChangeEvent)) (io.Closer, error) {
	if filter.Table == "" {
		return nil, fmt.Errorf("subscription needs a table")
	}

	sub := &subscriber{
		filter:  filter,
		deliver: deliver,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		owner:   b,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Publish fans event out to every matching subscriber
func (b *Broadcaster) Publish(event backend.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if sub.matches(event) {
			sub.enqueue(event)
		}
	}
}

// Subscribers reports how many subscriptions are open
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseAll stops every subscription
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (b *Broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

type subscriber struct {
	filter  backend.Filter
	deliver func(backend.ChangeEvent)
	owner   *Broadcaster

	mu     sync.Mutex
	queue  []backend.ChangeEvent
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) enqueue(event backend.ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(event)
		}
	}
}

// Close stops delivery. Safe to call more than once.
func (s *subscriber) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.owner.remove(s)
	})
	return nil
}

// matches applies the column filter to the new row, or the old row on delete
func (s *subscriber) matches(event backend.ChangeEvent) bool {
	if event.Table != s.filter.Table {
		return false
	}
	if s.filter.Column == "" {
		return true
	}

	raw := event.Record
	if event.Type == backend.ChangeDelete || len(raw) == 0 {
		raw = event.OldRecord
	}

	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return false
	}
	value, ok := row[s.filter.Column]
	return ok && fmt.Sprint(value) == s.filter.Value
}
