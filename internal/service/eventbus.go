package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loopsymphony/server/internal/domain/event"
)

const (
	// defaultHistoryLimit bounds the per-task event history.
	defaultHistoryLimit = 1024
	// defaultTerminalTTL is how long a terminal topic is retained for
	// late joiners before it is swept.
	defaultTerminalTTL = 15 * time.Minute
	// subscriberBuffer is the live-event buffer per subscriber. When it
	// fills, the oldest buffered event is dropped, never the terminal.
	subscriberBuffer = 64
)

// Subscription is one subscriber's view of a task topic: the full
// history at subscribe time followed by live events until terminal.
type Subscription struct {
	ch     chan event.Event
	cancel func()
	once   sync.Once
}

// Events returns the subscriber's channel. It is closed after the
// terminal event has been delivered, or on Close.
func (s *Subscription) Events() <-chan event.Event { return s.ch }

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() { s.once.Do(s.cancel) }

type topic struct {
	mu         sync.Mutex
	history    []event.Event
	subs       map[*Subscription]struct{}
	terminal   bool
	terminalAt time.Time
}

// EventBus is the in-memory per-task pub/sub with bounded history.
// Emission never blocks: a slow subscriber loses its oldest buffered
// event rather than stalling the publisher.
type EventBus struct {
	mu           sync.Mutex
	topics       map[string]*topic
	historyLimit int
	terminalTTL  time.Duration
}

// NewEventBus creates an event bus. Zero values select the defaults.
func NewEventBus(historyLimit int, terminalTTL time.Duration) *EventBus {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if terminalTTL <= 0 {
		terminalTTL = defaultTerminalTTL
	}
	return &EventBus{
		topics:       make(map[string]*topic),
		historyLimit: historyLimit,
		terminalTTL:  terminalTTL,
	}
}

func (b *EventBus) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[taskID] = t
	}
	return t
}

// Emit appends an event to the task's history and fans it out. Emits
// on a terminal topic are dropped, which makes the terminal event both
// at-most-once and last on its topic.
func (b *EventBus) Emit(ev event.Event) {
	t := b.topicFor(ev.TaskID)

	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		slog.Debug("event dropped on terminal topic", "task_id", ev.TaskID, "type", ev.Type)
		return
	}

	if len(t.history) >= b.historyLimit {
		// Overflow drops the oldest event. The terminal event can never
		// be evicted this way: once it lands the topic stops accepting.
		t.history = t.history[1:]
	}
	t.history = append(t.history, ev)

	if ev.Type.IsTerminal() {
		t.terminal = true
		t.terminalAt = time.Now()
	}

	// Fan out under the topic lock so a concurrent subscriber Close
	// cannot race a push onto its channel.
	for s := range t.subs {
		s.push(ev)
		if t.terminal {
			delete(t.subs, s)
			s.once.Do(func() { close(s.ch) })
		}
	}
	t.mu.Unlock()
}

// push delivers without blocking: on a full buffer the oldest queued
// event is discarded to make room, so the newest (possibly terminal)
// event always lands.
func (s *Subscription) push(ev event.Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Subscribe returns a subscription pre-populated with the topic's full
// history. If the topic is already terminal, the subscriber receives
// the history and the channel closes immediately after.
func (b *EventBus) Subscribe(taskID string) *Subscription {
	t := b.topicFor(taskID)

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscription{
		ch: make(chan event.Event, subscriberBuffer+len(t.history)),
	}
	sub.cancel = func() {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
		close(sub.ch)
	}

	for _, ev := range t.history {
		sub.ch <- ev
	}
	if t.terminal {
		close(sub.ch)
		sub.once.Do(func() {}) // already closed; make Close a no-op
		return sub
	}

	t.subs[sub] = struct{}{}
	return sub
}

// History returns a snapshot of the task's event history.
func (b *EventBus) History(taskID string) []event.Event {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]event.Event, len(t.history))
	copy(out, t.history)
	return out
}

// Sweep drops topics that have been terminal longer than the TTL.
// Returns the number of topics removed.
func (b *EventBus) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, t := range b.topics {
		t.mu.Lock()
		expired := t.terminal && now.Sub(t.terminalAt) > b.terminalTTL
		t.mu.Unlock()
		if expired {
			delete(b.topics, id)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps expired topics periodically until ctx is done.
func (b *EventBus) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := b.Sweep(time.Now()); n > 0 {
					slog.Debug("swept terminal event topics", "count", n)
				}
			}
		}
	}()
}
