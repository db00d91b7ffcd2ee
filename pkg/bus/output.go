// Package bus provides the two single-process pub/sub buses: the output
// bus carries line-level subprocess output keyed by run ID, and the
// broadcast bus fans domain events out to channel subscribers.
package bus

import (
	"sync"
	"time"
)

// OutputLine is one line of subprocess output attributed to a run.
type OutputLine struct {
	RunID   string    `json:"run_id"`
	AgentID string    `json:"agent_id"`
	IssueID string    `json:"issue_id"`
	Line    string    `json:"line"`
	At      time.Time `json:"at"`
}

// outputSubscriber is one registered listener on a run.
type outputSubscriber struct {
	id int
	ch chan OutputLine
}

// subscriberBuffer bounds each subscriber's channel. A slow subscriber
// drops lines rather than stalling the producing subprocess.
const subscriberBuffer = 256

// OutputBus multiplexes subprocess output lines to per-run subscribers.
// Lines within one run are delivered in publication order; runs are
// unordered relative to each other.
type OutputBus struct {
	mu     sync.RWMutex
	nextID int
	runs   map[string]map[int]*outputSubscriber
}

// NewOutputBus creates an empty bus.
func NewOutputBus() *OutputBus {
	return &OutputBus{runs: make(map[string]map[int]*outputSubscriber)}
}

// Subscribe registers a listener on a run. The returned cancel function is
// O(1) and idempotent; after cancel the channel is closed.
func (b *OutputBus) Subscribe(runID string) (<-chan OutputLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &outputSubscriber{id: b.nextID, ch: make(chan OutputLine, subscriberBuffer)}
	if b.runs[runID] == nil {
		b.runs[runID] = make(map[int]*outputSubscriber)
	}
	b.runs[runID][sub.id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.runs[runID]; ok {
				if _, live := subs[sub.id]; live {
					delete(subs, sub.id)
					close(sub.ch)
					if len(subs) == 0 {
						delete(b.runs, runID)
					}
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers a line to every subscriber of its run. Publishing to a
// run with no subscribers is a no-op. Full subscriber buffers drop the
// line for that subscriber only.
func (b *OutputBus) Publish(line OutputLine) {
	b.mu.RLock()
	subs := b.runs[line.RunID]
	targets := make([]*outputSubscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- line:
		default:
		}
	}
}

// Close terminates every subscriber of a run, closing their channels.
// Called when the run finishes so subscribers observe end-of-stream.
func (b *OutputBus) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.runs[runID] {
		close(sub.ch)
	}
	delete(b.runs, runID)
}

// SubscriberCount returns the number of listeners on a run. Used by tests
// to poll instead of sleeping.
func (b *OutputBus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runs[runID])
}
