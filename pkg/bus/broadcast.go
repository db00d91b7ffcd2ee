package bus

import (
	"sync"
	"time"
)

// Domain event types carried on the broadcast bus.
const (
	EventProjectCreated  = "project.created"
	EventProjectUpdated  = "project.updated"
	EventProjectDeleted  = "project.deleted"
	EventIssueCreated    = "issue.created"
	EventIssueUpdated    = "issue.updated"
	EventIssueDeleted    = "issue.deleted"
	EventCommentCreated  = "comment.created"
	EventLabelCreated    = "label.created"
	EventDocumentCreated = "document.created"
	EventAgentOutput     = "agent.output"
)

// ProjectChannel returns the broadcast channel for project-level events.
func ProjectChannel(projectID string) string { return "project:" + projectID }

// IssueChannel returns the broadcast channel for issue-level events.
func IssueChannel(issueID string) string { return "issue:" + issueID }

// RunChannel returns the channel a transport client subscribes to for live
// run output; the server lifts output-bus lines onto it as agent.output
// events.
func RunChannel(runID string) string { return "run:" + runID }

// Event is one domain event published to a channel.
type Event struct {
	Type      string    `json:"type"`
	At        time.Time `json:"at"`
	ProjectID string    `json:"project_id"`
	IssueID   string    `json:"issue_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

type broadcastSubscriber struct {
	id int
	ch chan Event
}

// BroadcastBus fans domain events out to channel subscribers. Events on a
// single channel reach each subscriber in publication order.
type BroadcastBus struct {
	mu       sync.RWMutex
	nextID   int
	channels map[string]map[int]*broadcastSubscriber
}

// NewBroadcastBus creates an empty bus.
func NewBroadcastBus() *BroadcastBus {
	return &BroadcastBus{channels: make(map[string]map[int]*broadcastSubscriber)}
}

// Subscribe registers a listener on a channel. Cancel is O(1), idempotent,
// and closes the returned channel.
func (b *BroadcastBus) Subscribe(channel string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &broadcastSubscriber{id: b.nextID, ch: make(chan Event, subscriberBuffer)}
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[int]*broadcastSubscriber)
	}
	b.channels[channel][sub.id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.channels[channel]; ok {
				if _, live := subs[sub.id]; live {
					delete(subs, sub.id)
					close(sub.ch)
					if len(subs) == 0 {
						delete(b.channels, channel)
					}
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of the channel. Slow
// subscribers drop the event rather than blocking the publisher.
func (b *BroadcastBus) Publish(channel string, event Event) {
	b.mu.RLock()
	subs := b.channels[channel]
	targets := make([]*broadcastSubscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of listeners on a channel.
func (b *BroadcastBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}
