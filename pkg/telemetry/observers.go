package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the payload delivered to observers. Which fields are set depends on the topic.
type Event struct {
	// ID is unique per notification.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	Topic string `json:"topic"`

	// Graph is the name of the graph (or asset) the event concerns.
	Graph string `json:"graph,omitempty"`

	// Name is the node, asset or frame subject; OldName is set on renames.
	Name    string `json:"name,omitempty"`
	OldName string `json:"old_name,omitempty"`

	RunID string `json:"run_id,omitempty"`
	Frame int    `json:"frame,omitempty"`

	Message string `json:"message,omitempty"`

	// Err carries the top-level error of a failed run.
	Err error `json:"-"`
}

// Observer topics.
const (
	TopicNodeCreated  = "node.created"
	TopicNodeRemoved  = "node.removed"
	TopicNodeRenamed  = "node.renamed"
	TopicGraphCleared = "graph.cleared"

	TopicAssetCreated = "asset.created"
	TopicAssetRemoved = "asset.removed"
	TopicAssetRenamed = "asset.renamed"

	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"

	TopicFrameBroken = "frame.broken"
)

// Observer handles a notification.
type Observer func(event Event)

type observerEntry struct {
	token string
	fn    Observer
}

// Observers is a synchronous topic-based callback registry consumed by UI layers.
// Callbacks run on the notifying goroutine, in registration order, without the lock held.
type Observers struct {
	mu     sync.RWMutex
	topics map[string][]observerEntry
	tokens map[string]string
}

// NewObservers creates an empty observer registry.
func NewObservers() *Observers {
	return &Observers{
		topics: make(map[string][]observerEntry),
		tokens: make(map[string]string),
	}
}

// Register subscribes fn to topic and returns an opaque token for Unregister.
func (o *Observers) Register(topic string, fn Observer) string {
	token := uuid.New().String()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.topics[topic] = append(o.topics[topic], observerEntry{token: token, fn: fn})
	o.tokens[token] = topic
	return token
}

// Unregister removes the observer registered under token. It reports whether one was found.
func (o *Observers) Unregister(token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	topic, ok := o.tokens[token]
	if !ok {
		return false
	}
	delete(o.tokens, token)

	entries := o.topics[topic]
	for i, e := range entries {
		if e.token == token {
			o.topics[topic] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(o.topics[topic]) == 0 {
		delete(o.topics, topic)
	}
	return true
}

// Notify delivers event to every observer of event.Topic. A nil registry is a no-op.
func (o *Observers) Notify(event Event) {
	if o == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	o.mu.RLock()
	entries := append([]observerEntry(nil), o.topics[event.Topic]...)
	o.mu.RUnlock()

	for _, e := range entries {
		e.fn(event)
	}
}

// Count returns the number of observers registered for topic.
func (o *Observers) Count(topic string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.topics[topic])
}
