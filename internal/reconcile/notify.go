package reconcile

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/metrics"
)

// Notification types.
const (
	EventStatusChanged = "status_changed"
	EventTreesChanged  = "trees_changed"
)

// Notification is one message of the upward interface.
type Notification struct {
	Type   string `json:"type"`
	TreeID string `json:"tree_id,omitempty"`
	// Paths are absolute.
	Paths     []string `json:"paths,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Broadcaster fans notifications out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Notification]struct{}
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan Notification]struct{})}
}

// Subscribe adds a subscriber. The caller must Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Notification {
	ch := make(chan Notification, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Publish delivers n to every subscriber. Slow subscribers miss it.
func (b *Broadcaster) Publish(n Notification) {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
	metrics.RecordNotification(n.Type)
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// MarshalNotification serializes n as one JSON line.
func MarshalNotification(n Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
