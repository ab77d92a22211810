package events

import (
	"sync"
	"sync/atomic"
)

// subscriberBuffer is how many undelivered events a slow client may fall
// behind before events are dropped for it.
const subscriberBuffer = 64

// Filter selects events. A nil Filter accepts everything.
type Filter func(Event) bool

// ForSession accepts events whose fields.session_id equals id. An empty id
// accepts everything.
func ForSession(id string) Filter {
	if id == "" {
		return nil
	}
	return func(e Event) bool {
		sid, _ := e.Fields["session_id"].(string)
		return sid == id
	}
}

// Subscriber is the receiving end of a live event stream.
type Subscriber chan Event

// hub fans emitted events out to live subscribers.
type hub struct {
	mu      sync.RWMutex
	subs    map[Subscriber]Filter
	dropped atomic.Int64
}

var live = &hub{subs: make(map[Subscriber]Filter)}

// Subscribe registers a subscriber that receives events accepted by filter.
func Subscribe(filter Filter) Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	live.mu.Lock()
	live.subs[ch] = filter
	live.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed subscribers are ignored.
func Unsubscribe(sub Subscriber) {
	live.mu.Lock()
	defer live.mu.Unlock()
	if _, ok := live.subs[sub]; ok {
		delete(live.subs, sub)
		close(sub)
	}
}

// broadcast never blocks: a subscriber with a full buffer misses the event.
func broadcast(e Event) {
	live.mu.RLock()
	defer live.mu.RUnlock()
	for sub, filter := range live.subs {
		if filter != nil && !filter(e) {
			continue
		}
		select {
		case sub <- e:
		default:
			live.dropped.Add(1)
		}
	}
}

// CloseAllSubscribers closes and removes every subscriber. Used on shutdown.
func CloseAllSubscribers() {
	live.mu.Lock()
	defer live.mu.Unlock()
	for sub := range live.subs {
		close(sub)
		delete(live.subs, sub)
	}
}

// SubscriberCount returns the number of live subscribers.
func SubscriberCount() int {
	live.mu.RLock()
	defer live.mu.RUnlock()
	return len(live.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func Dropped() int64 {
	return live.dropped.Load()
}

// RecentEvents returns up to n of the newest buffered events accepted by
// filter, oldest first. n <= 0 returns all of them.
func RecentEvents(n int, filter Filter) []Event {
	return buffer.Last(n, filter)
}
