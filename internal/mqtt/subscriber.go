package mqtt

import (
	"sort"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/AaronLay10/SentientNarrative/internal/events"
)

type subscriber interface {
	subscribe(topic string, handler paho.MessageHandler) error
}

type subscribeFunc func(topic string, handler paho.MessageHandler) error

func (f subscribeFunc) subscribe(topic string, handler paho.MessageHandler) error {
	return f(topic, handler)
}

// Subscriptions remembers topic handlers so they can be restored after the
// broker drops a clean session.
type Subscriptions struct {
	mu       sync.RWMutex
	sub      subscriber
	handlers map[string]paho.MessageHandler
}

// NewSubscriptions creates an empty subscription set over sub.
func NewSubscriptions(sub subscriber) *Subscriptions {
	return &Subscriptions{
		sub:      sub,
		handlers: make(map[string]paho.MessageHandler),
	}
}

// Add subscribes topic if it is not already subscribed. The handler is only
// recorded once the broker accepts the subscription.
func (s *Subscriptions) Add(topic string, handler paho.MessageHandler) error {
	if s.Has(topic) {
		return nil
	}
	if err := s.sub.subscribe(topic, handler); err != nil {
		return err
	}

	s.mu.Lock()
	s.handlers[topic] = handler
	s.mu.Unlock()
	return nil
}

// Restore re-subscribes every recorded topic. Failures are reported and the
// remaining topics are still attempted.
func (s *Subscriptions) Restore() {
	s.mu.RLock()
	handlers := make(map[string]paho.MessageHandler, len(s.handlers))
	for topic, h := range s.handlers {
		handlers[topic] = h
	}
	s.mu.RUnlock()

	for topic, h := range handlers {
		if err := s.sub.subscribe(topic, h); err != nil {
			_, _ = events.Emit("error", "system.error", "failed to restore mqtt subscription", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
		}
	}
}

// Has reports whether topic is subscribed.
func (s *Subscriptions) Has(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[topic]
	return ok
}

// Topics returns the subscribed topics in sorted order.
func (s *Subscriptions) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.handlers))
	for topic := range s.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
