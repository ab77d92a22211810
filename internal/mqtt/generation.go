package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/AaronLay10/SentientNarrative/internal/engine"
	"github.com/AaronLay10/SentientNarrative/internal/events"
)

// ErrGeneration is wrapped by errors reported by the generation service.
var ErrGeneration = errors.New("generation service error")

// generationRequest is published on the request topic.
type generationRequest struct {
	engine.ContentRequest
	ReplyTopic string `json:"replyTopic"`
}

// generationReply is what the generation service publishes on the reply
// topic. Payload may be any JSON value.
type generationReply struct {
	RequestID string          `json:"requestId"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// GenerationClient resolves content by publishing requests to an external
// generation service and waiting for the correlated reply.
type GenerationClient struct {
	broker       Broker
	requestTopic string
	replyTopic   string

	mu      sync.Mutex
	pending map[string]chan generationReply
}

// NewGenerationClient creates a client publishing on requestTopic and
// listening on replyTopic. Call Start before use.
func NewGenerationClient(broker Broker, requestTopic, replyTopic string) *GenerationClient {
	return &GenerationClient{
		broker:       broker,
		requestTopic: requestTopic,
		replyTopic:   replyTopic,
		pending:      make(map[string]chan generationReply),
	}
}

// Start subscribes to the reply topic.
func (g *GenerationClient) Start() error {
	if err := g.broker.Subscribe(g.replyTopic, g.handleReply); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", g.replyTopic, err)
	}
	return nil
}

// ResolveContent publishes req and blocks until the reply arrives or ctx ends.
// Async requests return as soon as the request is published.
func (g *GenerationClient) ResolveContent(ctx context.Context, req engine.ContentRequest) (*engine.Content, error) {
	body, err := json.Marshal(generationRequest{ContentRequest: req, ReplyTopic: g.replyTopic})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	if req.Async {
		if err := g.broker.Publish(g.requestTopic, body); err != nil {
			return nil, err
		}
		return &engine.Content{}, nil
	}

	ch := make(chan generationReply, 1)
	g.mu.Lock()
	g.pending[req.RequestID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.RequestID)
		g.mu.Unlock()
	}()

	if err := g.broker.Publish(g.requestTopic, body); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for generation %s: %w", req.RequestID, ctx.Err())
	case reply := <-ch:
		if reply.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrGeneration, reply.Error)
		}
		content := &engine.Content{Text: reply.Text}
		if len(reply.Payload) > 0 {
			var payload interface{}
			if err := json.Unmarshal(reply.Payload, &payload); err != nil {
				payload = string(reply.Payload)
			}
			content.Payload = payload
		}
		return content, nil
	}
}

// Pending returns the number of requests awaiting a reply.
func (g *GenerationClient) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *GenerationClient) handleReply(_ paho.Client, msg paho.Message) {
	var reply generationReply
	if err := json.Unmarshal(msg.Payload(), &reply); err != nil || reply.RequestID == "" {
		_, _ = events.Emit("warn", "system.error", "discarding malformed generation reply", map[string]interface{}{
			"topic": msg.Topic(),
		})
		return
	}

	g.mu.Lock()
	ch, ok := g.pending[reply.RequestID]
	g.mu.Unlock()
	if !ok {
		// Late reply for a request that already timed out.
		return
	}
	select {
	case ch <- reply:
	default:
	}
}
