// Package webhooks delivers gateway events to registered HTTP endpoints,
// signed with HMAC-SHA256 when the subscription carries a secret.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter is the dispatching side of webhook delivery.
type Emitter interface {
	Emit(eventType EventType, entityID string, data map[string]interface{})
	Shutdown()
}

// EventType defines the event classes a subscription can watch.
type EventType string

const (
	EventVerdictAllowed   EventType = "verdict.allowed"
	EventVerdictDenied    EventType = "verdict.denied"
	EventVerdictEscalated EventType = "verdict.escalated"
	EventIntentBlocked    EventType = "intent.blocked"
	EventCircuitTripped   EventType = "circuit.tripped"
	EventEntityHalted     EventType = "entity.halted"
	EventTrustChanged     EventType = "trust.changed"
)

// Subscription is a registered webhook.
type Subscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"secret,omitempty"`
	Active    bool        `json:"active"`
	EntityID  string      `json:"entity_id,omitempty"` // empty = all entities
	CreatedAt time.Time   `json:"created_at"`
	FailCount int         `json:"fail_count"`
}

// Event is the payload delivered to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	EntityID  string                 `json:"entity_id"`
	Data      map[string]interface{} `json:"data"`
}

// Registry stores and manages webhook subscriptions.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*Subscription
	byEvent map[EventType][]*Subscription
	logger  *log.Logger
}

// NewRegistry creates a webhook registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*Subscription),
		byEvent: make(map[EventType][]*Subscription),
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Register adds a webhook subscription.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	if sub.ID == "" {
		sub.ID = "wh_" + uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("registered webhook %s -> %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a webhook subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := r.byEvent[evt][:0]
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	r.logger.Printf("unregistered webhook %s", id)
	return nil
}

// Subscribers returns all active subscribers for an event type.
func (r *Registry) Subscribers(eventType EventType) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// List returns all registered webhooks.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		result = append(result, sub)
	}
	return result
}

// MarkFailed increments the failure count and disables the subscription
// after 10 consecutive failures.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure count after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates the HMAC-SHA256 signature for webhook verification.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
