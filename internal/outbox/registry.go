package outbox

import (
	"encoding/json"
	"fmt"
	"sync"

	"eventrelay/internal/domain"
)

// TypeRegistry maps event type tags to payload prototypes. The processor
// refuses to relay a message whose type is unknown or whose payload does not
// decode; both are permanent failures.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{factories: make(map[string]func() any)}
}

func (r *TypeRegistry) Register(eventType string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[eventType] = factory
}

func (r *TypeRegistry) Decode(eventType string, payload []byte) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, eventType)
	}

	v := factory()
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("%w: decode %q: %w", domain.ErrInvalidPayload, eventType, err)
	}
	return v, nil
}
