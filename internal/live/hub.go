// Package live fans run events out to interested subscribers.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"agentflow/backend/internal/logging"
	"agentflow/backend/pkg/models"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Forwarder carries events to other service instances.
type Forwarder interface {
	Forward(ctx context.Context, ev models.Event) error
}

type subscriber struct {
	ch chan models.Event
}

// Hub is an in-process publish/subscribe channel keyed by run id. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*subscriber]struct{}
	buffer    int
	origin    string
	forwarder Forwarder
	logger    *logging.Logger
}

// NewHub creates a Hub with the given per-subscriber buffer size.
func NewHub(buffer int, logger *logging.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		origin: uuid.New().String(),
		logger: logger,
	}
}

// Origin identifies this hub in forwarded events.
func (h *Hub) Origin() string { return h.origin }

// SetForwarder makes every published event also go to f.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarder = f
}

// Subscribe registers interest in runID. The returned cancel func removes the
// subscription and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(runID string) (<-chan models.Event, func()) {
	s := &subscriber{ch: make(chan models.Event, h.buffer)}

	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*subscriber]struct{})
	}
	h.subs[runID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[runID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.subs, runID)
				}
			}
			close(s.ch)
		})
	}
}

// Subscribers returns the number of subscribers of runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

// Publish stamps ev and delivers it to local subscribers and the forwarder.
func (h *Hub) Publish(ctx context.Context, ev models.Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Origin = h.origin

	h.Deliver(ev)

	h.mu.RLock()
	f := h.forwarder
	h.mu.RUnlock()
	if f != nil && ev.Type != models.EventInit {
		if err := f.Forward(ctx, ev); err != nil {
			h.logger.Warn("failed to forward live event", "run_id", ev.RunID, "type", string(ev.Type), "error", err.Error())
		}
	}
}

// Deliver hands ev to local subscribers only.
func (h *Hub) Deliver(ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.RunID] {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn("live subscriber is slow; event dropped", "run_id", ev.RunID, "type", string(ev.Type))
		}
	}
}
