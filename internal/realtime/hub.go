package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/pkg/logger"
)

const defaultBufferSize = 64

// Hub fans remote change events out to filtered subscribers. It is the
// in-process half of the change feed: the websocket bridge publishes into
// it and the replication and partition layers subscribe.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	log    *zap.Logger
}

type subscription struct {
	filter store.ChangeFilter
	ch     chan store.ChangeEvent
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]*subscription),
		log:  logger.WithModule("realtime"),
	}
}

var _ store.ChangeNotifier = (*Hub)(nil)

// Subscribe registers a filtered subscription. The returned cancel func
// detaches the subscriber and closes its channel.
func (h *Hub) Subscribe(filter store.ChangeFilter) (<-chan store.ChangeEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	sub := &subscription{
		filter: filter,
		ch:     make(chan store.ChangeEvent, defaultBufferSize),
	}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. Slow subscribers
// drop events rather than block the feed; pull cycles repair any gap.
func (h *Hub) Publish(ev store.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.log.Warn("subscriber buffer full, dropping event",
				zap.String("table", ev.Table),
				zap.String("type", string(ev.Type)))
		}
	}
}

// Close detaches all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
