package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 16

// AudienceResolver computes the set of user ids entitled to receive an event.
// Collection events fan out to the collection's members; note events fan out
// to the note's collaborators union the owning collection's members.
type AudienceResolver interface {
	CollectionAudience(ctx context.Context, collectionID string) ([]string, error)
	NoteAudience(ctx context.Context, noteID string) ([]string, error)
}

// Hub routes domain events to the currently-connected clients of an audience.
// Delivery is best-effort only: there is no queuing or replay for missed
// events, the sync engine's resync-on-reconnect is the correctness backstop.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[string]*subscriber
	bufferSize  int
	resolver    AudienceResolver
	logger      *zap.Logger
}

type subscriber struct {
	clientID string
	stream   chan Event
}

// New constructs a Hub. The resolver may be attached later via SetResolver
// when hub and store are constructed in either order.
func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]map[string]*subscriber),
		bufferSize:  defaultBufferSize,
		logger:      logger,
	}
}

// SetResolver attaches the audience resolver used by the Broadcast helpers.
func (h *Hub) SetResolver(resolver AudienceResolver) {
	h.mu.Lock()
	h.resolver = resolver
	h.mu.Unlock()
}

// Connect registers a live sink for the (userID, clientID) pair and returns
// its event stream plus a cleanup function. The stream immediately carries a
// synthetic INIT event echoing the negotiated client id so the device can tag
// its own subsequent writes for self-exclusion. Connecting again with the
// same client id replaces the previous sink.
func (h *Hub) Connect(ctx context.Context, userID, clientID string) (<-chan Event, func()) {
	if userID == "" || clientID == "" {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}

	sub := &subscriber{
		clientID: clientID,
		stream:   make(chan Event, h.bufferSize),
	}
	h.mu.Lock()
	if _, ok := h.connections[userID]; !ok {
		h.connections[userID] = make(map[string]*subscriber)
	}
	h.connections[userID][clientID] = sub
	h.mu.Unlock()

	sub.stream <- Event{Type: EventInit, ClientID: clientID}

	cleanup := func() {
		h.Disconnect(userID, clientID)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Disconnect removes the sink for the (userID, clientID) pair. When it was
// the user's last connection the user's routing entry is dropped entirely so
// the routing table never outgrows the live connection count. Unknown pairs
// are a silent no-op.
func (h *Hub) Disconnect(userID, clientID string) {
	h.mu.Lock()
	clients := h.connections[userID]
	if clients != nil {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(h.connections, userID)
		}
	}
	h.mu.Unlock()
}

// ConnectionCount reports the number of live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// Publish delivers the event to every currently-connected client of every
// user in the audience, skipping the connection whose id equals
// excludeClientID. Sends never block: a full or stalled sink drops the event.
func (h *Hub) Publish(event Event, audience []string, excludeClientID string) {
	if event.Type == "" || len(audience) == 0 {
		return
	}
	event.OriginClientID = excludeClientID

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(audience))
	for _, userID := range audience {
		for _, sub := range h.connections[userID] {
			if sub.clientID == excludeClientID {
				continue
			}
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// BroadcastCollection resolves the collection's audience and publishes.
// Resolution failures are logged and dropped: broadcast is a low-value
// notification layered over the recoverable resync path.
func (h *Hub) BroadcastCollection(ctx context.Context, collectionID string, event Event, excludeClientID string) {
	resolver := h.currentResolver()
	if resolver == nil {
		return
	}
	audience, err := resolver.CollectionAudience(ctx, collectionID)
	if err != nil {
		h.logger.Warn("collection audience resolution failed",
			zap.String("collection_id", collectionID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return
	}
	h.Publish(event, audience, excludeClientID)
}

// BroadcastNote resolves the note's audience and publishes.
func (h *Hub) BroadcastNote(ctx context.Context, noteID string, event Event, excludeClientID string) {
	resolver := h.currentResolver()
	if resolver == nil {
		return
	}
	audience, err := resolver.NoteAudience(ctx, noteID)
	if err != nil {
		h.logger.Warn("note audience resolution failed",
			zap.String("note_id", noteID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return
	}
	h.Publish(event, audience, excludeClientID)
}

func (h *Hub) currentResolver() AudienceResolver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.resolver
}
