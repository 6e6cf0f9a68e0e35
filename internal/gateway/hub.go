// Package gateway is the fan-out edge: it owns long-lived client sessions,
// routes enriched bus events into rooms and delivers cache snapshots on
// subscribe. Instances scale horizontally with no coordination beyond the
// shared bus — every instance consumes the full enriched stream and filters
// against its local sessions.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/deltastream/deltastream/internal/cache"
	"github.com/deltastream/deltastream/internal/metrics"
	"github.com/deltastream/deltastream/internal/models"
	"github.com/deltastream/deltastream/internal/store"
)

// Hub is the instance-scoped session and room registry.
type Hub struct {
	cache *cache.Adapter
	store *store.Store

	queueSize int

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}
}

// NewHub builds an empty hub.
func NewHub(c *cache.Adapter, s *store.Store, queueSize int) *Hub {
	return &Hub{
		cache:     c,
		store:     s,
		queueSize: queueSize,
		sessions:  make(map[*Session]struct{}),
		rooms:     make(map[string]map[*Session]struct{}),
	}
}

// register admits a session into the general room and acks the connection.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.joinLocked(s, RoomGeneral)
	h.mu.Unlock()
	metrics.ActiveSessions.Inc()

	f := newServerFrame(EventConnected)
	f.ClientID = s.ID
	f.Rooms = []string{RoomGeneral}
	s.sendEvent(f, true)
	log.Debug().Str("client_id", s.ID).Msg("session connected")
}

// unregister removes a session from every room. Safe to call repeatedly.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	for room, members := range h.rooms {
		if _, ok := members[s]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
	s.out.close()
	s.signalDone()
	metrics.ActiveSessions.Dec()
	log.Debug().Str("client_id", s.ID).Msg("session disconnected")
}

func (h *Hub) joinLocked(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
}

func (h *Hub) leave(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// broadcast delivers a frame to every local member of a room. Remote
// members are someone else's locals.
func (h *Hub) broadcast(room string, f outFrame) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()
	for _, s := range members {
		s.send(f)
	}
}

// handleClientFrame dispatches one parsed client request.
func (h *Hub) handleClientFrame(s *Session, frame ClientFrame) {
	switch frame.Action {
	case ActionSubscribe:
		h.subscribe(s, frame)
	case ActionUnsubscribe:
		h.unsubscribe(s, frame)
	case ActionGetProducts:
		h.sendProducts(s)
	default:
		s.sendError("unknown action")
	}
}

func roomFor(frame ClientFrame) (string, bool) {
	if frame.Symbol == "" {
		return "", false
	}
	switch frame.Kind {
	case "product":
		return roomProduct(frame.Symbol), true
	case "chain":
		return roomChain(frame.Symbol), true
	default:
		return "", false
	}
}

func (h *Hub) subscribe(s *Session, frame ClientFrame) {
	room, ok := roomFor(frame)
	if !ok {
		s.sendError("subscribe requires kind (product|chain) and symbol")
		return
	}

	f := newServerFrame(EventSubscribed)
	f.Room = room

	// Join, ack and snapshot are queued under the hub write lock so a
	// concurrent broadcast cannot slip a live event in front of the
	// snapshot. An event routed before we took the lock was cached before
	// it was published, so the snapshot read below already reflects it.
	h.mu.Lock()
	h.joinLocked(s, room)
	s.sendEvent(f, true)
	h.queueSnapshot(s, frame.Kind, frame.Symbol)
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(s *Session, frame ClientFrame) {
	room, ok := roomFor(frame)
	if !ok {
		s.sendError("unsubscribe requires kind (product|chain) and symbol")
		return
	}
	h.leave(s, room)

	f := newServerFrame(EventUnsubscribed)
	f.Room = room
	s.sendEvent(f, true)
}

// queueSnapshot delivers the hot-cache view for a fresh subscription. Called
// with the hub write lock held, which stalls broadcasts until the snapshot is
// queued. Snapshot frames share the control class: backpressure never sheds
// them.
func (h *Hub) queueSnapshot(s *Session, kind, product string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch kind {
	case "product":
		var tick models.UnderlyingTick
		found, err := h.cache.GetJSON(ctx, cache.KeyLatestUnderlying(product), &tick)
		if err != nil || !found {
			return
		}
		if f, err := snapshotFrame(EventUnderlying, tick); err == nil {
			s.send(f)
		}
	case "chain":
		expiries, err := h.cache.KnownExpiries(ctx, product)
		if err != nil {
			return
		}
		for _, expiry := range expiries {
			var chain models.EnrichedChain
			found, err := h.cache.GetJSON(ctx, cache.KeyLatestChain(product, expiry), &chain)
			if err != nil || !found {
				continue
			}
			if f, err := snapshotFrame(EventChainUpdate, chain); err == nil {
				s.send(f)
			}
		}
	}
}

func snapshotFrame(event string, payload any) (outFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return outFrame{}, err
	}
	f := newServerFrame(event)
	f.Data = raw
	return encodeFrame(f, true), nil
}

func (h *Hub) sendProducts(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	products, err := h.store.Products(ctx)
	if err != nil {
		log.Error().Err(err).Msg("product universe query failed")
		s.sendError("products unavailable")
		return
	}
	f := newServerFrame(EventProducts)
	f.Products = products
	s.sendEvent(f, true)
}

// Run consumes the enriched topics from the shared bus and fans events out
// to local rooms until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	msgs, closeSub := h.cache.Subscribe(ctx, cache.TopicEnrichedUnderlying, cache.TopicEnrichedChain)
	defer closeSub()

	log.Info().Msg("gateway bus consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			switch msg.Channel {
			case cache.TopicEnrichedUnderlying:
				h.routeUnderlying([]byte(msg.Payload))
			case cache.TopicEnrichedChain:
				h.routeChain([]byte(msg.Payload))
			}
		}
	}
}

func (h *Hub) routeUnderlying(payload []byte) {
	var tick models.EnrichedTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		log.Warn().Err(err).Msg("unreadable enriched tick")
		return
	}
	f := newServerFrame(EventUnderlying)
	f.Data = payload
	h.broadcast(roomProduct(tick.Product), encodeFrame(f, false))
}

func (h *Hub) routeChain(payload []byte) {
	var chain models.EnrichedChain
	if err := json.Unmarshal(payload, &chain); err != nil {
		log.Warn().Err(err).Msg("unreadable enriched chain")
		return
	}

	full := newServerFrame(EventChainUpdate)
	full.Data = payload
	h.broadcast(roomChain(chain.Product), encodeFrame(full, false))

	// The general room gets a projection of the same event, not a second
	// publish.
	if summary, err := dataFrame(EventChainSummary, chain.Summary()); err == nil {
		h.broadcast(RoomGeneral, summary)
	}
}

// CloseAll disconnects every session; used on gateway shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.closeWithReason(websocket.CloseGoingAway, "server shutting down")
		h.unregister(s)
	}
}
