package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"streamxr/internal/adaptive"
	"streamxr/internal/assets"
	"streamxr/internal/config"
	"streamxr/internal/foveation"
	"streamxr/internal/metrics"
	"streamxr/internal/objects"
	"streamxr/internal/rooms"
	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub owns the live session set and the shared services sessions dispatch
// into. It is the only place broadcasts originate.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	reserved int

	cfg       *config.Config
	assets    *assets.Manager
	estimator *adaptive.Estimator
	tracker   *foveation.Tracker
	rooms     *rooms.Registry
	objects   *objects.Registry
	metrics   *metrics.Metrics
	logger    logging.Logger
}

// NewHub wires the shared services together and registers the idle-release
// callback with the object registry.
func NewHub(
	cfg *config.Config,
	assetManager *assets.Manager,
	estimator *adaptive.Estimator,
	tracker *foveation.Tracker,
	roomRegistry *rooms.Registry,
	objectRegistry *objects.Registry,
	serviceMetrics *metrics.Metrics,
	logger logging.Logger,
) *Hub {
	h := &Hub{
		sessions:  make(map[string]*Session),
		cfg:       cfg,
		assets:    assetManager,
		estimator: estimator,
		tracker:   tracker,
		rooms:     roomRegistry,
		objects:   objectRegistry,
		metrics:   serviceMetrics,
		logger:    logger,
	}
	objectRegistry.SetOnExpire(h.objectExpired)
	return h
}

// ServeWS upgrades an HTTP request into a session. Connections beyond the
// session cap are refused before the upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.reserve() {
		h.logger.WithField("remote_addr", r.RemoteAddr).Warn("Refusing connection, session limit reached")
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unreserve()
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	session := newSession(h, conn)
	h.join(session)

	go session.writePump()
	go session.readPump()
}

// reserve claims a session slot ahead of the upgrade so concurrent accepts
// cannot overshoot the cap.
func (h *Hub) reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions)+h.reserved >= h.cfg.MaxSessions {
		return false
	}
	h.reserved++
	return true
}

func (h *Hub) unreserve() {
	h.mu.Lock()
	h.reserved--
	h.mu.Unlock()
}

// join registers the session, assigns its room and colour and queues the
// welcome frame. The welcome is enqueued under the hub lock so no broadcast
// can slip in front of it.
func (h *Hub) join(s *Session) {
	h.mu.Lock()
	h.reserved--

	roomID, peers, color := h.rooms.Add(s.ID)
	s.room = roomID
	s.color = color
	h.sessions[s.ID] = s

	welcome := protocol.Welcome{
		Type:          protocol.TypeWelcome,
		ID:            s.ID,
		Color:         color,
		Peers:         peers,
		UserPositions: h.rooms.Snapshot(roomID),
	}
	if data, err := json.Marshal(welcome); err == nil {
		s.tryEnqueue(frame{kind: protocol.TypeWelcome, text: data})
	} else {
		h.logger.WithError(err).Error("Failed to marshal welcome payload")
	}

	count := len(h.sessions)
	h.mu.Unlock()

	h.metrics.SessionsActive.WithLabelValues(roomID).Inc()
	h.logger.WithFields(logging.Fields{
		"client_id":     s.ID,
		"room":          roomID,
		"session_count": count,
	}).Info("Session joined")

	h.BroadcastRoom(roomID, protocol.TypePeerConnected, protocol.PeerConnected{
		Type:   protocol.TypePeerConnected,
		PeerID: s.ID,
		Color:  color,
	}, s.ID)
}

// Leave tears a session down: unregister, release owned objects, detach from
// the room, drop per-client estimator and tracker state, then announce the
// departure.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	count := len(h.sessions)
	h.mu.Unlock()

	for _, rel := range h.objects.ReleaseAllOwnedBy(s.ID) {
		h.BroadcastRoom(rel.Room, protocol.TypeObjectReleased, protocol.ObjectReleased{
			Type:     protocol.TypeObjectReleased,
			ObjectID: rel.ObjectID,
			UserID:   s.ID,
		}, s.ID)
	}

	roomID, _ := h.rooms.Remove(s.ID)
	h.estimator.Forget(s.ID)
	h.tracker.Forget(s.ID)

	if roomID != "" {
		h.metrics.SessionsActive.WithLabelValues(roomID).Dec()
		h.BroadcastRoom(roomID, protocol.TypePeerDisconnected, protocol.PeerDisconnected{
			Type:   protocol.TypePeerDisconnected,
			PeerID: s.ID,
		}, s.ID)
	}

	s.shutdown()
	h.logger.WithFields(logging.Fields{
		"client_id":     s.ID,
		"room":          roomID,
		"session_count": count,
	}).Info("Session closed")
}

// BroadcastRoom fans a message out to every session in a room, optionally
// excluding one client. Slow sessions are closed rather than buffered
// without bound.
func (h *Hub) BroadcastRoom(roomID, kind string, msg interface{}, excludeID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).WithField("kind", kind).Error("Failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	var slow []*Session
	for _, s := range h.sessions {
		if s.room != roomID || s.ID == excludeID {
			continue
		}
		if !s.tryEnqueue(frame{kind: kind, text: data}) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	h.metrics.Broadcasts.WithLabelValues("room").Inc()
	h.closeSlow(slow, kind)
}

// BroadcastAll fans a message out to every live session. Used for asset
// lifecycle notifications.
func (h *Hub) BroadcastAll(kind string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).WithField("kind", kind).Error("Failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	var slow []*Session
	for _, s := range h.sessions {
		if !s.tryEnqueue(frame{kind: kind, text: data}) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	h.metrics.Broadcasts.WithLabelValues("all").Inc()
	h.closeSlow(slow, kind)
}

func (h *Hub) closeSlow(slow []*Session, kind string) {
	for _, s := range slow {
		h.logger.WithFields(logging.Fields{
			"client_id": s.ID,
			"kind":      kind,
		}).Warn("Closing slow session, outbound queue full")
		s.shutdown()
	}
}

// SessionCount reports the number of live sessions
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// objectExpired runs on the registry's timer goroutine when a grab lapses.
// Expiry behaves as a release by the owner.
func (h *Hub) objectExpired(room, objectID, ownerID string) {
	h.BroadcastRoom(room, protocol.TypeObjectReleased, protocol.ObjectReleased{
		Type:     protocol.TypeObjectReleased,
		ObjectID: objectID,
		UserID:   ownerID,
	}, "")
}
