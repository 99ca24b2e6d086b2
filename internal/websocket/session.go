package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size
	maxMessageSize = 1 << 20

	// Outbound queue capacity. A session that falls this far behind is
	// closed as a slow consumer.
	sendQueueSize = 256
)

// frame is one outbound queue item: a JSON text frame plus an optional
// binary frame written immediately after it. Keeping the pair in one item
// is what makes chunk header and chunk payload inseparable on the wire.
type frame struct {
	kind   string
	text   []byte
	binary []byte
}

// Session is one connected client. The read pump is the sole reader and the
// write pump the sole writer of the underlying connection.
type Session struct {
	ID    string
	room  string
	color string

	hub  *Hub
	conn *websocket.Conn
	send chan frame

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once

	// streamMu serialises outbound transfers so the binary frames of two
	// streams never interleave.
	streamMu sync.Mutex

	mu         sync.Mutex
	renderMode string
	expected   []string // inbound streams awaiting their next binary frame
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         uuid.New().String(),
		hub:        h,
		conn:       conn,
		send:       make(chan frame, sendQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
		renderMode: protocol.RenderModeSplat,
	}
}

// shutdown stops both pumps and any in-flight streaming work. Safe to call
// more than once.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.conn.Close()
	})
}

// tryEnqueue queues a frame without blocking. It reports false when the
// session is closed or the queue is full.
func (s *Session) tryEnqueue(f frame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// enqueue queues a frame, blocking for backpressure. It reports false when
// the session closes while waiting.
func (s *Session) enqueue(f frame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.closed:
		return false
	}
}

// sendJSON marshals and queues a direct reply. Replies share the broadcast
// policy: a full queue means the session is too slow to keep.
func (s *Session) sendJSON(kind string, msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.hub.logger.WithError(err).WithField("kind", kind).Error("Failed to marshal reply")
		return false
	}
	if !s.tryEnqueue(frame{kind: kind, text: data}) {
		s.hub.logger.WithFields(logging.Fields{
			"client_id": s.ID,
			"kind":      kind,
		}).Warn("Closing slow session, outbound queue full")
		s.shutdown()
		return false
	}
	return true
}

// readPump is the sole reader of the connection. It dispatches text frames
// and demultiplexes binary frames until the connection drops.
func (s *Session) readPump() {
	defer s.hub.Leave(s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.logger.WithError(err).WithField("client_id", s.ID).Warn("Connection error")
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.dispatch(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

// writePump is the sole writer of the connection. It drains the outbound
// queue in FIFO order and keeps the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, f.text); err != nil {
				return
			}
			if f.binary != nil {
				if err := s.conn.WriteMessage(websocket.BinaryMessage, f.binary); err != nil {
					return
				}
			}
			s.hub.metrics.Messages.WithLabelValues(f.kind, "outbound").Inc()

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// expectBinary registers that the next unmatched inbound binary frame
// belongs to the given stream. No current inbound operation registers one,
// but the demux keeps concurrent inbound streams unambiguous.
func (s *Session) expectBinary(streamID string) {
	s.mu.Lock()
	s.expected = append(s.expected, streamID)
	s.mu.Unlock()
}

func (s *Session) handleBinary(data []byte) {
	s.mu.Lock()
	var streamID string
	if len(s.expected) > 0 {
		streamID = s.expected[0]
		s.expected = s.expected[1:]
	}
	s.mu.Unlock()

	s.hub.metrics.Messages.WithLabelValues("binary", "inbound").Inc()

	if streamID == "" {
		s.hub.logger.WithFields(logging.Fields{
			"client_id": s.ID,
			"bytes":     len(data),
		}).Warn("Dropping binary frame with no pending stream")
		return
	}
	s.hub.logger.WithFields(logging.Fields{
		"client_id": s.ID,
		"stream_id": streamID,
		"bytes":     len(data),
	}).Debug("Discarding inbound binary payload")
}

// dispatch routes one JSON control frame. Unknown kinds are logged and
// ignored, malformed frames are dropped.
func (s *Session) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		s.hub.logger.WithError(err).WithField("client_id", s.ID).Debug("Dropping malformed frame")
		return
	}
	s.hub.metrics.Messages.WithLabelValues(head.Type, "inbound").Inc()

	switch head.Type {
	case protocol.TypeSignal:
		s.handleSignal(data)
	case protocol.TypeListAssets:
		s.handleListAssets()
	case protocol.TypeRequestAsset:
		var msg protocol.RequestAsset
		if s.decode(data, &msg) {
			go s.streamAsset(msg)
		}
	case protocol.TypeRequestNeRF:
		var msg protocol.RequestNeRF
		if s.decode(data, &msg) {
			go s.streamNeRF(msg)
		}
	case protocol.TypeSetRenderMode:
		s.handleRenderMode(data)
	case protocol.TypeBandwidthMetrics:
		s.handleBandwidth(data)
	case protocol.TypeHeadTracking:
		s.handleHeadTracking(data)
	case protocol.TypePositionUpdate:
		s.handlePositionUpdate(data)
	case protocol.TypeGetRoomObjects:
		s.handleGetRoomObjects(data)
	case protocol.TypeCreateObject:
		s.handleCreateObject(data)
	case protocol.TypeUpdateObject:
		s.handleUpdateObject(data)
	case protocol.TypeDeleteObject:
		s.handleDeleteObject(data)
	case protocol.TypeGrabObject:
		s.handleGrabObject(data)
	case protocol.TypeReleaseObject:
		s.handleReleaseObject(data)
	case protocol.TypeMoveObject:
		s.handleMoveObject(data)
	case protocol.TypeSetSimulationMode:
		s.handleSimulationMode(data)
	case protocol.TypePing:
		s.handlePing(data)
	default:
		s.hub.logger.WithFields(logging.Fields{
			"client_id": s.ID,
			"type":      head.Type,
		}).Debug("Ignoring unknown message kind")
	}
}

func (s *Session) decode(data []byte, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.hub.logger.WithError(err).WithField("client_id", s.ID).Debug("Dropping malformed frame")
		return false
	}
	return true
}

// roomFor resolves the room a message targets; empty means the session's own
func (s *Session) roomFor(requested string) string {
	if requested != "" {
		return requested
	}
	return s.room
}

func (s *Session) handleSignal(data []byte) {
	var msg protocol.SignalMessage
	if !s.decode(data, &msg) {
		return
	}
	s.hub.BroadcastRoom(s.room, protocol.TypeSignal, protocol.SignalRelay{
		Type:   protocol.TypeSignal,
		From:   s.ID,
		Signal: msg.Signal,
	}, s.ID)
}

func (s *Session) handleListAssets() {
	s.sendJSON(protocol.TypeAssetList, protocol.AssetList{
		Type:   protocol.TypeAssetList,
		Assets: s.hub.assets.List(),
	})
}

func (s *Session) handleRenderMode(data []byte) {
	var msg protocol.SetRenderMode
	if !s.decode(data, &msg) {
		return
	}
	if !protocol.ValidRenderMode(msg.Mode) {
		s.sendJSON(protocol.TypeNeRFError, protocol.NeRFError{
			Type:  protocol.TypeNeRFError,
			Error: "unsupported render mode: " + msg.Mode,
		})
		return
	}
	s.mu.Lock()
	s.renderMode = msg.Mode
	s.mu.Unlock()
}

func (s *Session) handleBandwidth(data []byte) {
	var msg protocol.BandwidthMetrics
	if !s.decode(data, &msg) {
		return
	}
	tier := s.hub.estimator.ObserveClient(s.ID, msg.Metrics.Bandwidth)
	s.sendJSON(protocol.TypeLODRecommendation, protocol.LODRecommendation{
		Type: protocol.TypeLODRecommendation,
		LOD:  tier,
	})
}

func (s *Session) handleHeadTracking(data []byte) {
	var msg protocol.HeadTracking
	if !s.decode(data, &msg) {
		return
	}
	pose := protocol.Pose{
		Position:   msg.Position,
		Rotation:   msg.Rotation,
		Quaternion: msg.Quaternion,
		FOV:        msg.FOV,
	}
	s.hub.tracker.Update(s.ID, pose)
	s.hub.rooms.UpdatePose(s.ID, pose)
	s.broadcastPosition(msg.Position, msg.Rotation, msg.Quaternion)
}

func (s *Session) handlePositionUpdate(data []byte) {
	var msg protocol.PositionUpdate
	if !s.decode(data, &msg) {
		return
	}
	pose := protocol.Pose{
		Position:   msg.Position,
		Rotation:   msg.Rotation,
		Quaternion: msg.Quaternion,
	}
	s.hub.tracker.Update(s.ID, pose)
	s.hub.rooms.UpdatePose(s.ID, pose)
	s.broadcastPosition(msg.Position, msg.Rotation, msg.Quaternion)
}

func (s *Session) broadcastPosition(position [3]float64, rotation *[3]float64, quaternion *[4]float64) {
	s.hub.BroadcastRoom(s.room, protocol.TypeUserPosition, protocol.UserPosition{
		Type:       protocol.TypeUserPosition,
		UserID:     s.ID,
		Position:   position,
		Rotation:   rotation,
		Quaternion: quaternion,
	}, s.ID)
}

func (s *Session) handleGetRoomObjects(data []byte) {
	var msg protocol.GetRoomObjects
	if !s.decode(data, &msg) {
		return
	}
	room := s.roomFor(msg.RoomID)
	s.sendJSON(protocol.TypeRoomObjects, protocol.RoomObjects{
		Type:    protocol.TypeRoomObjects,
		RoomID:  room,
		Objects: s.hub.objects.List(room),
	})
}

func (s *Session) handleCreateObject(data []byte) {
	var msg protocol.CreateObject
	if !s.decode(data, &msg) {
		return
	}
	room := s.roomFor(msg.RoomID)
	rec := s.hub.objects.Create(room, msg.Object, s.ID)
	s.hub.metrics.SharedObjects.WithLabelValues(room).Inc()
	s.hub.BroadcastRoom(room, protocol.TypeObjectCreated, protocol.ObjectCreated{
		Type:   protocol.TypeObjectCreated,
		Object: rec,
	}, "")
}

func (s *Session) handleUpdateObject(data []byte) {
	var msg protocol.UpdateObject
	if !s.decode(data, &msg) {
		return
	}
	room := s.roomFor(msg.RoomID)
	rec, ok := s.hub.objects.Update(room, msg.ObjectID, s.ID, msg.Updates)
	if !ok {
		return
	}
	s.hub.BroadcastRoom(room, protocol.TypeObjectUpdated, protocol.ObjectUpdated{
		Type:   protocol.TypeObjectUpdated,
		Object: rec,
	}, "")
}

func (s *Session) handleDeleteObject(data []byte) {
	var msg protocol.DeleteObject
	if !s.decode(data, &msg) {
		return
	}
	room := s.roomFor(msg.RoomID)
	if !s.hub.objects.Delete(room, msg.ObjectID) {
		return
	}
	s.hub.metrics.SharedObjects.WithLabelValues(room).Dec()
	s.hub.BroadcastRoom(room, protocol.TypeObjectDeleted, protocol.ObjectDeleted{
		Type:     protocol.TypeObjectDeleted,
		ObjectID: msg.ObjectID,
	}, "")
}

func (s *Session) handleGrabObject(data []byte) {
	var msg protocol.GrabObject
	if !s.decode(data, &msg) {
		return
	}
	room := s.roomFor(msg.RoomID)
	rec, owner, ok := s.hub.objects.Grab(room, msg.ObjectID, s.ID)
	if !ok {
		s.sendJSON(protocol.TypeGrabFailed, protocol.GrabFailed{
			Type:     protocol.TypeGrabFailed,
			ObjectID: msg.ObjectID,
			OwnedBy:  owner,
		})
		return
	}
	s.hub.BroadcastRoom(room, protocol.TypeObjectGrabbed, protocol.ObjectGrabbed{
		Type:     protocol.TypeObjectGrabbed,
		ObjectID: msg.ObjectID,
		UserID:   s.ID,
		Object:   rec,
	}, "")
}

func (s *Session) handleReleaseObject(data []byte) {
	var msg protocol.ReleaseObject
	if !s.decode(data, &msg) {
		return
	}
	room := s.roomFor(msg.RoomID)
	if !s.hub.objects.Release(room, msg.ObjectID, s.ID) {
		s.hub.logger.WithFields(logging.Fields{
			"client_id": s.ID,
			"object_id": msg.ObjectID,
		}).Debug("Ignoring release by non-owner")
		return
	}
	s.hub.BroadcastRoom(room, protocol.TypeObjectReleased, protocol.ObjectReleased{
		Type:     protocol.TypeObjectReleased,
		ObjectID: msg.ObjectID,
		UserID:   s.ID,
	}, "")
}

func (s *Session) handleMoveObject(data []byte) {
	var msg protocol.MoveObject
	if !s.decode(data, &msg) {
		return
	}
	room := s.roomFor(msg.RoomID)
	if _, ok := s.hub.objects.Move(room, msg.ObjectID, s.ID, msg.Position, msg.Rotation, msg.Scale); !ok {
		return
	}
	// The mover already has the latest transform locally.
	s.hub.BroadcastRoom(room, protocol.TypeObjectMoved, protocol.ObjectMoved{
		Type:     protocol.TypeObjectMoved,
		ObjectID: msg.ObjectID,
		Position: msg.Position,
		Rotation: msg.Rotation,
		Scale:    msg.Scale,
		UserID:   s.ID,
	}, s.ID)
}

func (s *Session) handleSimulationMode(data []byte) {
	var msg protocol.SetSimulationMode
	if !s.decode(data, &msg) {
		return
	}
	if msg.Enabled {
		low := protocol.LODLow
		s.hub.estimator.SetForced(s.ID, &low)
		s.sendJSON(protocol.TypeSimulationModeChanged, protocol.SimulationModeChanged{
			Type:    protocol.TypeSimulationModeChanged,
			Enabled: true,
			LOD:     low,
		})
		return
	}

	s.hub.estimator.SetForced(s.ID, nil)
	tier := s.hub.estimator.Decide(s.ID)
	s.sendJSON(protocol.TypeSimulationModeChanged, protocol.SimulationModeChanged{
		Type:    protocol.TypeSimulationModeChanged,
		Enabled: false,
		LOD:     tier,
	})
	s.sendJSON(protocol.TypeLODRecommendation, protocol.LODRecommendation{
		Type: protocol.TypeLODRecommendation,
		LOD:  tier,
	})
}

func (s *Session) handlePing(data []byte) {
	var msg protocol.Ping
	if !s.decode(data, &msg) {
		return
	}
	s.sendJSON(protocol.TypePong, protocol.Pong{
		Type:      protocol.TypePong,
		Timestamp: msg.Timestamp,
	})
}
