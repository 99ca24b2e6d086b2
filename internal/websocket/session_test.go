package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamxr/internal/config"
	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

// createObject makes one shared object and drains the creation broadcast
// from every listed client, returning the new object id.
func createObject(t *testing.T, creator *testClient, others ...*testClient) string {
	t.Helper()
	creator.send(protocol.CreateObject{
		Type:   protocol.TypeCreateObject,
		Object: protocol.NewObject{Kind: "cube", Position: [3]float64{1, 0, 0}},
	})
	created := creator.readKind(protocol.TypeObjectCreated)
	obj := created["object"].(map[string]interface{})
	id := obj["objectId"].(string)
	require.NotEmpty(t, id)
	for _, c := range others {
		c.readKind(protocol.TypeObjectCreated)
	}
	return id
}

// grabObject grabs and drains the grab broadcast from every listed client
func grabObject(t *testing.T, owner *testClient, id string, others ...*testClient) {
	t.Helper()
	owner.send(protocol.GrabObject{Type: protocol.TypeGrabObject, ObjectID: id})
	m := owner.readKind(protocol.TypeObjectGrabbed)
	require.Equal(t, id, m["objectId"])
	require.Equal(t, owner.id, m["userId"])
	for _, c := range others {
		c.readKind(protocol.TypeObjectGrabbed)
	}
}

func TestPingEchoesTimestamp(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dial(t, env)

	c.send(protocol.Ping{Type: protocol.TypePing, Timestamp: 123456789})
	m := c.readKind(protocol.TypePong)
	assert.Equal(t, float64(123456789), m["timestamp"])
}

func TestSignalRelayedToPeersOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	a := dial(t, env)
	b := dial(t, env)
	a.readKind(protocol.TypePeerConnected)

	a.send(protocol.SignalMessage{
		Type:   protocol.TypeSignal,
		Signal: json.RawMessage(`{"sdp":"offer-1"}`),
	})

	m := b.readKind(protocol.TypeSignal)
	assert.Equal(t, a.id, m["from"])
	assert.Equal(t, "offer-1", m["signal"].(map[string]interface{})["sdp"])

	// The sender gets no echo of its own signal.
	a.expectSilence()
}

func TestPositionSharedWithRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	a := dial(t, env)

	a.send(protocol.PositionUpdate{Type: protocol.TypePositionUpdate, Position: [3]float64{1, 2, 3}})
	// Round-trip a ping so the update has landed before the next join.
	a.expectSilence()

	b := dial(t, env)
	require.Contains(t, b.welcome.UserPositions, a.id)
	assert.Equal(t, [3]float64{1, 2, 3}, b.welcome.UserPositions[a.id].Position)
	a.readKind(protocol.TypePeerConnected)

	b.send(protocol.PositionUpdate{Type: protocol.TypePositionUpdate, Position: [3]float64{4, 5, 6}})
	m := a.readKind(protocol.TypeUserPosition)
	assert.Equal(t, b.id, m["userId"])
	assert.Equal(t, []interface{}{4.0, 5.0, 6.0}, m["position"])
	b.expectSilence()
}

func TestRenderModeValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dial(t, env)

	c.send(protocol.SetRenderMode{Type: protocol.TypeSetRenderMode, Mode: "holographic"})
	m := c.readKind(protocol.TypeNeRFError)
	assert.Contains(t, m["error"].(string), "unsupported render mode")

	// A valid switch is silently accepted and the session stays up.
	c.send(protocol.SetRenderMode{Type: protocol.TypeSetRenderMode, Mode: protocol.RenderModeWireframe})
	c.expectSilence()
}

func TestUnknownKindsIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dial(t, env)

	c.send(map[string]string{"type": "teleport"})
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.expectSilence()
}

func TestGetRoomObjectsListsCreationOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dial(t, env)

	first := createObject(t, c)
	second := createObject(t, c)

	c.send(protocol.GetRoomObjects{Type: protocol.TypeGetRoomObjects})
	m := c.readKind(protocol.TypeRoomObjects)
	assert.Equal(t, "default", m["roomId"])
	objs := m["objects"].([]interface{})
	require.Len(t, objs, 2)
	assert.Equal(t, first, objs[0].(map[string]interface{})["objectId"])
	assert.Equal(t, second, objs[1].(map[string]interface{})["objectId"])
}

func TestGrabContention(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.OwnershipTimeout = time.Minute })
	a := dial(t, env)
	b := dial(t, env)
	a.readKind(protocol.TypePeerConnected)

	id := createObject(t, a, b)

	a.send(protocol.GrabObject{Type: protocol.TypeGrabObject, ObjectID: id})
	ga := a.readKind(protocol.TypeObjectGrabbed)
	assert.Equal(t, a.id, ga["userId"])
	assert.Equal(t, a.id, ga["object"].(map[string]interface{})["ownedBy"])
	gb := b.readKind(protocol.TypeObjectGrabbed)
	assert.Equal(t, a.id, gb["userId"])

	// The loser hears about it privately, the owner hears nothing.
	b.send(protocol.GrabObject{Type: protocol.TypeGrabObject, ObjectID: id})
	failed := b.readKind(protocol.TypeGrabFailed)
	assert.Equal(t, id, failed["objectId"])
	assert.Equal(t, a.id, failed["ownedBy"])
	a.expectSilence()
}

func TestUpdateObjectOwnershipGate(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.OwnershipTimeout = time.Minute })
	a := dial(t, env)
	b := dial(t, env)
	a.readKind(protocol.TypePeerConnected)

	id := createObject(t, a, b)

	// Unowned objects accept updates from anyone.
	amber := "#FF8800"
	b.send(protocol.UpdateObject{
		Type:     protocol.TypeUpdateObject,
		ObjectID: id,
		Updates:  protocol.ObjectUpdates{Color: &amber},
	})
	ua := a.readKind(protocol.TypeObjectUpdated)
	assert.Equal(t, amber, ua["object"].(map[string]interface{})["color"])
	b.readKind(protocol.TypeObjectUpdated)

	grabObject(t, a, id, b)

	// Once owned, only the owner may update; others are dropped silently.
	green := "#00FF00"
	b.send(protocol.UpdateObject{
		Type:     protocol.TypeUpdateObject,
		ObjectID: id,
		Updates:  protocol.ObjectUpdates{Color: &green},
	})
	b.expectSilence()
	a.expectSilence()

	a.send(protocol.UpdateObject{
		Type:     protocol.TypeUpdateObject,
		ObjectID: id,
		Updates:  protocol.ObjectUpdates{Color: &green},
	})
	ua = a.readKind(protocol.TypeObjectUpdated)
	assert.Equal(t, green, ua["object"].(map[string]interface{})["color"])
	b.readKind(protocol.TypeObjectUpdated)
}

func TestMoveBroadcastSkipsMover(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.OwnershipTimeout = time.Minute })
	a := dial(t, env)
	b := dial(t, env)
	a.readKind(protocol.TypePeerConnected)

	id := createObject(t, a, b)
	grabObject(t, a, id, b)

	a.send(protocol.MoveObject{Type: protocol.TypeMoveObject, ObjectID: id, Position: [3]float64{9, 8, 7}})
	m := b.readKind(protocol.TypeObjectMoved)
	assert.Equal(t, id, m["objectId"])
	assert.Equal(t, a.id, m["userId"])
	assert.Equal(t, []interface{}{9.0, 8.0, 7.0}, m["position"])
	a.expectSilence()

	// A non-owner's move is dropped without a broadcast.
	b.send(protocol.MoveObject{Type: protocol.TypeMoveObject, ObjectID: id, Position: [3]float64{0, 0, 0}})
	b.expectSilence()
	a.expectSilence()
}

func TestReleaseRequiresOwnership(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.OwnershipTimeout = time.Minute })
	a := dial(t, env)
	b := dial(t, env)
	a.readKind(protocol.TypePeerConnected)

	id := createObject(t, a, b)
	grabObject(t, a, id, b)

	b.send(protocol.ReleaseObject{Type: protocol.TypeReleaseObject, ObjectID: id})
	b.expectSilence()
	a.expectSilence()

	a.send(protocol.ReleaseObject{Type: protocol.TypeReleaseObject, ObjectID: id})
	ra := a.readKind(protocol.TypeObjectReleased)
	assert.Equal(t, id, ra["objectId"])
	assert.Equal(t, a.id, ra["userId"])
	b.readKind(protocol.TypeObjectReleased)
}

// An untouched grab lapses after the ownership timeout and behaves exactly
// like a release by the owner.
func TestIdleGrabLapses(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.OwnershipTimeout = 150 * time.Millisecond })
	c := dial(t, env)

	id := createObject(t, c)
	grabbedAt := time.Now()
	grabObject(t, c, id)

	m := c.readKind(protocol.TypeObjectReleased)
	elapsed := time.Since(grabbedAt)
	assert.Equal(t, id, m["objectId"])
	assert.Equal(t, c.id, m["userId"])
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond, "grab lapsed early")
	assert.Less(t, elapsed, 2*time.Second, "grab lapsed far too late")

	// The lapsed object is free again.
	grabObject(t, c, id)
}

func TestDeleteObjectBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	a := dial(t, env)
	b := dial(t, env)
	a.readKind(protocol.TypePeerConnected)

	id := createObject(t, a, b)

	b.send(protocol.DeleteObject{Type: protocol.TypeDeleteObject, ObjectID: id})
	da := a.readKind(protocol.TypeObjectDeleted)
	assert.Equal(t, id, da["objectId"])
	b.readKind(protocol.TypeObjectDeleted)

	// Deleting an object that is already gone is a no-op.
	b.send(protocol.DeleteObject{Type: protocol.TypeDeleteObject, ObjectID: id})
	b.expectSilence()
}

func TestSimulationModeOverridesBandwidth(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dial(t, env)

	assert.Equal(t, "low", reportBandwidth(c, 1_500_000))
	assert.Equal(t, "high", reportBandwidth(c, 1_500_000))

	c.send(protocol.SetSimulationMode{Type: protocol.TypeSetSimulationMode, Enabled: true})
	m := c.readKind(protocol.TypeSimulationModeChanged)
	assert.Equal(t, true, m["enabled"])
	assert.Equal(t, "low", m["lod"])

	// Streams now serve LOW despite the warm HIGH estimate.
	c.send(protocol.RequestAsset{Type: protocol.TypeRequestAsset, AssetID: "cube"})
	meta := c.readKind(protocol.TypeAssetMetadata)
	assert.Equal(t, "low", meta["lod"])
	payload := readAssetTransfer(c, int(meta["chunks"].(float64)))
	assert.Equal(t, env.cubeLow, payload)

	// Disabling restores the bandwidth-driven decision.
	c.send(protocol.SetSimulationMode{Type: protocol.TypeSetSimulationMode, Enabled: false})
	m = c.readKind(protocol.TypeSimulationModeChanged)
	assert.Equal(t, false, m["enabled"])
	assert.Equal(t, "high", m["lod"])
	rec := c.readKind(protocol.TypeLODRecommendation)
	assert.Equal(t, "high", rec["lod"])
}

func TestSimulationModeEnableIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dial(t, env)

	for i := 0; i < 2; i++ {
		c.send(protocol.SetSimulationMode{Type: protocol.TypeSetSimulationMode, Enabled: true})
		m := c.readKind(protocol.TypeSimulationModeChanged)
		assert.Equal(t, true, m["enabled"])
		assert.Equal(t, "low", m["lod"])
	}

	// One disable clears the pin regardless of how often it was enabled.
	c.send(protocol.SetSimulationMode{Type: protocol.TypeSetSimulationMode, Enabled: false})
	m := c.readKind(protocol.TypeSimulationModeChanged)
	assert.Equal(t, false, m["enabled"])
	c.readKind(protocol.TypeLODRecommendation)

	assert.Equal(t, "low", reportBandwidth(c, 1_500_000))
	assert.Equal(t, "high", reportBandwidth(c, 1_500_000))
}

// White-box check of the inbound binary demux: expectations are consumed
// in FIFO order and an unmatched frame leaves the table untouched.
func TestInboundBinaryDemux(t *testing.T) {
	s := &Session{
		hub:    &Hub{metrics: newTestMetrics(), logger: logging.NewLogger()},
		send:   make(chan frame, 1),
		closed: make(chan struct{}),
	}

	s.expectBinary("upload-1")
	s.expectBinary("upload-2")

	s.handleBinary([]byte{1})
	s.mu.Lock()
	remaining := append([]string(nil), s.expected...)
	s.mu.Unlock()
	require.Equal(t, []string{"upload-2"}, remaining)

	s.handleBinary([]byte{2})
	s.handleBinary([]byte{3}) // unmatched, dropped

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.expected)
}
