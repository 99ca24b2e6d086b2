package protocol

import (
	"encoding/json"
	"strings"
)

// Envelope is the minimal shape of every text frame; the broker peeks at
// Type before unmarshalling the concrete message.
type Envelope struct {
	Type string `json:"type"`
}

// LOD is a level-of-detail tier for mesh assets
type LOD string

const (
	LODHigh   LOD = "high"
	LODMedium LOD = "medium"
	LODLow    LOD = "low"
)

// ParseLOD parses a wire tier name, case-insensitively
func ParseLOD(s string) (LOD, bool) {
	switch LOD(strings.ToLower(s)) {
	case LODHigh:
		return LODHigh, true
	case LODMedium:
		return LODMedium, true
	case LODLow:
		return LODLow, true
	}
	return "", false
}

// FallbackOrder returns the tiers to try when serving a request, starting
// with the requested tier itself: the next-higher tier is preferred over the
// next-lower one.
func (l LOD) FallbackOrder() []LOD {
	switch l {
	case LODHigh:
		return []LOD{LODHigh, LODMedium, LODLow}
	case LODMedium:
		return []LOD{LODMedium, LODHigh, LODLow}
	default:
		return []LOD{LODLow, LODMedium, LODHigh}
	}
}

// NeRFFormat identifies the container of a Gaussian-splat payload
type NeRFFormat string

const (
	NeRFFormatSplat  NeRFFormat = "splat"
	NeRFFormatPLY    NeRFFormat = "ply"
	NeRFFormatKSplat NeRFFormat = "ksplat"
)

// SplatRecordSize is the fixed byte width of one record in the raw .splat
// format (3 float32 position, 3 float32 scale, 4 byte color, 4 byte rotation)
const SplatRecordSize = 32

// Render modes accepted by set_render_mode
const (
	RenderModeSplat     = "splat"
	RenderModePoint     = "point"
	RenderModeMesh      = "mesh"
	RenderModeHybrid    = "hybrid"
	RenderModeWireframe = "wireframe"
)

// ValidRenderMode reports whether mode is one of the accepted render modes
func ValidRenderMode(mode string) bool {
	switch mode {
	case RenderModeSplat, RenderModePoint, RenderModeMesh, RenderModeHybrid, RenderModeWireframe:
		return true
	}
	return false
}

// ChunkCount returns how many chunks a payload of size bytes occupies.
// A zero-byte payload has zero chunks.
func ChunkCount(size, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// Client -> server message type constants
const (
	TypeSignal            = "signal"
	TypeListAssets        = "list_assets"
	TypeRequestAsset      = "request_asset"
	TypeRequestNeRF       = "request_nerf"
	TypeSetRenderMode     = "set_render_mode"
	TypeBandwidthMetrics  = "bandwidth-metrics"
	TypeHeadTracking      = "head-tracking"
	TypePositionUpdate    = "position-update"
	TypeGetRoomObjects    = "get-room-objects"
	TypeCreateObject      = "create-object"
	TypeUpdateObject      = "update-object"
	TypeDeleteObject      = "delete-object"
	TypeGrabObject        = "grab-object"
	TypeReleaseObject     = "release-object"
	TypeMoveObject        = "move-object"
	TypeSetSimulationMode = "set-simulation-mode"
	TypePing              = "ping"
)

// Server -> client message type constants
const (
	TypeWelcome          = "welcome"
	TypePeerConnected    = "peer-connected"
	TypePeerDisconnected = "peer-disconnected"

	// Mesh asset streaming
	TypeAssetList     = "asset_list"
	TypeAssetMetadata = "asset_metadata"
	TypeAssetChunk    = "asset_chunk"
	TypeAssetComplete = "asset_complete"
	TypeAssetSkipped  = "asset_skipped"
	TypeAssetError    = "asset_error"

	// Gaussian-splat streaming
	TypeNeRFMetadata = "nerf_metadata"
	TypeNeRFChunk    = "nerf_chunk"
	TypeNeRFComplete = "nerf_complete"
	TypeNeRFError    = "nerf_error"

	// Adaptive quality
	TypeLODRecommendation     = "lod-recommendation"
	TypeSimulationModeChanged = "simulation-mode-changed"

	// Asset catalog events
	TypeAssetUploaded = "asset_uploaded"
	TypeAssetRemoved  = "asset_removed"

	// Presence and shared objects
	TypeUserPosition   = "user-position"
	TypeRoomObjects    = "room-objects"
	TypeObjectCreated  = "object-created"
	TypeObjectUpdated  = "object-updated"
	TypeObjectDeleted  = "object-deleted"
	TypeObjectGrabbed  = "object-grabbed"
	TypeObjectReleased = "object-released"
	TypeObjectMoved    = "object-moved"
	TypeGrabFailed     = "grab-failed"

	TypePong = "pong"
)

// Pose is a head pose snapshot. Quaternion is [x, y, z, w]; Rotation is
// Euler [x, y, z] in radians and is only consulted when Quaternion is absent.
type Pose struct {
	Position   [3]float64  `json:"position"`
	Rotation   *[3]float64 `json:"rotation,omitempty"`
	Quaternion *[4]float64 `json:"quaternion,omitempty"`
	FOV        float64     `json:"fov,omitempty"`
}

// PeerInfo describes one room member in the welcome payload
type PeerInfo struct {
	ID    string `json:"id"`
	Color string `json:"color"`
}

// AssetInfo describes one catalog entry
type AssetInfo struct {
	ID      string           `json:"id"`
	LODs    []LOD            `json:"lods"`
	HasNeRF bool             `json:"hasNerf"`
	Sizes   map[string]int64 `json:"sizes,omitempty"`
}

// SharedObject is the authoritative state of one room object
type SharedObject struct {
	ID        string     `json:"objectId"`
	Kind      string     `json:"type"`
	Position  [3]float64 `json:"position"`
	Rotation  [3]float64 `json:"rotation"`
	Scale     [3]float64 `json:"scale"`
	Color     string     `json:"color,omitempty"`
	OwnedBy   string     `json:"ownedBy,omitempty"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt int64      `json:"createdAt"` // unix millis
	UpdatedAt int64      `json:"updatedAt"`
}

// ObjectUpdates carries the merge set for update-object; nil fields are
// left untouched.
type ObjectUpdates struct {
	Position *[3]float64 `json:"position,omitempty"`
	Rotation *[3]float64 `json:"rotation,omitempty"`
	Scale    *[3]float64 `json:"scale,omitempty"`
	Color    *string     `json:"color,omitempty"`
}

// Client -> server messages

// SignalMessage relays an opaque payload to room peers
type SignalMessage struct {
	Type   string          `json:"type"`
	Signal json.RawMessage `json:"signal"`
}

// RequestAsset asks for a mesh asset stream. LOD is optional; when empty the
// server picks adaptively. Position is the asset's world position and feeds
// foveated selection when present.
type RequestAsset struct {
	Type     string      `json:"type"`
	AssetID  string      `json:"assetId"`
	LOD      string      `json:"lod,omitempty"`
	Position *[3]float64 `json:"position,omitempty"`
}

// NeRFOptions tunes a splat stream
type NeRFOptions struct {
	Quality  string `json:"quality,omitempty"`
	Throttle bool   `json:"throttle,omitempty"`
}

// RequestNeRF asks for a Gaussian-splat stream
type RequestNeRF struct {
	Type    string       `json:"type"`
	AssetID string       `json:"assetId"`
	Options *NeRFOptions `json:"options,omitempty"`
}

// SetRenderMode switches the client's splat render mode
type SetRenderMode struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// BandwidthReport is the client-side measurement carried by bandwidth-metrics
type BandwidthReport struct {
	Bandwidth     float64 `json:"bandwidth"` // bytes per second
	BytesReceived int64   `json:"bytesReceived,omitempty"`
	Timestamp     int64   `json:"timestamp,omitempty"`
}

// BandwidthMetrics is a periodic client-side bandwidth estimate
type BandwidthMetrics struct {
	Type    string          `json:"type"`
	Metrics BandwidthReport `json:"metrics"`
}

// HeadTracking reports the client's head pose
type HeadTracking struct {
	Type       string      `json:"type"`
	Position   [3]float64  `json:"position"`
	Rotation   *[3]float64 `json:"rotation,omitempty"`
	Quaternion *[4]float64 `json:"quaternion,omitempty"`
	FOV        float64     `json:"fov,omitempty"`
}

// PositionUpdate reports the client's body position for presence broadcast
type PositionUpdate struct {
	Type       string      `json:"type"`
	Position   [3]float64  `json:"position"`
	Rotation   *[3]float64 `json:"rotation,omitempty"`
	Quaternion *[4]float64 `json:"quaternion,omitempty"`
}

// GetRoomObjects requests the current object snapshot of a room
type GetRoomObjects struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
}

// NewObject is the client-supplied part of create-object
type NewObject struct {
	Kind     string      `json:"type"`
	Position [3]float64  `json:"position"`
	Rotation *[3]float64 `json:"rotation,omitempty"`
	Scale    *[3]float64 `json:"scale,omitempty"`
	Color    string      `json:"color,omitempty"`
}

// CreateObject creates a shared object in a room
type CreateObject struct {
	Type   string    `json:"type"`
	RoomID string    `json:"roomId,omitempty"`
	Object NewObject `json:"objectData"`
}

// UpdateObject merges field updates into an object
type UpdateObject struct {
	Type     string        `json:"type"`
	RoomID   string        `json:"roomId,omitempty"`
	ObjectID string        `json:"objectId"`
	Updates  ObjectUpdates `json:"updates"`
}

// DeleteObject removes an object from a room
type DeleteObject struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	ObjectID string `json:"objectId"`
}

// GrabObject requests exclusive ownership of an object
type GrabObject struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	ObjectID string `json:"objectId"`
}

// ReleaseObject gives up ownership of an object
type ReleaseObject struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	ObjectID string `json:"objectId"`
}

// MoveObject repositions an object and re-arms its idle-release timer
type MoveObject struct {
	Type     string      `json:"type"`
	RoomID   string      `json:"roomId,omitempty"`
	ObjectID string      `json:"objectId"`
	Position [3]float64  `json:"position"`
	Rotation *[3]float64 `json:"rotation,omitempty"`
	Scale    *[3]float64 `json:"scale,omitempty"`
}

// SetSimulationMode toggles forced-LOW streaming for the session
type SetSimulationMode struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// Ping requests a pong echo
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Server -> client messages

// Welcome is sent exactly once per session, before any other frame
type Welcome struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	Color         string          `json:"color"`
	Peers         []PeerInfo      `json:"peers"`
	UserPositions map[string]Pose `json:"userPositions"`
}

// PeerConnected announces a new room member
type PeerConnected struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	Color  string `json:"color"`
}

// PeerDisconnected announces a departed room member
type PeerDisconnected struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// SignalRelay forwards a signal payload to room peers
type SignalRelay struct {
	Type   string          `json:"type"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// AssetList is the reply to list_assets
type AssetList struct {
	Type   string      `json:"type"`
	Assets []AssetInfo `json:"assets"`
}

// AssetMetadata opens a mesh transfer
type AssetMetadata struct {
	Type    string `json:"type"`
	AssetID string `json:"assetId"`
	LOD     LOD    `json:"lod"`
	Size    int    `json:"size"`
	Chunks  int    `json:"chunks"`
}

// AssetChunkHeader immediately precedes each binary chunk frame
type AssetChunkHeader struct {
	Type        string `json:"type"`
	AssetID     string `json:"assetId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

// AssetComplete closes a mesh transfer
type AssetComplete struct {
	Type    string `json:"type"`
	AssetID string `json:"assetId"`
}

// AssetSkipped tells the client the server chose not to stream
type AssetSkipped struct {
	Type    string `json:"type"`
	AssetID string `json:"assetId"`
	Reason  string `json:"reason"`
}

// AssetError reports a failed mesh request
type AssetError struct {
	Type    string `json:"type"`
	AssetID string `json:"assetId"`
	Error   string `json:"error"`
}

// BoundingBox is an axis-aligned extent in world units
type BoundingBox struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}

// NeRFMetadata opens a splat transfer. SplatCount and BoundingBox are only
// set for the raw .splat format, whose fixed record width makes both cheap
// to derive.
type NeRFMetadata struct {
	Type        string       `json:"type"`
	AssetID     string       `json:"assetId"`
	Format      NeRFFormat   `json:"format"`
	Size        int          `json:"size"`
	Chunks      int          `json:"chunks"`
	SplatCount  int          `json:"splatCount,omitempty"`
	BoundingBox *BoundingBox `json:"boundingBox,omitempty"`
}

// NeRFChunkHeader immediately precedes each binary splat chunk
type NeRFChunkHeader struct {
	Type        string `json:"type"`
	AssetID     string `json:"assetId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Offset      int    `json:"offset"`
	Size        int    `json:"size"`
}

// NeRFComplete closes a splat transfer
type NeRFComplete struct {
	Type              string `json:"type"`
	AssetID           string `json:"assetId"`
	TotalSize         int    `json:"totalSize"`
	ChunksTransferred int    `json:"chunksTransferred"`
}

// NeRFError reports a failed splat request or an invalid render mode
type NeRFError struct {
	Type    string `json:"type"`
	AssetID string `json:"assetId,omitempty"`
	Error   string `json:"error"`
}

// LODRecommendation advises the client after a bandwidth update
type LODRecommendation struct {
	Type string `json:"type"`
	LOD  LOD    `json:"lod"`
}

// SimulationModeChanged confirms a set-simulation-mode toggle and names the
// LOD now in force
type SimulationModeChanged struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	LOD     LOD    `json:"lod"`
}

// AssetUploaded announces a new catalog entry to all sessions
type AssetUploaded struct {
	Type      string `json:"type"`
	AssetID   string `json:"assetId"`
	LODLevels []LOD  `json:"lodLevels"`
}

// AssetRemoved announces a dropped catalog entry to all sessions
type AssetRemoved struct {
	Type    string `json:"type"`
	AssetID string `json:"assetId"`
}

// UserPosition broadcasts a peer's pose to the room
type UserPosition struct {
	Type       string      `json:"type"`
	UserID     string      `json:"userId"`
	Position   [3]float64  `json:"position"`
	Rotation   *[3]float64 `json:"rotation,omitempty"`
	Quaternion *[4]float64 `json:"quaternion,omitempty"`
}

// RoomObjects is the reply to get-room-objects
type RoomObjects struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"roomId"`
	Objects []SharedObject `json:"objects"`
}

// ObjectCreated broadcasts a new shared object
type ObjectCreated struct {
	Type   string       `json:"type"`
	Object SharedObject `json:"object"`
}

// ObjectUpdated broadcasts the post-merge state of an object
type ObjectUpdated struct {
	Type   string       `json:"type"`
	Object SharedObject `json:"object"`
}

// ObjectDeleted broadcasts an object removal
type ObjectDeleted struct {
	Type     string `json:"type"`
	ObjectID string `json:"objectId"`
}

// ObjectGrabbed broadcasts a successful grab with the post-grab record
type ObjectGrabbed struct {
	Type     string       `json:"type"`
	ObjectID string       `json:"objectId"`
	UserID   string       `json:"userId"`
	Object   SharedObject `json:"object"`
}

// ObjectReleased broadcasts a release (explicit, idle timeout or disconnect)
type ObjectReleased struct {
	Type     string `json:"type"`
	ObjectID string `json:"objectId"`
	UserID   string `json:"userId"`
}

// ObjectMoved broadcasts a move to everyone except the mover
type ObjectMoved struct {
	Type     string      `json:"type"`
	ObjectID string      `json:"objectId"`
	Position [3]float64  `json:"position"`
	Rotation *[3]float64 `json:"rotation,omitempty"`
	Scale    *[3]float64 `json:"scale,omitempty"`
	UserID   string      `json:"userId"`
}

// GrabFailed is sent only to the requester when an object is already owned
type GrabFailed struct {
	Type     string `json:"type"`
	ObjectID string `json:"objectId"`
	OwnedBy  string `json:"ownedBy"`
}

// Pong echoes a ping
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
