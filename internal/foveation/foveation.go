package foveation

import (
	"math"
	"sync"
	"time"

	"streamxr/pkg/protocol"
)

// Zone boundaries in degrees and their distance gates in world units.
// 90.0 degrees is still far-peripheral; only angles beyond it are culled
// unconditionally.
const (
	fovealAngle        = 15.0
	peripheralAngle    = 60.0
	farPeripheralAngle = 90.0

	peripheralMaxDistance    = 30.0
	farPeripheralMaxDistance = 5.0
)

// Selection is the outcome of a foveated classification
type Selection struct {
	Tier     protocol.LOD
	Skip     bool
	Angle    float64 // degrees off the view axis
	Distance float64
}

type headPose struct {
	position  [3]float64
	yaw       float64
	fov       float64
	updatedAt time.Time
}

// Tracker keeps the latest head pose per client and classifies object
// positions against it. A client with no pose yet yields no opinion and the
// caller falls through to bandwidth-based selection.
type Tracker struct {
	mu    sync.RWMutex
	poses map[string]headPose
}

// NewTracker creates an empty pose tracker
func NewTracker() *Tracker {
	return &Tracker{poses: make(map[string]headPose)}
}

// Update records a client's head pose. The quaternion is preferred for the
// view direction; Euler rotation is used when no quaternion is present.
func (t *Tracker) Update(clientID string, pose protocol.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.poses[clientID] = headPose{
		position:  pose.Position,
		yaw:       yawOf(pose),
		fov:       pose.FOV,
		updatedAt: time.Now(),
	}
}

// Forget drops the pose state for a client
func (t *Tracker) Forget(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.poses, clientID)
}

// Select classifies an object position against the client's latest pose.
// The second return is false when no pose is known.
func (t *Tracker) Select(clientID string, target [3]float64) (Selection, bool) {
	t.mu.RLock()
	pose, ok := t.poses[clientID]
	t.mu.RUnlock()
	if !ok {
		return Selection{}, false
	}
	return classify(pose, target), true
}

func classify(pose headPose, target [3]float64) Selection {
	toObject := sub(target, pose.position)
	distance := length(toObject)

	// An object at the eye is trivially foveal.
	if distance < 1e-9 {
		return Selection{Tier: protocol.LODHigh, Angle: 0, Distance: 0}
	}

	view := [3]float64{math.Sin(pose.yaw), 0, -math.Cos(pose.yaw)}
	cos := dot(scale(toObject, 1/distance), view)
	cos = math.Max(-1, math.Min(1, cos))
	angle := math.Acos(cos) * 180 / math.Pi

	sel := Selection{Angle: angle, Distance: distance}
	switch {
	case angle <= fovealAngle:
		sel.Tier = protocol.LODHigh
	case angle <= peripheralAngle:
		if distance < peripheralMaxDistance {
			sel.Tier = protocol.LODLow
		} else {
			sel.Skip = true
		}
	case angle <= farPeripheralAngle:
		if distance < farPeripheralMaxDistance {
			sel.Tier = protocol.LODLow
		} else {
			sel.Skip = true
		}
	default:
		sel.Skip = true
	}
	return sel
}

// yawOf extracts the yaw (rotation about Y) from a pose
func yawOf(pose protocol.Pose) float64 {
	if q := pose.Quaternion; q != nil {
		x, y, z, w := q[0], q[1], q[2], q[3]
		return math.Atan2(2*(w*y+x*z), 1-2*(y*y+z*z))
	}
	if r := pose.Rotation; r != nil {
		return r[1]
	}
	return 0
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func scale(v [3]float64, s float64) [3]float64 {
	return [3]float64{v[0] * s, v[1] * s, v[2] * s}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func length(v [3]float64) float64 {
	return math.Sqrt(dot(v, v))
}
