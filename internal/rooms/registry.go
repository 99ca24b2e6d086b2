package rooms

import (
	"math/rand"
	"sort"
	"sync"

	"streamxr/pkg/protocol"
)

// palette holds the member colours. Picks are random, so distinctness
// between concurrent users is best-effort rather than guaranteed.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

type member struct {
	room  string
	color string
	pose  *protocol.Pose
}

// Registry tracks which clients are in which room, their assigned colours
// and their latest pose snapshots.
type Registry struct {
	mu          sync.RWMutex
	defaultRoom string
	members     map[string]*member
	rooms       map[string]map[string]struct{}
}

func NewRegistry(defaultRoom string) *Registry {
	if defaultRoom == "" {
		defaultRoom = "default"
	}
	return &Registry{
		defaultRoom: defaultRoom,
		members:     make(map[string]*member),
		rooms:       make(map[string]map[string]struct{}),
	}
}

// Add places a client in the default room and assigns a colour. It returns
// the room, the peers already present and the new member's colour so the
// caller can build the welcome payload.
func (r *Registry) Add(clientID string) (roomID string, peers []protocol.PeerInfo, color string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID = r.defaultRoom
	color = palette[rand.Intn(len(palette))]

	set := r.rooms[roomID]
	if set == nil {
		set = make(map[string]struct{})
		r.rooms[roomID] = set
	}

	peers = make([]protocol.PeerInfo, 0, len(set))
	for id := range set {
		peers = append(peers, protocol.PeerInfo{ID: id, Color: r.members[id].color})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	set[clientID] = struct{}{}
	r.members[clientID] = &member{room: roomID, color: color}
	return roomID, peers, color
}

// Remove detaches a client and drops its room once the last member leaves.
// The room the client was in is returned for the disconnect broadcast.
func (r *Registry) Remove(clientID string) (roomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[clientID]
	if !ok {
		return "", false
	}
	delete(r.members, clientID)

	if set := r.rooms[m.room]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.rooms, m.room)
		}
	}
	return m.room, true
}

// UpdatePose snapshots the latest pose for a member. Unknown clients are
// ignored.
func (r *Registry) UpdatePose(clientID string, pose protocol.Pose) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[clientID]
	if !ok {
		return false
	}
	m.pose = &pose
	return true
}

// Pose returns the latest pose snapshot for a member, if one was received
func (r *Registry) Pose(clientID string) (protocol.Pose, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[clientID]
	if !ok || m.pose == nil {
		return protocol.Pose{}, false
	}
	return *m.pose, true
}

// PeersOf lists the other members of the client's room
func (r *Registry) PeersOf(clientID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[clientID]
	if !ok {
		return nil, false
	}
	peers := make([]string, 0, len(r.rooms[m.room]))
	for id := range r.rooms[m.room] {
		if id != clientID {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers, true
}

// Members lists everyone in a room
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the poses of every room member that has reported one,
// keyed by client ID. This feeds the welcome payload.
func (r *Registry) Snapshot(roomID string) map[string]protocol.Pose {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]protocol.Pose)
	for id := range r.rooms[roomID] {
		if m := r.members[id]; m != nil && m.pose != nil {
			out[id] = *m.pose
		}
	}
	return out
}
