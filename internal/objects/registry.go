package objects

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"streamxr/pkg/logging"
	"streamxr/pkg/protocol"
)

// ExpireFunc is invoked from the timer goroutine when an idle grab lapses.
// The registry has already cleared ownership when it fires.
type ExpireFunc func(room, objectID, ownerID string)

type object struct {
	rec   protocol.SharedObject
	gen   uint64 // bumped on every ownership change, stale timers check it
	timer *time.Timer
}

type bucket struct {
	mu      sync.Mutex
	objects map[string]*object
}

// Registry holds the shared objects of every room. Objects survive their
// room emptying and live until process exit.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	timeout  time.Duration
	counter  atomic.Int64
	onExpire atomic.Pointer[ExpireFunc]
	logger   logging.Logger
}

func NewRegistry(ownershipTimeout time.Duration, logger logging.Logger) *Registry {
	if ownershipTimeout <= 0 {
		ownershipTimeout = 5 * time.Second
	}
	return &Registry{
		buckets: make(map[string]*bucket),
		timeout: ownershipTimeout,
		logger:  logger,
	}
}

// SetOnExpire installs the idle-release callback. The hub wires itself in
// after construction.
func (r *Registry) SetOnExpire(fn ExpireFunc) {
	r.onExpire.Store(&fn)
}

func (r *Registry) bucket(room string) *bucket {
	r.mu.RLock()
	b := r.buckets[room]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.buckets[room]; b == nil {
		b = &bucket{objects: make(map[string]*object)}
		r.buckets[room] = b
	}
	return b
}

// lookup returns an existing bucket without creating one
func (r *Registry) lookup(room string) *bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[room]
}

// Create inserts a new object and returns the full record. IDs combine the
// creation timestamp with a process-wide counter so they stay unique across
// rooms.
func (r *Registry) Create(room string, spec protocol.NewObject, createdBy string) protocol.SharedObject {
	now := time.Now()
	rec := protocol.SharedObject{
		ID:        fmt.Sprintf("obj-%d-%d", now.UnixMilli(), r.counter.Add(1)),
		Kind:      spec.Kind,
		Position:  spec.Position,
		Scale:     [3]float64{1, 1, 1},
		Color:     spec.Color,
		CreatedBy: createdBy,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	if spec.Rotation != nil {
		rec.Rotation = *spec.Rotation
	}
	if spec.Scale != nil {
		rec.Scale = *spec.Scale
	}

	b := r.bucket(room)
	b.mu.Lock()
	b.objects[rec.ID] = &object{rec: rec}
	b.mu.Unlock()
	return rec
}

// Get returns a copy of one object record
func (r *Registry) Get(room, objectID string) (protocol.SharedObject, bool) {
	b := r.lookup(room)
	if b == nil {
		return protocol.SharedObject{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[objectID]
	if !ok {
		return protocol.SharedObject{}, false
	}
	return o.rec, true
}

// List returns the room's objects in creation order
func (r *Registry) List(room string) []protocol.SharedObject {
	b := r.lookup(room)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	out := make([]protocol.SharedObject, 0, len(b.objects))
	for _, o := range b.objects {
		out = append(out, o.rec)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update merges permitted fields into an object. Updates against an object
// owned by someone else are dropped.
func (r *Registry) Update(room, objectID, clientID string, updates protocol.ObjectUpdates) (protocol.SharedObject, bool) {
	b := r.lookup(room)
	if b == nil {
		return protocol.SharedObject{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.objects[objectID]
	if !ok {
		return protocol.SharedObject{}, false
	}
	if o.rec.OwnedBy != "" && o.rec.OwnedBy != clientID {
		r.logger.WithFields(logging.Fields{
			"room":      room,
			"object_id": objectID,
			"client_id": clientID,
			"owned_by":  o.rec.OwnedBy,
		}).Debug("Dropping update for object owned by another client")
		return protocol.SharedObject{}, false
	}

	if updates.Position != nil {
		o.rec.Position = *updates.Position
	}
	if updates.Rotation != nil {
		o.rec.Rotation = *updates.Rotation
	}
	if updates.Scale != nil {
		o.rec.Scale = *updates.Scale
	}
	if updates.Color != nil {
		o.rec.Color = *updates.Color
	}
	o.rec.UpdatedAt = time.Now().UnixMilli()
	return o.rec, true
}

// Delete removes an object and cancels any pending idle release
func (r *Registry) Delete(room, objectID string) bool {
	b := r.lookup(room)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.objects[objectID]
	if !ok {
		return false
	}
	o.gen++
	if o.timer != nil {
		o.timer.Stop()
	}
	delete(b.objects, objectID)
	return true
}

// Grab takes exclusive ownership. It succeeds when the object is unowned or
// already owned by the caller, arming (or re-arming) the idle timer. On
// failure the current owner is returned.
func (r *Registry) Grab(room, objectID, clientID string) (protocol.SharedObject, string, bool) {
	b := r.lookup(room)
	if b == nil {
		return protocol.SharedObject{}, "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.objects[objectID]
	if !ok {
		return protocol.SharedObject{}, "", false
	}
	if o.rec.OwnedBy != "" && o.rec.OwnedBy != clientID {
		return o.rec, o.rec.OwnedBy, false
	}

	o.rec.OwnedBy = clientID
	o.rec.UpdatedAt = time.Now().UnixMilli()
	r.armLocked(room, o)
	return o.rec, clientID, true
}

// Release gives up ownership. Only the current owner may release.
func (r *Registry) Release(room, objectID, clientID string) bool {
	b := r.lookup(room)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.objects[objectID]
	if !ok || o.rec.OwnedBy != clientID {
		return false
	}
	r.clearOwnerLocked(o)
	return true
}

// Move repositions an object. Authorisation matches Update; when the caller
// owns the object the idle timer is re-armed.
func (r *Registry) Move(room, objectID, clientID string, position [3]float64, rotation, scale *[3]float64) (protocol.SharedObject, bool) {
	b := r.lookup(room)
	if b == nil {
		return protocol.SharedObject{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.objects[objectID]
	if !ok {
		return protocol.SharedObject{}, false
	}
	if o.rec.OwnedBy != "" && o.rec.OwnedBy != clientID {
		r.logger.WithFields(logging.Fields{
			"room":      room,
			"object_id": objectID,
			"client_id": clientID,
			"owned_by":  o.rec.OwnedBy,
		}).Debug("Dropping move for object owned by another client")
		return protocol.SharedObject{}, false
	}

	o.rec.Position = position
	if rotation != nil {
		o.rec.Rotation = *rotation
	}
	if scale != nil {
		o.rec.Scale = *scale
	}
	o.rec.UpdatedAt = time.Now().UnixMilli()
	if o.rec.OwnedBy == clientID {
		r.armLocked(room, o)
	}
	return o.rec, true
}

// Released identifies one object given up during a teardown sweep
type Released struct {
	Room     string
	ObjectID string
}

// ReleaseAllOwnedBy clears every grab held by a departing client and returns
// the affected objects so the caller can broadcast each release.
func (r *Registry) ReleaseAllOwnedBy(clientID string) []Released {
	r.mu.RLock()
	rooms := make(map[string]*bucket, len(r.buckets))
	for room, b := range r.buckets {
		rooms[room] = b
	}
	r.mu.RUnlock()

	var released []Released
	for room, b := range rooms {
		b.mu.Lock()
		for id, o := range b.objects {
			if o.rec.OwnedBy == clientID {
				r.clearOwnerLocked(o)
				released = append(released, Released{Room: room, ObjectID: id})
			}
		}
		b.mu.Unlock()
	}
	return released
}

// armLocked schedules (or reschedules) the idle release. The generation
// captured here lets the timer detect that ownership changed under it.
func (r *Registry) armLocked(room string, o *object) {
	o.gen++
	gen := o.gen
	if o.timer != nil {
		o.timer.Stop()
	}
	id := o.rec.ID
	o.timer = time.AfterFunc(r.timeout, func() {
		r.expire(room, id, gen)
	})
}

// clearOwnerLocked drops ownership and invalidates the pending timer
func (r *Registry) clearOwnerLocked(o *object) {
	o.gen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.rec.OwnedBy = ""
	o.rec.UpdatedAt = time.Now().UnixMilli()
}

func (r *Registry) expire(room, objectID string, gen uint64) {
	b := r.lookup(room)
	if b == nil {
		return
	}

	b.mu.Lock()
	o, ok := b.objects[objectID]
	if !ok || o.gen != gen || o.rec.OwnedBy == "" {
		b.mu.Unlock()
		return
	}
	owner := o.rec.OwnedBy
	r.clearOwnerLocked(o)
	b.mu.Unlock()

	r.logger.WithFields(logging.Fields{
		"room":      room,
		"object_id": objectID,
		"owner":     owner,
	}).Debug("Ownership lapsed, releasing object")

	if fn := r.onExpire.Load(); fn != nil {
		(*fn)(room, objectID, owner)
	}
}
