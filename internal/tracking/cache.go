// Package tracking owns the persistent tracked objects, one per marker
// identity.
//
// Objects live in an arena (a slice) and are found through an
// identity -> handle index, so lookups never depend on how the scene or any
// other consumer represents them. Objects are never removed during a
// session; only their world transform changes after creation.
package tracking

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/worldtrack/internal/origin"
	"github.com/banshee-data/worldtrack/internal/spatial"
	"github.com/banshee-data/worldtrack/internal/timeutil"
	"github.com/google/uuid"
)

// TagModulus bounds the visual tag derived from a marker identity.
const TagModulus = 250

// Tag derives the visual tag (a hue) for a marker identity:
// (identity * 3) mod 250, folded into [0, 250).
func Tag(markerID int) int {
	t := ((markerID % TagModulus) * 3) % TagModulus
	if t < 0 {
		t += TagModulus
	}
	return t
}

// Handle is an object's slot in the cache arena.
type Handle int

// TrackedObject is the cached record for one marker identity.
type TrackedObject struct {
	Handle         Handle            `json:"handle"`
	ObjectID       string            `json:"object_id"`
	MarkerID       int               `json:"marker_id"`
	Tag            int               `json:"tag"`
	WorldTransform spatial.Transform `json:"world_transform"`
	// OriginEpoch is the world-origin epoch WorldTransform was written in.
	OriginEpoch uint64    `json:"origin_epoch"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Updates     int       `json:"updates"`
}

// Stale reports whether the object's transform predates the given origin epoch.
func (o TrackedObject) Stale(currentEpoch uint64) bool {
	return o.OriginEpoch < currentEpoch
}

// Cache maps marker identity to tracked object. It is safe for concurrent
// use, but writers are expected to run on the main execution context.
type Cache struct {
	mu      sync.RWMutex
	objects []TrackedObject
	index   map[int]Handle
	epoch   uint64
	clock   timeutil.Clock
}

// NewCache creates an empty cache.
func NewCache(clock timeutil.Clock) *Cache {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Cache{
		index: make(map[int]Handle),
		clock: clock,
	}
}

// Upsert creates the object for markerID with transform t, or updates the
// transform of the existing one. isNew reports which happened.
func (c *Cache) Upsert(markerID int, t spatial.Transform) (obj TrackedObject, isNew bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if h, ok := c.index[markerID]; ok {
		o := &c.objects[h]
		o.WorldTransform = t
		o.OriginEpoch = c.epoch
		o.LastSeen = now
		o.Updates++
		return *o, false
	}

	h := Handle(len(c.objects))
	c.objects = append(c.objects, TrackedObject{
		Handle:         h,
		ObjectID:       fmt.Sprintf("obj_%s", uuid.NewString()),
		MarkerID:       markerID,
		Tag:            Tag(markerID),
		WorldTransform: t,
		OriginEpoch:    c.epoch,
		FirstSeen:      now,
		LastSeen:       now,
	})
	c.index[markerID] = h
	return c.objects[h], true
}

// Finalize writes the transform of a just-created object after the origin
// has been reset, stamping it with the current epoch. It does not count as
// an update. ok is false if markerID is unknown.
func (c *Cache) Finalize(markerID int, t spatial.Transform) (obj TrackedObject, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.index[markerID]
	if !ok {
		return TrackedObject{}, false
	}
	o := &c.objects[h]
	o.WorldTransform = t
	o.OriginEpoch = c.epoch
	return *o, true
}

// Find returns the object for markerID.
func (c *Cache) Find(markerID int) (TrackedObject, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.index[markerID]
	if !ok {
		return TrackedObject{}, false
	}
	return c.objects[h], true
}

// Get returns the object stored at h.
func (c *Cache) Get(h Handle) (TrackedObject, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if h < 0 || int(h) >= len(c.objects) {
		return TrackedObject{}, false
	}
	return c.objects[h], true
}

// Len returns the number of tracked objects.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}

// Snapshot returns a copy of all objects ordered by marker identity.
func (c *Cache) Snapshot() []TrackedObject {
	c.mu.RLock()
	out := make([]TrackedObject, len(c.objects))
	copy(out, c.objects)
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MarkerID < out[j].MarkerID })
	return out
}

// Epoch returns the origin epoch new writes are stamped with.
func (c *Cache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Stale returns the objects whose transforms predate the current origin.
func (c *Cache) Stale() []TrackedObject {
	c.mu.RLock()
	epoch := c.epoch
	c.mu.RUnlock()

	var out []TrackedObject
	for _, o := range c.Snapshot() {
		if o.Stale(epoch) {
			out = append(out, o)
		}
	}
	return out
}

// OriginRelocalized implements origin.Observer.
func (c *Cache) OriginRelocalized(ev origin.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Epoch > c.epoch {
		c.epoch = ev.Epoch
	}
}

var _ origin.Observer = (*Cache)(nil)
