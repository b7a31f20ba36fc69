// Package scene holds the renderable representation of tracked objects:
// one box per marker identity, coloured by its tag.
package scene

import (
	"sort"
	"sync"

	"github.com/banshee-data/worldtrack/internal/spatial"
	"github.com/banshee-data/worldtrack/internal/tracking"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Sink receives tracked-object lifecycle updates from the pipeline.
// Calls arrive on the main execution context.
type Sink interface {
	// AddObject is called once, when an object is first created.
	AddObject(obj tracking.TrackedObject)
	// SetWorldTransform is called whenever an object's transform is written.
	SetWorldTransform(obj tracking.TrackedObject, t spatial.Transform)
}

// Fanout forwards updates to several sinks in order.
type Fanout []Sink

// AddObject implements Sink.
func (f Fanout) AddObject(obj tracking.TrackedObject) {
	for _, s := range f {
		s.AddObject(obj)
	}
}

// SetWorldTransform implements Sink.
func (f Fanout) SetWorldTransform(obj tracking.TrackedObject, t spatial.Transform) {
	for _, s := range f {
		s.SetWorldTransform(obj, t)
	}
}

// Node is a box of side Size placed at WorldTransform.
type Node struct {
	ObjectID       string            `json:"object_id"`
	MarkerID       int               `json:"marker_id"`
	Tag            int               `json:"tag"`
	Size           float64           `json:"size"`
	Color          string            `json:"color"`
	WorldTransform spatial.Transform `json:"world_transform"`
	Epoch          uint64            `json:"epoch"`
	Placed         bool              `json:"placed"`
}

// Color returns the node colour for a tag: hue tag degrees, full saturation
// and value.
func Color(tag int) colorful.Color {
	return colorful.Hsv(float64(tag), 1, 1)
}

// Scene is the set of nodes under the world root.
type Scene struct {
	markerSize float64

	mu    sync.RWMutex
	nodes map[string]*Node
}

// New creates an empty scene whose boxes have side markerSize metres.
func New(markerSize float64) *Scene {
	return &Scene{
		markerSize: markerSize,
		nodes:      make(map[string]*Node),
	}
}

// AddObject implements Sink. Adding an object twice keeps the first node.
func (s *Scene) AddObject(obj tracking.TrackedObject) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[obj.ObjectID]; ok {
		return
	}
	s.nodes[obj.ObjectID] = &Node{
		ObjectID:       obj.ObjectID,
		MarkerID:       obj.MarkerID,
		Tag:            obj.Tag,
		Size:           s.markerSize,
		Color:          Color(obj.Tag).Hex(),
		WorldTransform: obj.WorldTransform,
		Epoch:          obj.OriginEpoch,
	}
}

// SetWorldTransform implements Sink. Unknown objects are ignored.
func (s *Scene) SetWorldTransform(obj tracking.TrackedObject, t spatial.Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[obj.ObjectID]
	if !ok {
		return
	}
	n.WorldTransform = t
	n.Epoch = obj.OriginEpoch
	n.Placed = true
}

// Node returns a copy of the node for objectID.
func (s *Scene) Node(objectID string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[objectID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of all nodes ordered by marker identity.
func (s *Scene) Nodes() []Node {
	s.mu.RLock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MarkerID < out[j].MarkerID })
	return out
}

// Len returns the number of nodes.
func (s *Scene) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

var _ Sink = (*Scene)(nil)
var _ Sink = Fanout(nil)
