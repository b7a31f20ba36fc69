// Package pipeline runs the per-frame tracking state machine:
//
//	Idle -> Admitted -> Detecting -> (no detections -> Idle)
//	                              -> (detections -> Resolving -> Idle)
//
// Frames arrive on the session's delivery goroutine. Admission and
// detection run there, synchronously, while the frame gate is held. Cache
// mutation and world-origin relocalization are dispatched onto the main
// execution context, which releases the gate once every detection of the
// frame has been resolved.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/worldtrack/internal/gate"
	"github.com/banshee-data/worldtrack/internal/origin"
	"github.com/banshee-data/worldtrack/internal/scene"
	"github.com/banshee-data/worldtrack/internal/session"
	"github.com/banshee-data/worldtrack/internal/spatial"
	"github.com/banshee-data/worldtrack/internal/timeutil"
	"github.com/banshee-data/worldtrack/internal/tracking"
	"github.com/golang/geo/r3"
)

// ErrDetectorFailed wraps any error or panic raised by the detector.
var ErrDetectorFailed = errors.New("marker detector failed")

// Telemetry event names.
const (
	EventLocation = "location"
	EventRotation = "rotation"
	EventImage    = "image"
)

// Emitter is the best-effort telemetry channel. Emit must not block.
type Emitter interface {
	Emit(event string, payload any)
}

// Executor is the main execution context.
type Executor interface {
	Dispatch(fn func()) error
	Do(ctx context.Context, fn func()) error
}

// Origin is the world-origin manager as seen by the pipeline.
type Origin interface {
	ObjectCreated(markerID int) (bool, error)
	Relocalize(reason origin.Reason, markerID int) (origin.Event, error)
	Epoch() uint64
}

// Outcome is what happened to a delivered frame.
type Outcome int

const (
	// OutcomeDropped: the gate was held by an earlier frame.
	OutcomeDropped Outcome = iota
	// OutcomeEmpty: the detector found nothing.
	OutcomeEmpty
	// OutcomeFailed: the detector failed, or resolution could not be scheduled.
	OutcomeFailed
	// OutcomeDispatched: detections were handed to the main execution context.
	OutcomeDispatched
	// OutcomeInvalid: the frame was nil.
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeInvalid:
		return "invalid"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Config holds the pipeline's tunables.
type Config struct {
	// MarkerSize is the physical edge length of a marker, in metres.
	MarkerSize float64
	// DefaultMarkerID replaces negative (unidentified) detection ids.
	DefaultMarkerID int
	// Snapshots enables the per-frame "image" telemetry event.
	Snapshots bool
}

// CameraState is the most recent camera pose seen by the pipeline.
type CameraState struct {
	Location    r3.Vector           `json:"location"`
	Orientation spatial.EulerAngles `json:"orientation"`
	At          time.Time           `json:"at"`
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Frames           uint64 `json:"frames"`
	Dropped          uint64 `json:"dropped"`
	Empty            uint64 `json:"empty"`
	DetectorErrors   uint64 `json:"detector_errors"`
	DispatchErrors   uint64 `json:"dispatch_errors"`
	Detections       uint64 `json:"detections"`
	InvalidPoses     uint64 `json:"invalid_poses"`
	Created          uint64 `json:"created"`
	Updated          uint64 `json:"updated"`
	RelocalizeErrors uint64 `json:"relocalize_errors"`
	OriginEpoch      uint64 `json:"origin_epoch"`
	Objects          int    `json:"objects"`
}

type counters struct {
	frames           atomic.Uint64
	dropped          atomic.Uint64
	empty            atomic.Uint64
	detectorErrors   atomic.Uint64
	dispatchErrors   atomic.Uint64
	detections       atomic.Uint64
	invalidPoses     atomic.Uint64
	created          atomic.Uint64
	updated          atomic.Uint64
	relocalizeErrors atomic.Uint64
}

// Pipeline wires the frame gate, detector, cache, origin manager and sinks.
type Pipeline struct {
	cfg      Config
	gate     *gate.Gate
	detector session.Detector
	cache    *tracking.Cache
	origin   Origin
	exec     Executor
	sink     scene.Sink
	emitter  Emitter
	clock    timeutil.Clock

	stats counters

	camMu  sync.RWMutex
	camera CameraState
	seen   bool
}

// Deps are the pipeline's collaborators. Sink and Emitter may be nil.
type Deps struct {
	Gate     *gate.Gate
	Detector session.Detector
	Cache    *tracking.Cache
	Origin   Origin
	Executor Executor
	Sink     scene.Sink
	Emitter  Emitter
	Clock    timeutil.Clock
}

// New creates a pipeline.
func New(cfg Config, d Deps) (*Pipeline, error) {
	if d.Detector == nil {
		return nil, errors.New("pipeline: detector is required")
	}
	if d.Cache == nil {
		return nil, errors.New("pipeline: cache is required")
	}
	if d.Origin == nil {
		return nil, errors.New("pipeline: origin manager is required")
	}
	if d.Executor == nil {
		return nil, errors.New("pipeline: executor is required")
	}
	if cfg.MarkerSize <= 0 {
		return nil, fmt.Errorf("pipeline: marker size must be positive, got %v", cfg.MarkerSize)
	}
	if d.Gate == nil {
		d.Gate = gate.New()
	}
	if d.Sink == nil {
		d.Sink = scene.Fanout(nil)
	}
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	return &Pipeline{
		cfg:      cfg,
		gate:     d.Gate,
		detector: d.Detector,
		cache:    d.Cache,
		origin:   d.Origin,
		exec:     d.Executor,
		sink:     d.Sink,
		emitter:  d.Emitter,
		clock:    d.Clock,
	}, nil
}

// HandleFrame is the session's per-frame callback. It never blocks on the
// main execution context; a frame that arrives while an earlier one is
// still in flight is dropped.
func (p *Pipeline) HandleFrame(f *session.Frame) Outcome {
	if f == nil {
		return OutcomeInvalid
	}
	p.stats.frames.Add(1)

	if !p.gate.TryAcquire() {
		p.stats.dropped.Add(1)
		tracef("frame %s dropped: gate held", f.Timestamp.Format(time.RFC3339Nano))
		return OutcomeDropped
	}
	handedOff := false
	defer func() {
		if !handedOff {
			p.gate.Release()
		}
	}()

	p.observeCamera(f)

	detections, err := p.detect(f)
	if err != nil {
		p.stats.detectorErrors.Add(1)
		opsf("frame %s: %v", f.Timestamp.Format(time.RFC3339Nano), err)
		return OutcomeFailed
	}
	if len(detections) == 0 {
		p.stats.empty.Add(1)
		return OutcomeEmpty
	}
	p.stats.detections.Add(uint64(len(detections)))

	camera := f.CameraToWorld
	if err := p.exec.Dispatch(func() {
		defer p.gate.Release()
		p.resolve(detections, camera)
	}); err != nil {
		p.stats.dispatchErrors.Add(1)
		opsf("frame %s: %d detections discarded: %v", f.Timestamp.Format(time.RFC3339Nano), len(detections), err)
		return OutcomeFailed
	}
	handedOff = true
	return OutcomeDispatched
}

func (p *Pipeline) detect(f *session.Frame) (detections []session.MarkerDetection, err error) {
	defer func() {
		if r := recover(); r != nil {
			detections = nil
			err = fmt.Errorf("%w: panic: %v", ErrDetectorFailed, r)
		}
	}()
	detections, err = p.detector.Detect(f.Image, f.Intrinsics, p.cfg.MarkerSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorFailed, err)
	}
	return detections, nil
}

// resolve runs on the main execution context.
func (p *Pipeline) resolve(detections []session.MarkerDetection, camera spatial.Transform) {
	for _, d := range detections {
		id := d.MarkerID
		if id < 0 {
			id = p.cfg.DefaultMarkerID
		}
		if err := spatial.ValidateRigid(d.Pose); err != nil {
			p.stats.invalidPoses.Add(1)
			opsf("marker %d: pose rejected: %v", id, err)
			continue
		}

		wt := spatial.WorldTransform(d.Pose, camera)
		obj, isNew := p.cache.Upsert(id, wt)
		if !isNew {
			p.stats.updated.Add(1)
			p.sink.SetWorldTransform(obj, wt)
			continue
		}

		p.stats.created.Add(1)
		diagf("tracking marker %d as %s (tag %d)", id, obj.ObjectID, obj.Tag)
		p.sink.AddObject(obj)
		if _, err := p.origin.ObjectCreated(id); err != nil {
			p.stats.relocalizeErrors.Add(1)
			opsf("marker %d: relocalization failed: %v", id, err)
		}
		if final, ok := p.cache.Finalize(id, wt); ok {
			obj = final
		}
		p.sink.SetWorldTransform(obj, wt)
	}
}

func (p *Pipeline) observeCamera(f *session.Frame) {
	loc := f.CameraToWorld.Position()
	state := CameraState{Location: loc, Orientation: f.Orientation, At: f.Timestamp}
	if state.At.IsZero() {
		state.At = p.clock.Now()
	}

	p.camMu.Lock()
	p.camera = state
	p.seen = true
	p.camMu.Unlock()

	tracef("camera x=%.4f y=%.4f z=%.4f pitch=%.4f yaw=%.4f roll=%.4f",
		loc.X, loc.Y, loc.Z, f.Orientation.Pitch, f.Orientation.Yaw, f.Orientation.Roll)

	if p.emitter == nil {
		return
	}
	p.emitter.Emit(EventLocation, map[string]any{"x": loc.X, "y": loc.Y, "z": loc.Z})
	p.emitter.Emit(EventRotation, map[string]any{
		"x": f.Orientation.Pitch,
		"y": f.Orientation.Yaw,
		"z": f.Orientation.Roll,
	})
	if p.cfg.Snapshots && f.Image != nil {
		p.emitter.Emit(EventImage, f.Image)
	}
}

// ResetWorldOrigin relocalizes unconditionally, on the main execution
// context.
func (p *Pipeline) ResetWorldOrigin(ctx context.Context) (origin.Event, error) {
	var (
		ev     origin.Event
		relErr error
	)
	if err := p.exec.Do(ctx, func() {
		ev, relErr = p.origin.Relocalize(origin.ReasonManual, origin.NoMarker)
	}); err != nil {
		return origin.Event{}, fmt.Errorf("schedule world reset: %w", err)
	}
	if relErr != nil {
		p.stats.relocalizeErrors.Add(1)
		return origin.Event{}, relErr
	}
	return ev, nil
}

// SessionFailed implements session.Observer. There is no automatic recovery.
func (p *Pipeline) SessionFailed(err error) {
	opsf("session failed: %v", err)
}

// SessionInterrupted implements session.Observer.
func (p *Pipeline) SessionInterrupted() {
	opsf("session interrupted")
}

// SessionInterruptionEnded implements session.Observer. Tracking state is
// kept as is.
func (p *Pipeline) SessionInterruptionEnded() {
	diagf("session interruption ended")
}

// Camera returns the last observed camera state.
func (p *Pipeline) Camera() (CameraState, bool) {
	p.camMu.RLock()
	defer p.camMu.RUnlock()
	return p.camera, p.seen
}

// Objects returns the tracked objects ordered by marker identity.
func (p *Pipeline) Objects() []tracking.TrackedObject {
	return p.cache.Snapshot()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:           p.stats.frames.Load(),
		Dropped:          p.stats.dropped.Load(),
		Empty:            p.stats.empty.Load(),
		DetectorErrors:   p.stats.detectorErrors.Load(),
		DispatchErrors:   p.stats.dispatchErrors.Load(),
		Detections:       p.stats.detections.Load(),
		InvalidPoses:     p.stats.invalidPoses.Load(),
		Created:          p.stats.created.Load(),
		Updated:          p.stats.updated.Load(),
		RelocalizeErrors: p.stats.relocalizeErrors.Load(),
		OriginEpoch:      p.origin.Epoch(),
		Objects:          p.cache.Len(),
	}
}

// Busy reports whether a frame currently holds the gate.
func (p *Pipeline) Busy() bool {
	return p.gate.Held()
}

var _ session.Observer = (*Pipeline)(nil)
