package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/worldtrack/internal/gate"
	"github.com/banshee-data/worldtrack/internal/mainloop"
	"github.com/banshee-data/worldtrack/internal/origin"
	"github.com/banshee-data/worldtrack/internal/session"
	"github.com/banshee-data/worldtrack/internal/spatial"
	"github.com/banshee-data/worldtrack/internal/timeutil"
	"github.com/banshee-data/worldtrack/internal/tracking"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 8, 12, 0, 0, 0, time.UTC)

// timeline records session and sink calls in the order they happen.
type timeline struct {
	mu     sync.Mutex
	events []string
}

func (tl *timeline) add(format string, args ...any) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.events = append(tl.events, fmt.Sprintf(format, args...))
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.events...)
}

type mockSession struct {
	tl     *timeline
	runErr error
}

func (m *mockSession) Pause() { m.tl.add("pause") }

func (m *mockSession) Run(cfg session.Configuration, opts session.RunOptions) error {
	m.tl.add("run reset=%t", opts.ResetTracking)
	return m.runErr
}

type mockSink struct {
	tl *timeline
}

func (m *mockSink) AddObject(obj tracking.TrackedObject) {
	m.tl.add("add %d", obj.MarkerID)
}

func (m *mockSink) SetWorldTransform(obj tracking.TrackedObject, _ spatial.Transform) {
	m.tl.add("set %d epoch=%d", obj.MarkerID, obj.OriginEpoch)
}

type mockEmitter struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func (m *mockEmitter) Emit(event string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if m.last == nil {
		m.last = make(map[string]any)
	}
	m.last[event] = payload
}

type harness struct {
	p       *Pipeline
	cache   *tracking.Cache
	origin  *origin.Manager
	session *mockSession
	tl      *timeline
	emitter *mockEmitter
}

type harnessOption func(*Config, *Deps, origin.Policy) origin.Policy

func withPolicy(p origin.Policy) harnessOption {
	return func(_ *Config, _ *Deps, _ origin.Policy) origin.Policy { return p }
}

func withExecutor(e Executor) harnessOption {
	return func(_ *Config, d *Deps, p origin.Policy) origin.Policy {
		d.Executor = e
		return p
	}
}

func withSnapshots() harnessOption {
	return func(c *Config, _ *Deps, p origin.Policy) origin.Policy {
		c.Snapshots = true
		return p
	}
}

func newHarness(t *testing.T, det session.Detector, opts ...harnessOption) *harness {
	t.Helper()
	tl := &timeline{}
	clock := timeutil.NewMockClock(t0)
	sess := &mockSession{tl: tl}
	cache := tracking.NewCache(clock)
	emitter := &mockEmitter{}

	cfg := Config{MarkerSize: 0.04, DefaultMarkerID: 23}
	deps := Deps{
		Gate:     gate.New(),
		Detector: det,
		Cache:    cache,
		Executor: &mainloop.Inline{},
		Sink:     &mockSink{tl: tl},
		Emitter:  emitter,
		Clock:    clock,
	}
	policy := origin.PolicyEveryNew
	for _, o := range opts {
		policy = o(&cfg, &deps, policy)
	}
	mgr := origin.NewManager(sess, session.DefaultConfiguration(), policy, clock)
	mgr.AddObserver(cache)
	deps.Origin = mgr

	p, err := New(cfg, deps)
	require.NoError(t, err)
	return &harness{p: p, cache: cache, origin: mgr, session: sess, tl: tl, emitter: emitter}
}

func pose(x, y, z, yawDeg float64) spatial.Transform {
	q := mgl64.QuatRotate(mgl64.DegToRad(yawDeg), mgl64.Vec3{0, 1, 0})
	return spatial.NewTransform(q, r3.Vector{X: x, Y: y, Z: z})
}

func frame(camera spatial.Transform) *session.Frame {
	return &session.Frame{
		Timestamp:     t0,
		Image:         image.NewRGBA(image.Rect(0, 0, 8, 8)),
		Intrinsics:    session.Intrinsics{FX: 500, FY: 500, CX: 4, CY: 4, Width: 8, Height: 8},
		CameraToWorld: camera,
		Orientation:   spatial.EulerAngles{Pitch: 0.1, Yaw: 0.2, Roll: 0.3},
	}
}

func detections(ds ...session.MarkerDetection) session.Detector {
	return session.DetectorFunc(func(image.Image, session.Intrinsics, float64) ([]session.MarkerDetection, error) {
		return ds, nil
	})
}

// scripted returns one result per call, then nothing.
func scripted(results ...[]session.MarkerDetection) session.Detector {
	var mu sync.Mutex
	return session.DetectorFunc(func(image.Image, session.Intrinsics, float64) ([]session.MarkerDetection, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(results) == 0 {
			return nil, nil
		}
		r := results[0]
		results = results[1:]
		return r, nil
	})
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	cache := tracking.NewCache(nil)
	mgr := origin.NewManager(&mockSession{tl: &timeline{}}, session.DefaultConfiguration(), origin.PolicyEveryNew, nil)
	det := detections()

	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"no detector", Config{MarkerSize: 0.04}, Deps{Cache: cache, Origin: mgr, Executor: &mainloop.Inline{}}},
		{"no cache", Config{MarkerSize: 0.04}, Deps{Detector: det, Origin: mgr, Executor: &mainloop.Inline{}}},
		{"no origin", Config{MarkerSize: 0.04}, Deps{Detector: det, Cache: cache, Executor: &mainloop.Inline{}}},
		{"no executor", Config{MarkerSize: 0.04}, Deps{Detector: det, Cache: cache, Origin: mgr}},
		{"zero marker size", Config{}, Deps{Detector: det, Cache: cache, Origin: mgr, Executor: &mainloop.Inline{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps)
			assert.Error(t, err)
		})
	}
}

func TestHandleFrame_NoDetections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, detections())
	out := h.p.HandleFrame(frame(pose(1, 0, 0, 30)))

	assert.Equal(t, OutcomeEmpty, out)
	assert.Equal(t, 0, h.cache.Len())
	assert.False(t, h.p.Busy(), "gate must return to idle")
	assert.Empty(t, h.tl.snapshot())
	assert.Equal(t, uint64(1), h.p.Stats().Empty)
}

func TestHandleFrame_NewMarkerCreatesAndRelocalizes(t *testing.T) {
	t.Parallel()

	p5 := pose(0, 0, -0.5, 10)
	cam := pose(1, 1.5, 0, 45)
	h := newHarness(t, detections(session.MarkerDetection{MarkerID: 5, Pose: p5}))

	out := h.p.HandleFrame(frame(cam))
	require.Equal(t, OutcomeDispatched, out)
	assert.False(t, h.p.Busy())

	obj, ok := h.cache.Find(5)
	require.True(t, ok)
	assert.True(t, obj.WorldTransform.ApproxEqual(cam.Mul(p5), 1e-12))
	assert.Equal(t, 15, obj.Tag)
	assert.Equal(t, uint64(1), obj.OriginEpoch, "transform is finalized against the new origin")
	assert.Equal(t, uint64(1), h.origin.Epoch())

	// Relocalization happens after the object is added and before its
	// transform is applied.
	assert.Equal(t, []string{
		"add 5",
		"pause",
		"run reset=true",
		"set 5 epoch=1",
	}, h.tl.snapshot())
}

func TestHandleFrame_ExistingMarkerUpdatesOnly(t *testing.T) {
	t.Parallel()

	p5, p5b := pose(0, 0, -0.5, 0), pose(0.1, 0, -0.4, 5)
	cam, camB := pose(0, 0, 0, 0), pose(0, 0, 0.2, 90)
	h := newHarness(t, scripted(
		[]session.MarkerDetection{{MarkerID: 5, Pose: p5}},
		[]session.MarkerDetection{{MarkerID: 5, Pose: p5b}},
	))

	require.Equal(t, OutcomeDispatched, h.p.HandleFrame(frame(cam)))
	first, _ := h.cache.Find(5)
	before := len(h.tl.snapshot())

	require.Equal(t, OutcomeDispatched, h.p.HandleFrame(frame(camB)))
	obj, ok := h.cache.Find(5)
	require.True(t, ok)
	assert.Equal(t, first.ObjectID, obj.ObjectID)
	assert.True(t, obj.WorldTransform.ApproxEqual(camB.Mul(p5b), 1e-12))
	assert.Equal(t, 1, h.cache.Len())
	assert.Equal(t, uint64(1), h.origin.Epoch(), "no relocalization for a known marker")
	assert.Equal(t, []string{"set 5 epoch=1"}, h.tl.snapshot()[before:])
}

func TestHandleFrame_MixedFrameRelocalizesOnceForNewMarker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scripted(
		[]session.MarkerDetection{{MarkerID: 5, Pose: pose(0, 0, -1, 0)}},
		[]session.MarkerDetection{
			{MarkerID: 5, Pose: pose(0, 0, -0.9, 0)},
			{MarkerID: 7, Pose: pose(0.3, 0, -1, 0)},
		},
	))

	h.p.HandleFrame(frame(spatial.Identity()))
	before := len(h.tl.snapshot())
	h.p.HandleFrame(frame(spatial.Identity()))

	assert.Equal(t, 2, h.cache.Len())
	assert.Equal(t, uint64(2), h.origin.Epoch())
	assert.Equal(t, []string{
		"set 5 epoch=1",
		"add 7",
		"pause",
		"run reset=true",
		"set 7 epoch=2",
	}, h.tl.snapshot()[before:])

	st := h.p.Stats()
	assert.Equal(t, uint64(2), st.Created)
	assert.Equal(t, uint64(1), st.Updated)
	assert.Equal(t, 2, st.Objects)
	assert.Equal(t, uint64(2), st.OriginEpoch)
}

func TestHandleFrame_IdentityCameraKeepsMarkerPose(t *testing.T) {
	t.Parallel()

	p := pose(0.2, -0.1, -0.7, 33)
	h := newHarness(t, detections(session.MarkerDetection{MarkerID: 9, Pose: p}))
	h.p.HandleFrame(frame(spatial.Identity()))

	obj, ok := h.cache.Find(9)
	require.True(t, ok)
	assert.True(t, obj.WorldTransform.ApproxEqual(p, 1e-12))
}

func TestHandleFrame_SlowDetectorDropsSecondFrame(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	det := session.DetectorFunc(func(image.Image, session.Intrinsics, float64) ([]session.MarkerDetection, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(entered)
			<-proceed
			return []session.MarkerDetection{{MarkerID: 5, Pose: pose(0, 0, -1, 0)}}, nil
		}
		return []session.MarkerDetection{{MarkerID: 9, Pose: pose(0, 0, -1, 0)}}, nil
	})
	h := newHarness(t, det)

	result := make(chan Outcome, 1)
	go func() { result <- h.p.HandleFrame(frame(spatial.Identity())) }()
	<-entered

	assert.Equal(t, OutcomeDropped, h.p.HandleFrame(frame(spatial.Identity())))
	close(proceed)
	assert.Equal(t, OutcomeDispatched, <-result)

	_, has5 := h.cache.Find(5)
	_, has9 := h.cache.Find(9)
	assert.True(t, has5)
	assert.False(t, has9, "dropped frame must not reach the cache")
	assert.Equal(t, 1, h.cache.Len())
	assert.Equal(t, uint64(1), h.origin.Epoch())

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, uint64(1), h.p.Stats().Dropped)
}

func TestHandleFrame_GateHeldUntilMainContextResolves(t *testing.T) {
	t.Parallel()

	loop := mainloop.New(4)
	h := newHarness(t, detections(session.MarkerDetection{MarkerID: 5, Pose: pose(0, 0, -1, 0)}), withExecutor(loop))

	require.Equal(t, OutcomeDispatched, h.p.HandleFrame(frame(spatial.Identity())))
	assert.True(t, h.p.Busy())
	assert.Equal(t, 0, h.cache.Len(), "resolution waits for the main context")
	assert.Equal(t, OutcomeDropped, h.p.HandleFrame(frame(spatial.Identity())))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	require.Eventually(t, func() bool { return !h.p.Busy() }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.cache.Len())
}

func TestHandleFrame_DispatchFailureReleasesGate(t *testing.T) {
	t.Parallel()

	loop := mainloop.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, loop.Run(ctx))

	h := newHarness(t, detections(session.MarkerDetection{MarkerID: 5, Pose: pose(0, 0, -1, 0)}), withExecutor(loop))
	assert.Equal(t, OutcomeFailed, h.p.HandleFrame(frame(spatial.Identity())))
	assert.False(t, h.p.Busy())
	assert.Equal(t, 0, h.cache.Len())
	assert.Equal(t, uint64(1), h.p.Stats().DispatchErrors)
}

func TestHandleFrame_DetectorFailureReleasesGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		det  session.DetectorFunc
	}{
		{
			name: "error",
			det: func(image.Image, session.Intrinsics, float64) ([]session.MarkerDetection, error) {
				return nil, errors.New("bad buffer")
			},
		},
		{
			name: "panic",
			det: func(image.Image, session.Intrinsics, float64) ([]session.MarkerDetection, error) {
				panic("index out of range")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.det)
			assert.Equal(t, OutcomeFailed, h.p.HandleFrame(frame(spatial.Identity())))
			assert.False(t, h.p.Busy())
			assert.Equal(t, 0, h.cache.Len())
			assert.Equal(t, uint64(1), h.p.Stats().DetectorErrors)

			_, err := h.p.detect(frame(spatial.Identity()))
			assert.ErrorIs(t, err, ErrDetectorFailed)

			// The next frame is admitted normally.
			assert.Equal(t, OutcomeFailed, h.p.HandleFrame(frame(spatial.Identity())))
			assert.Equal(t, uint64(0), h.p.Stats().Dropped)
		})
	}
}

func TestHandleFrame_DefaultMarkerID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, detections(session.MarkerDetection{MarkerID: -1, Pose: pose(0, 0, -1, 0)}))
	h.p.HandleFrame(frame(spatial.Identity()))

	obj, ok := h.cache.Find(23)
	require.True(t, ok)
	assert.Equal(t, 69, obj.Tag)
}

func TestHandleFrame_InvalidPoseRejected(t *testing.T) {
	t.Parallel()

	scaled := spatial.Transform(mgl64.Scale3D(2, 2, 2))
	h := newHarness(t, detections(
		session.MarkerDetection{MarkerID: 4, Pose: scaled},
		session.MarkerDetection{MarkerID: 6, Pose: pose(0, 0, -1, 0)},
	))
	h.p.HandleFrame(frame(spatial.Identity()))

	_, has4 := h.cache.Find(4)
	assert.False(t, has4)
	assert.Equal(t, 1, h.cache.Len())
	assert.Equal(t, uint64(1), h.p.Stats().InvalidPoses)
}

func TestHandleFrame_RelocalizeFailureStillPlacesObject(t *testing.T) {
	t.Parallel()

	h := newHarness(t, detections(session.MarkerDetection{MarkerID: 5, Pose: pose(0, 0, -1, 0)}))
	h.session.runErr = session.ErrTrackingLost
	h.p.HandleFrame(frame(spatial.Identity()))

	obj, ok := h.cache.Find(5)
	require.True(t, ok)
	assert.Equal(t, uint64(0), obj.OriginEpoch)
	assert.Equal(t, uint64(1), h.p.Stats().RelocalizeErrors)
	assert.Contains(t, h.tl.snapshot(), "set 5 epoch=0")
}

func TestHandleFrame_PolicyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scripted(
		[]session.MarkerDetection{{MarkerID: 1, Pose: pose(0, 0, -1, 0)}},
		[]session.MarkerDetection{{MarkerID: 2, Pose: pose(0, 0, -1, 0)}},
	), withPolicy(origin.PolicyOnce))

	h.p.HandleFrame(frame(spatial.Identity()))
	h.p.HandleFrame(frame(spatial.Identity()))

	assert.Equal(t, 2, h.cache.Len())
	assert.Equal(t, uint64(1), h.origin.Epoch())
	obj2, _ := h.cache.Find(2)
	assert.Equal(t, uint64(1), obj2.OriginEpoch)
}

func TestHandleFrame_PolicyOnceAfterManualReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t, detections(
		session.MarkerDetection{MarkerID: 5, Pose: pose(0, 0, -1, 0)},
	), withPolicy(origin.PolicyOnce))

	_, err := h.p.ResetWorldOrigin(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), h.origin.Epoch())

	h.p.HandleFrame(frame(spatial.Identity()))

	assert.Equal(t, uint64(2), h.origin.Epoch(), "first marker still anchors the origin")
	assert.Equal(t, []string{
		"pause", "run reset=true",
		"add 5", "pause", "run reset=true", "set 5 epoch=2",
	}, h.tl.snapshot())
}

func TestHandleFrame_Telemetry(t *testing.T) {
	t.Parallel()

	t.Run("without snapshots", func(t *testing.T) {
		h := newHarness(t, detections())
		h.p.HandleFrame(frame(spatial.Translation(1, 2, 3)))

		assert.Equal(t, []string{EventLocation, EventRotation}, h.emitter.events)
		assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0, "z": 3.0}, h.emitter.last[EventLocation])
		assert.Equal(t, map[string]any{"x": 0.1, "y": 0.2, "z": 0.3}, h.emitter.last[EventRotation])
	})

	t.Run("with snapshots", func(t *testing.T) {
		h := newHarness(t, detections(), withSnapshots())
		f := frame(spatial.Identity())
		h.p.HandleFrame(f)

		assert.Equal(t, []string{EventLocation, EventRotation, EventImage}, h.emitter.events)
		assert.Equal(t, f.Image, h.emitter.last[EventImage])
	})

	t.Run("dropped frames emit nothing", func(t *testing.T) {
		g := gate.New()
		require.True(t, g.TryAcquire())
		h := newHarness(t, detections(), func(_ *Config, d *Deps, p origin.Policy) origin.Policy {
			d.Gate = g
			return p
		})
		assert.Equal(t, OutcomeDropped, h.p.HandleFrame(frame(spatial.Identity())))
		assert.Empty(t, h.emitter.events)
	})
}

func TestCamera(t *testing.T) {
	t.Parallel()

	h := newHarness(t, detections())
	_, ok := h.p.Camera()
	assert.False(t, ok)

	h.p.HandleFrame(frame(spatial.Translation(0.5, 1, -2)))
	cs, ok := h.p.Camera()
	require.True(t, ok)
	assert.Equal(t, r3.Vector{X: 0.5, Y: 1, Z: -2}, cs.Location)
	assert.Equal(t, 0.2, cs.Orientation.Yaw)
	assert.Equal(t, t0, cs.At)
}

func TestResetWorldOrigin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, detections())
	ev, err := h.p.ResetWorldOrigin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, origin.ReasonManual, ev.Reason)
	assert.Equal(t, origin.NoMarker, ev.MarkerID)
	assert.Equal(t, uint64(1), ev.Epoch)
	assert.Equal(t, uint64(1), h.cache.Epoch())
	assert.Equal(t, []string{"pause", "run reset=true"}, h.tl.snapshot())

	h.session.runErr = errors.New("camera unavailable")
	_, err = h.p.ResetWorldOrigin(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), h.origin.Epoch())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.p.ResetWorldOrigin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleFrame_Nil(t *testing.T) {
	t.Parallel()

	h := newHarness(t, detections())
	assert.Equal(t, OutcomeInvalid, h.p.HandleFrame(nil))
	assert.Equal(t, uint64(0), h.p.Stats().Frames)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dropped", OutcomeDropped.String())
	assert.Equal(t, "dispatched", OutcomeDispatched.String())
	assert.Equal(t, "Outcome(42)", Outcome(42).String())
}

func TestSessionObserver(t *testing.T) {
	t.Parallel()

	h := newHarness(t, detections())
	var obs session.Observer = h.p
	obs.SessionFailed(session.ErrTrackingLost)
	obs.SessionInterrupted()
	obs.SessionInterruptionEnded()
	assert.Equal(t, 0, h.cache.Len())
	assert.Empty(t, h.tl.snapshot(), "no automatic recovery")
}
