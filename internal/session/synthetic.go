package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/worldtrack/internal/spatial"
	"github.com/banshee-data/worldtrack/internal/timeutil"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// ErrSessionClosed is returned by Run after Serve has returned.
var ErrSessionClosed = errors.New("session closed")

// WorldMarker is a marker fixed in the synthetic scene.
type WorldMarker struct {
	ID   int
	Pose spatial.Transform
}

// SyntheticConfig describes the simulated camera rig. The camera orbits
// Center at Radius and Height, always facing the centre.
type SyntheticConfig struct {
	FrameRate   float64
	Radius      float64
	Height      float64
	Center      r3.Vector
	OrbitPeriod time.Duration
	Intrinsics  Intrinsics
	Markers     []WorldMarker
}

// DefaultSyntheticConfig returns a 30 fps, 640x480 rig orbiting three markers.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		FrameRate:   30,
		Radius:      1.2,
		Height:      0.4,
		OrbitPeriod: 40 * time.Second,
		Intrinsics:  Intrinsics{FX: 500, FY: 500, CX: 320, CY: 240, Width: 640, Height: 480},
		Markers: []WorldMarker{
			{ID: 5, Pose: spatial.Translation(0, 0, 0)},
			{ID: 7, Pose: spatial.Translation(0.3, 0, 0.1)},
			{ID: 23, Pose: spatial.Translation(-0.25, 0, -0.2)},
		},
	}
}

// SyntheticImage is a rendered frame that carries the detections a real
// detector would find in it.
type SyntheticImage struct {
	*image.RGBA
	Detections []MarkerDetection
}

// SyntheticDetector reads detections back out of SyntheticImage frames.
// Any other image yields no detections.
type SyntheticDetector struct {
	// Latency is slept before each detection, to model a slow detector.
	Latency time.Duration
}

// Detect implements Detector.
func (d SyntheticDetector) Detect(img image.Image, _ Intrinsics, _ float64) ([]MarkerDetection, error) {
	if d.Latency > 0 {
		time.Sleep(d.Latency)
	}
	si, ok := img.(*SyntheticImage)
	if !ok {
		return nil, nil
	}
	return append([]MarkerDetection(nil), si.Detections...), nil
}

// SyntheticSession is a Session that renders frames from a simulated
// orbiting camera. Reported camera poses are relative to the pose the
// device had when tracking was last reset.
type SyntheticSession struct {
	cfg     SyntheticConfig
	clock   timeutil.Clock
	handler FrameHandler

	mu          sync.Mutex
	running     bool
	interrupted bool
	closed      bool
	config      Configuration
	origin      spatial.Transform
	start       time.Time
	runs        int
	resets      int
	frames      uint64
	observer    Observer
}

// NewSyntheticSession creates a paused session delivering frames to handler.
func NewSyntheticSession(cfg SyntheticConfig, clock timeutil.Clock, handler FrameHandler) *SyntheticSession {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.OrbitPeriod <= 0 {
		cfg.OrbitPeriod = 40 * time.Second
	}
	now := clock.Now()
	s := &SyntheticSession{
		cfg:     cfg,
		clock:   clock,
		handler: handler,
		start:   now,
	}
	s.origin = s.devicePose(now)
	return s
}

// SetObserver registers the lifecycle observer.
func (s *SyntheticSession) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// SetHandler replaces the frame handler.
func (s *SyntheticSession) SetHandler(h FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Pause implements Session. It does not wait for an in-flight frame.
func (s *SyntheticSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Run implements Session. With ResetTracking the device's current pose
// becomes the reported origin.
func (s *SyntheticSession) Run(cfg Configuration, opts RunOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.config = cfg
	s.running = true
	s.runs++
	if opts.ResetTracking {
		s.origin = s.devicePose(s.clock.Now())
		s.resets++
	}
	return nil
}

// Running reports whether frames are being delivered.
func (s *SyntheticSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.interrupted
}

// Configuration returns the configuration of the last Run.
func (s *SyntheticSession) Configuration() Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Counts returns how many times Run has been called, how many of those
// reset tracking, and how many frames were delivered.
func (s *SyntheticSession) Counts() (runs, resets int, frames uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.resets, s.frames
}

// Serve delivers a frame per tick until ctx is done.
func (s *SyntheticSession) Serve(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / s.cfg.FrameRate)
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.Tick()
		}
	}
}

// Tick renders and delivers one frame if the session is running. It
// reports whether a frame was delivered.
func (s *SyntheticSession) Tick() bool {
	s.mu.Lock()
	if !s.running || s.interrupted || s.handler == nil {
		s.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	f := s.render(now)
	s.frames++
	handler := s.handler
	s.mu.Unlock()

	handler(f)
	return true
}

// Fail stops the session and reports err to the observer.
func (s *SyntheticSession) Fail(err error) {
	s.mu.Lock()
	s.running = false
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs.SessionFailed(err)
	}
}

// Interrupt suspends delivery until EndInterruption.
func (s *SyntheticSession) Interrupt() {
	s.mu.Lock()
	s.interrupted = true
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs.SessionInterrupted()
	}
}

// EndInterruption resumes delivery. Tracking is not reset.
func (s *SyntheticSession) EndInterruption() {
	s.mu.Lock()
	s.interrupted = false
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs.SessionInterruptionEnded()
	}
}

// devicePose is the true pose of the device at time t.
func (s *SyntheticSession) devicePose(t time.Time) spatial.Transform {
	elapsed := t.Sub(s.start).Seconds()
	theta := 2 * math.Pi * elapsed / s.cfg.OrbitPeriod.Seconds()
	pos := r3.Vector{
		X: s.cfg.Center.X + s.cfg.Radius*math.Cos(theta),
		Y: s.cfg.Center.Y + s.cfg.Height,
		Z: s.cfg.Center.Z + s.cfg.Radius*math.Sin(theta),
	}
	// The camera looks down -Z; yaw it so that -Z points at the centre,
	// then tilt down towards it.
	yaw := math.Pi/2 - theta
	pitch := -math.Atan2(s.cfg.Height, s.cfg.Radius)
	q := mgl64.QuatRotate(yaw, mgl64.Vec3{0, 1, 0}).Mul(mgl64.QuatRotate(pitch, mgl64.Vec3{1, 0, 0}))
	return spatial.NewTransform(q, pos)
}

// render must be called with s.mu held.
func (s *SyntheticSession) render(now time.Time) *Frame {
	device := s.devicePose(now)
	worldToDevice := device.Inverse()
	in := s.cfg.Intrinsics

	img := &SyntheticImage{RGBA: image.NewRGBA(image.Rect(0, 0, in.Width, in.Height))}
	fill(img.RGBA, img.Bounds(), color.RGBA{R: 40, G: 40, B: 48, A: 255})

	for _, m := range s.cfg.Markers {
		rel := worldToDevice.Mul(m.Pose)
		p := rel.Position()
		if p.Z >= 0 {
			continue
		}
		u := in.FX*p.X/-p.Z + in.CX
		v := in.CY - in.FY*p.Y/-p.Z
		if u < 0 || v < 0 || u >= float64(in.Width) || v >= float64(in.Height) {
			continue
		}
		img.Detections = append(img.Detections, MarkerDetection{MarkerID: m.ID, Pose: rel})
		half := int(math.Max(2, in.FX*0.02/-p.Z))
		fill(img.RGBA, image.Rect(int(u)-half, int(v)-half, int(u)+half, int(v)+half), color.RGBA{R: 255, G: 255, B: 255, A: 255})
	}

	camera := s.origin.Inverse().Mul(device)
	return &Frame{
		Timestamp:     now,
		Image:         img,
		Intrinsics:    in,
		CameraToWorld: camera,
		Orientation:   spatial.EulerFromTransform(camera),
	}
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

var (
	_ Session  = (*SyntheticSession)(nil)
	_ Detector = SyntheticDetector{}
)
