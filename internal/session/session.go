// Package session defines the boundary with the camera/tracking session
// that delivers frames, and the marker detector that runs on them.
//
// The real session and detector live outside this repository; the
// synthetic implementations in this package drive the binary and tests.
package session

import (
	"errors"
	"image"
	"time"

	"github.com/banshee-data/worldtrack/internal/spatial"
)

// ErrTrackingLost is reported when the session can no longer estimate the
// device pose.
var ErrTrackingLost = errors.New("tracking lost")

// Intrinsics are the pinhole camera parameters of a captured frame.
type Intrinsics struct {
	FX     float64 `json:"fx"`
	FY     float64 `json:"fy"`
	CX     float64 `json:"cx"`
	CY     float64 `json:"cy"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Frame is a single capture. It is immutable once delivered.
type Frame struct {
	Timestamp     time.Time
	Image         image.Image
	Intrinsics    Intrinsics
	CameraToWorld spatial.Transform
	Orientation   spatial.EulerAngles
}

// MarkerDetection is one marker found in a frame, posed relative to the camera.
type MarkerDetection struct {
	MarkerID int
	Pose     spatial.Transform
}

// Detector finds markers in an image. It is synchronous and may be slow;
// an empty result is a valid outcome.
type Detector interface {
	Detect(img image.Image, intrinsics Intrinsics, markerSize float64) ([]MarkerDetection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(img image.Image, intrinsics Intrinsics, markerSize float64) ([]MarkerDetection, error)

// Detect calls f.
func (f DetectorFunc) Detect(img image.Image, intrinsics Intrinsics, markerSize float64) ([]MarkerDetection, error) {
	return f(img, intrinsics, markerSize)
}

// FrameHandler receives frames on the session's delivery goroutine.
type FrameHandler func(*Frame)

// PlaneDetection selects which planes the session looks for.
type PlaneDetection string

const (
	PlaneDetectionNone       PlaneDetection = "none"
	PlaneDetectionHorizontal PlaneDetection = "horizontal"
)

// WorldAlignment selects how the session orients the world frame.
type WorldAlignment string

const (
	WorldAlignmentGravity        WorldAlignment = "gravity"
	WorldAlignmentGravityHeading WorldAlignment = "gravity_heading"
	WorldAlignmentCamera         WorldAlignment = "camera"
)

// Configuration is the world-tracking configuration passed to Run.
type Configuration struct {
	PlaneDetection       PlaneDetection
	WorldAlignment       WorldAlignment
	LightEstimation      bool
	EnvironmentTexturing bool
}

// DefaultConfiguration returns the configuration the tracker runs with:
// horizontal planes, gravity-aligned world, no light estimation and no
// environment texturing.
func DefaultConfiguration() Configuration {
	return Configuration{
		PlaneDetection:       PlaneDetectionHorizontal,
		WorldAlignment:       WorldAlignmentGravity,
		LightEstimation:      false,
		EnvironmentTexturing: false,
	}
}

// RunOptions control what a (re)started session discards.
type RunOptions struct {
	ResetTracking         bool
	RemoveExistingAnchors bool
}

// ResetOptions are the options used to relocalize the world origin.
func ResetOptions() RunOptions {
	return RunOptions{ResetTracking: true, RemoveExistingAnchors: true}
}

// Session is the controllable side of the camera session.
type Session interface {
	// Pause stops frame delivery.
	Pause()
	// Run starts (or restarts) frame delivery.
	Run(cfg Configuration, opts RunOptions) error
}

// Observer receives session lifecycle notifications.
type Observer interface {
	SessionFailed(err error)
	SessionInterrupted()
	SessionInterruptionEnded()
}

// Observers fans notifications out to several observers.
type Observers []Observer

// SessionFailed implements Observer.
func (o Observers) SessionFailed(err error) {
	for _, obs := range o {
		obs.SessionFailed(err)
	}
}

// SessionInterrupted implements Observer.
func (o Observers) SessionInterrupted() {
	for _, obs := range o {
		obs.SessionInterrupted()
	}
}

// SessionInterruptionEnded implements Observer.
func (o Observers) SessionInterruptionEnded() {
	for _, obs := range o {
		obs.SessionInterruptionEnded()
	}
}
