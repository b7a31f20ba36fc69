package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// EulerAngles is a camera orientation in radians.
// Pitch is about the x axis, Yaw about y and Roll about z; the rotation is
// R = Ry(yaw)·Rx(pitch)·Rz(roll).
type EulerAngles struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// Quaternion returns the orientation as a unit quaternion.
func (e EulerAngles) Quaternion() mgl64.Quat {
	qy := mgl64.QuatRotate(e.Yaw, mgl64.Vec3{0, 1, 0})
	qx := mgl64.QuatRotate(e.Pitch, mgl64.Vec3{1, 0, 0})
	qz := mgl64.QuatRotate(e.Roll, mgl64.Vec3{0, 0, 1})
	return qy.Mul(qx).Mul(qz).Normalize()
}

// Degrees returns the angles converted to degrees, pitch/yaw/roll order.
func (e EulerAngles) Degrees() (pitch, yaw, roll float64) {
	return mgl64.RadToDeg(e.Pitch), mgl64.RadToDeg(e.Yaw), mgl64.RadToDeg(e.Roll)
}

// EulerFromTransform extracts pitch/yaw/roll from the rotation block of t.
func EulerFromTransform(t Transform) EulerAngles {
	m := mgl64.Mat4(t)
	sp := clamp(-m.At(1, 2), -1, 1)
	return EulerAngles{
		Pitch: math.Asin(sp),
		Yaw:   math.Atan2(m.At(0, 2), m.At(2, 2)),
		Roll:  math.Atan2(m.At(1, 0), m.At(1, 1)),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
