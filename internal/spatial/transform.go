// Package spatial holds the rigid-transform math used to place markers in
// the shared world frame.
//
// Transforms are 4x4 homogeneous matrices stored column-major (the mgl64
// layout, which is also the memory layout the camera session reports).
// Points are column vectors, so A.Mul(B) applies B first and then A.
package spatial

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// RigidTolerance is the tolerance used when checking that a transform's
// rotation block is orthonormal with determinant 1.
const RigidTolerance = 0.01

// ErrNotRigid is returned by ValidateRigid for transforms that are not a
// proper rotation plus translation.
var ErrNotRigid = errors.New("transform is not rigid")

// Transform is a rigid transform (rotation + translation).
type Transform mgl64.Mat4

// Identity returns the identity transform.
func Identity() Transform {
	return Transform(mgl64.Ident4())
}

// NewTransform builds a transform that rotates by q and then translates by t.
func NewTransform(q mgl64.Quat, t r3.Vector) Transform {
	return Transform(mgl64.Translate3D(t.X, t.Y, t.Z).Mul4(q.Normalize().Mat4()))
}

// Translation returns a pure translation.
func Translation(x, y, z float64) Transform {
	return Transform(mgl64.Translate3D(x, y, z))
}

// Mat4 returns the underlying matrix.
func (t Transform) Mat4() mgl64.Mat4 {
	return mgl64.Mat4(t)
}

// Mul returns t·o: o is applied first, then t.
func (t Transform) Mul(o Transform) Transform {
	return Transform(mgl64.Mat4(t).Mul4(mgl64.Mat4(o)))
}

// Inverse returns the inverse rigid transform.
func (t Transform) Inverse() Transform {
	m := mgl64.Mat4(t)
	rt := m.Mat3().Transpose()
	p := rt.Mul3x1(mgl64.Vec3{m[12], m[13], m[14]})
	inv := rt.Mat4()
	inv[12], inv[13], inv[14] = -p[0], -p[1], -p[2]
	return Transform(inv)
}

// Position returns the translation column.
func (t Transform) Position() r3.Vector {
	return r3.Vector{X: t[12], Y: t[13], Z: t[14]}
}

// Rotation returns the rotation block as a unit quaternion.
func (t Transform) Rotation() mgl64.Quat {
	return mgl64.Mat4ToQuat(mgl64.Mat4(t)).Normalize()
}

// ApproxEqual reports whether every element of t and o differs by at most eps.
func (t Transform) ApproxEqual(o Transform, eps float64) bool {
	for i := range t {
		if math.Abs(t[i]-o[i]) > eps {
			return false
		}
	}
	return true
}

// IsFinite reports whether every element is a finite number.
func (t Transform) IsFinite() bool {
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// WorldTransform places a marker in world space: the marker's
// camera-relative pose is applied first and the result is then mapped
// through the camera's world pose. With an identity camera pose the marker
// pose is returned unchanged.
func WorldTransform(markerPose, cameraToWorld Transform) Transform {
	return cameraToWorld.Mul(markerPose)
}

// ValidateRigid checks that t is a proper rigid transform: finite values,
// an orthonormal rotation block with determinant 1 and a [0 0 0 1] bottom row.
func ValidateRigid(t Transform) error {
	if !t.IsFinite() {
		return fmt.Errorf("%w: non-finite element", ErrNotRigid)
	}
	m := mgl64.Mat4(t)
	r := mat.NewDense(3, 3, []float64{
		m.At(0, 0), m.At(0, 1), m.At(0, 2),
		m.At(1, 0), m.At(1, 1), m.At(1, 2),
		m.At(2, 0), m.At(2, 1), m.At(2, 2),
	})
	if det := mat.Det(r); math.Abs(det-1) > RigidTolerance {
		return fmt.Errorf("%w: rotation determinant %.4f", ErrNotRigid, det)
	}
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	if !mat.EqualApprox(&rtr, mat.NewDiagDense(3, []float64{1, 1, 1}), RigidTolerance) {
		return fmt.Errorf("%w: rotation block is not orthonormal", ErrNotRigid)
	}
	if m.At(3, 0) != 0 || m.At(3, 1) != 0 || m.At(3, 2) != 0 || math.Abs(m.At(3, 3)-1) > 0.001 {
		return fmt.Errorf("%w: bottom row is not [0 0 0 1]", ErrNotRigid)
	}
	return nil
}
