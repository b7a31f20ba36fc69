package spatial

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePose() Transform {
	q := mgl64.QuatRotate(math.Pi/3, mgl64.Vec3{0.2, 1, 0.4}.Normalize())
	return NewTransform(q, r3.Vector{X: 0.1, Y: -0.25, Z: -0.6})
}

func TestWorldTransform_IdentityCamera(t *testing.T) {
	t.Parallel()

	poses := []Transform{
		Identity(),
		Translation(1, 2, 3),
		samplePose(),
		NewTransform(mgl64.QuatRotate(-2.5, mgl64.Vec3{1, 0, 0}), r3.Vector{Z: -4}),
	}
	for _, p := range poses {
		got := WorldTransform(p, Identity())
		assert.True(t, got.ApproxEqual(p, 1e-12), "identity camera changed the pose: %v", got)
	}
}

func TestWorldTransform_OrderMatters(t *testing.T) {
	t.Parallel()

	marker := Translation(0, 0, -1)
	camera := NewTransform(mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 1, 0}), r3.Vector{X: 5})

	world := WorldTransform(marker, camera)
	swapped := WorldTransform(camera, marker)
	assert.False(t, world.ApproxEqual(swapped, 1e-9), "composition must not commute")

	// One metre in front of a camera at x=5 that has yawed 90° left.
	pos := world.Position()
	assert.InDelta(t, 4.0, pos.X, 1e-9)
	assert.InDelta(t, 0.0, pos.Y, 1e-9)
	assert.InDelta(t, 0.0, pos.Z, 1e-9)
}

func TestWorldTransform_ComposesTranslations(t *testing.T) {
	t.Parallel()

	world := WorldTransform(Translation(0, 0, -2), Translation(1, 1, 1))
	assert.Equal(t, r3.Vector{X: 1, Y: 1, Z: -1}, world.Position())
}

func TestInverse(t *testing.T) {
	t.Parallel()

	p := samplePose()
	assert.True(t, p.Mul(p.Inverse()).ApproxEqual(Identity(), 1e-9))
	assert.True(t, p.Inverse().Mul(p).ApproxEqual(Identity(), 1e-9))
}

func TestApproxEqual(t *testing.T) {
	t.Parallel()

	noisy := Identity()
	noisy[0] = 0.9999999999999998
	noisy[4] = 2e-16
	assert.True(t, noisy.ApproxEqual(Identity(), 1e-9), "rounding noise is within eps")

	off := Identity()
	off[12] = 1e-6
	assert.False(t, off.ApproxEqual(Identity(), 1e-9))
	assert.True(t, off.ApproxEqual(Identity(), 1e-6))
}

func TestRotationRoundTrip(t *testing.T) {
	t.Parallel()

	q := mgl64.QuatRotate(0.7, mgl64.Vec3{0, 0, 1})
	p := NewTransform(q, r3.Vector{X: 2})
	got := p.Rotation()
	assert.InDelta(t, 1, math.Abs(got.Dot(q)), 1e-9, "same rotation up to sign")
}

func TestValidateRigid(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateRigid(Identity()))
	require.NoError(t, ValidateRigid(samplePose()))

	scaled := Transform(mgl64.Scale3D(2, 2, 2))
	assert.ErrorIs(t, ValidateRigid(scaled), ErrNotRigid)

	reflected := Transform(mgl64.Scale3D(1, 1, -1))
	assert.ErrorIs(t, ValidateRigid(reflected), ErrNotRigid)

	sheared := Identity()
	sheared[4] = 0.5
	assert.ErrorIs(t, ValidateRigid(sheared), ErrNotRigid)

	projective := Identity()
	projective[3] = 0.2
	assert.ErrorIs(t, ValidateRigid(projective), ErrNotRigid)

	nan := Identity()
	nan[13] = math.NaN()
	assert.False(t, nan.IsFinite())
	assert.ErrorIs(t, ValidateRigid(nan), ErrNotRigid)
}
