// Package rotation provides rotation matrices and angle utilities used by the
// goniometer kinematics and the orientation math. All public angles are in
// degrees; rotations are right-handed about unit axes.
package rotation

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrAxesNotOrthogonal is returned by Decompose when the two chain axes are
// not perpendicular to each other.
var ErrAxesNotOrthogonal = errors.New("rotation: chain axes are not orthogonal")

const eps = 1e-12

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Identity returns a new 3x3 identity matrix.
func Identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// AboutAxis returns the rotation matrix for a right-handed rotation of deg
// degrees about the given axis. The axis does not need to be normalized.
func AboutAxis(axis r3.Vec, deg float64) *mat.Dense {
	a := r3.Unit(axis)
	c := math.Cos(Radians(deg))
	s := math.Sin(Radians(deg))
	t := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + a.X*a.X*t, a.X*a.Y*t - a.Z*s, a.X*a.Z*t + a.Y*s,
		a.Y*a.X*t + a.Z*s, c + a.Y*a.Y*t, a.Y*a.Z*t - a.X*s,
		a.Z*a.X*t - a.Y*s, a.Z*a.Y*t + a.X*s, c + a.Z*a.Z*t,
	})
}

// Apply multiplies a 3x3 matrix with a vector.
func Apply(m *mat.Dense, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// ApplyT multiplies the transpose of a 3x3 matrix with a vector.
func ApplyT(m *mat.Dense, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(1, 0)*v.Y + m.At(2, 0)*v.Z,
		Y: m.At(0, 1)*v.X + m.At(1, 1)*v.Y + m.At(2, 1)*v.Z,
		Z: m.At(0, 2)*v.X + m.At(1, 2)*v.Y + m.At(2, 2)*v.Z,
	}
}

// MulAll multiplies the given matrices left to right and returns the product.
// With no arguments it returns the identity.
func MulAll(ms ...*mat.Dense) *mat.Dense {
	out := Identity()
	for _, m := range ms {
		var next mat.Dense
		next.Mul(out, m)
		out = &next
	}
	return out
}

// NormalizeDeg wraps an angle into the interval (-180, 180].
func NormalizeDeg(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d <= -180 {
		d += 360
	} else if d > 180 {
		d -= 360
	}
	return d
}

// AngularDiff returns the absolute difference between two angles reduced
// modulo 360, in [0, 180].
func AngularDiff(a, b float64) float64 {
	return math.Abs(NormalizeDeg(a - b))
}

// IntoRange shifts an angle by multiples of 360 degrees until it falls inside
// [lo, hi], trying shifts in order of increasing magnitude. The second return
// is false when no representative fits.
func IntoRange(deg, lo, hi float64) (float64, bool) {
	n := NormalizeDeg(deg)
	for _, shift := range []float64{0, 360, -360, 720, -720} {
		v := n + shift
		if v >= lo && v <= hi {
			return v, true
		}
	}
	return n, false
}

// AngleBetween returns the angle between two vectors in degrees, in [0, 180].
func AngleBetween(u, v r3.Vec) float64 {
	cross := r3.Norm(r3.Cross(u, v))
	dot := r3.Dot(u, v)
	return Degrees(math.Atan2(cross, dot))
}

// AngleAbout returns the rotation angle about the given axis that takes the
// component of from perpendicular to the axis onto the corresponding
// component of to. The second return is false when either perpendicular
// component vanishes.
func AngleAbout(axis, from, to r3.Vec) (float64, bool) {
	a := r3.Unit(axis)
	f := r3.Sub(from, r3.Scale(r3.Dot(a, from), a))
	t := r3.Sub(to, r3.Scale(r3.Dot(a, to), a))
	if r3.Norm(f) < eps || r3.Norm(t) < eps {
		return 0, false
	}
	sin := r3.Dot(r3.Cross(f, t), a)
	cos := r3.Dot(f, t)
	return Degrees(math.Atan2(sin, cos)), true
}

// AlignVectors returns a rotation taking the direction of from onto the
// direction of to. Anti-parallel inputs rotate 180 degrees about a stable
// perpendicular axis.
func AlignVectors(from, to r3.Vec) *mat.Dense {
	f := r3.Unit(from)
	t := r3.Unit(to)
	axis := r3.Cross(f, t)
	s := r3.Norm(axis)
	c := r3.Dot(f, t)
	if s < eps {
		if c > 0 {
			return Identity()
		}
		perp := r3.Cross(f, r3.Vec{X: 1})
		if r3.Norm(perp) < eps {
			perp = r3.Cross(f, r3.Vec{Y: 1})
		}
		return AboutAxis(perp, 180)
	}
	return AboutAxis(axis, Degrees(math.Atan2(s, c)))
}

// SolveTrig returns all angles t in (-180, 180] satisfying
// a*cos(t) + b*sin(t) = c. The list is empty when the equation has no
// solution; a degenerate equation (a, b and c all negligible) yields {0}.
func SolveTrig(a, b, c float64) []float64 {
	r := math.Hypot(a, b)
	if r < eps {
		if math.Abs(c) < 1e-9 {
			return []float64{0}
		}
		return nil
	}
	d := c / r
	if math.Abs(d) > 1+1e-9 {
		return nil
	}
	d = math.Max(-1, math.Min(1, d))
	phi := math.Atan2(b, a)
	delta := math.Acos(d)
	t1 := NormalizeDeg(Degrees(phi + delta))
	t2 := NormalizeDeg(Degrees(phi - delta))
	if math.Abs(NormalizeDeg(t1-t2)) < 1e-9 {
		return []float64{t1}
	}
	return []float64{t1, t2}
}

// EulerXYZ builds a rotation matrix from the x-y-z Euler angles, in degrees:
// R = Rx(rx) * Ry(ry) * Rz(rz).
func EulerXYZ(rx, ry, rz float64) *mat.Dense {
	return MulAll(
		AboutAxis(r3.Vec{X: 1}, rx),
		AboutAxis(r3.Vec{Y: 1}, ry),
		AboutAxis(r3.Vec{Z: 1}, rz),
	)
}

// AnglesXYZ extracts the x-y-z Euler angles of a rotation matrix, in degrees.
// At the gimbal singularity (ry = +-90) the z angle is reported as zero.
func AnglesXYZ(r *mat.Dense) (rx, ry, rz float64) {
	sy := math.Max(-1, math.Min(1, r.At(0, 2)))
	ry = Degrees(math.Asin(sy))
	if math.Abs(sy) > 1-1e-12 {
		// rx and rz are coupled; report the combined angle as rx.
		rx = Degrees(math.Atan2(r.At(1, 0), r.At(1, 1)))
		return rx, ry, 0
	}
	rx = Degrees(math.Atan2(-r.At(1, 2), r.At(2, 2)))
	rz = Degrees(math.Atan2(-r.At(0, 1), r.At(0, 0)))
	return rx, ry, rz
}

// Decompose factors a rotation into three chained rotations about e1, e2 and
// e1 again: R = R(e1, a) * R(e2, b) * R(e1, c). The axes must be orthogonal
// unit directions. Both solution branches are returned, in degrees; at the
// gimbal degeneracy (b near 0 or 180) the branches coincide with c = 0.
func Decompose(r *mat.Dense, e1, e2 r3.Vec) ([2][3]float64, error) {
	a1 := r3.Unit(e1)
	a2 := r3.Unit(e2)
	if math.Abs(r3.Dot(a1, a2)) > 1e-9 {
		return [2][3]float64{}, ErrAxesNotOrthogonal
	}
	a3 := r3.Cross(a1, a2)

	// Change basis so the chain becomes the classic z-x-z Euler problem:
	// columns map basis coordinates (e2, e1 x e2, e1) to lab coordinates.
	basis := mat.NewDense(3, 3, []float64{
		a2.X, a3.X, a1.X,
		a2.Y, a3.Y, a1.Y,
		a2.Z, a3.Z, a1.Z,
	})
	var tmp, rp mat.Dense
	tmp.Mul(r, basis)
	rp.Mul(basis.T(), &tmp)

	m02 := rp.At(0, 2)
	m12 := rp.At(1, 2)
	m20 := rp.At(2, 0)
	m21 := rp.At(2, 1)
	m22 := math.Max(-1, math.Min(1, rp.At(2, 2)))

	sb := math.Hypot(m02, m12)
	if sb < 1e-12 {
		// Degenerate chain: only a+c (b=0) or a-c (b=180) is determined.
		a := Degrees(math.Atan2(rp.At(1, 0), rp.At(0, 0)))
		b := 0.0
		if m22 < 0 {
			b = 180
		}
		sol := [3]float64{NormalizeDeg(a), b, 0}
		return [2][3]float64{sol, sol}, nil
	}

	b1 := Degrees(math.Atan2(sb, m22))
	first := [3]float64{
		NormalizeDeg(Degrees(math.Atan2(m02, -m12))),
		NormalizeDeg(b1),
		NormalizeDeg(Degrees(math.Atan2(m20, m21))),
	}
	second := [3]float64{
		NormalizeDeg(Degrees(math.Atan2(-m02, m12))),
		NormalizeDeg(-b1),
		NormalizeDeg(Degrees(math.Atan2(-m20, -m21))),
	}
	return [2][3]float64{first, second}, nil
}
