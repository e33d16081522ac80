// Package sample tracks crystals mounted on the diffractometer: their
// lattice, the reflections measured on them and the orientation matrices
// derived from those reflections.
//
// The orientation follows Busing and Levy: U rotates the reciprocal lattice
// frame of the crystal into the sample holder frame, so that a reflection
// hkl scatters when Q = Rs * U * B * hkl with Rs the composed sample circle
// rotation.
package sample

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"hkl-calc/pkg/lattice"
	"hkl-calc/pkg/rotation"
)

var (
	ErrInsufficientReflections = errors.New("sample: at least two reflections required")
	ErrDegenerateReflections   = errors.New("sample: orientation reflections are colinear")
	ErrUnknownReflection       = errors.New("sample: no such reflection")
)

// colinearEps rejects orientation pairs whose scattering vectors are close
// to parallel. The Busing-Levy triad is numerically worthless below it.
const colinearEps = 1e-4

// Reflection is one measured reflection: the indices, the real axis
// positions it was observed at and the wavelength in use at the time.
// Orient marks the reflections feeding the orientation computation.
type Reflection struct {
	H          float64            `json:"h"`
	K          float64            `json:"k"`
	L          float64            `json:"l"`
	Position   map[string]float64 `json:"position"`
	Wavelength float64            `json:"wavelength"`
	Orient     bool               `json:"orient,omitempty"`
}

func (r Reflection) hkl() r3.Vec {
	return r3.Vec{X: r.H, Y: r.K, Z: r.L}
}

// Kinematics resolves real axis positions into laboratory frame vectors.
// The geometry backends implement it.
type Kinematics interface {
	SampleRotation(position map[string]float64) *mat.Dense
	ScatteringVector(position map[string]float64, wavelength float64) r3.Vec
}

// Sample is a mounted crystal. It is safe for concurrent use.
type Sample struct {
	mu          sync.RWMutex
	name        string
	lat         lattice.Lattice
	u           *mat.Dense
	ub          *mat.Dense
	manualUB    bool
	reflections []Reflection
}

// New creates a sample with an identity orientation, so UB starts out as
// the B matrix of the lattice.
func New(name string, lat lattice.Lattice) (*Sample, error) {
	if name == "" {
		return nil, errors.New("sample: empty name")
	}
	b, err := lat.BMatrix()
	if err != nil {
		return nil, err
	}
	return &Sample{
		name: name,
		lat:  lat,
		u:    rotation.Identity(),
		ub:   b,
	}, nil
}

func (s *Sample) Name() string {
	return s.name
}

func (s *Sample) Lattice() lattice.Lattice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lat
}

// SetLattice replaces the unit cell and rebuilds UB from the current U.
func (s *Sample) SetLattice(lat lattice.Lattice) error {
	b, err := lat.BMatrix()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lat = lat
	var ub mat.Dense
	ub.Mul(s.u, b)
	s.ub = &ub
	s.manualUB = false
	return nil
}

// U returns a copy of the orientation matrix.
func (s *Sample) U() *mat.Dense {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mat.DenseCopyOf(s.u)
}

// SetU replaces the orientation matrix and rebuilds UB.
func (s *Sample) SetU(u *mat.Dense) error {
	if err := check3x3(u); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lat.BMatrix()
	if err != nil {
		return err
	}
	s.u = mat.DenseCopyOf(u)
	var ub mat.Dense
	ub.Mul(s.u, b)
	s.ub = &ub
	s.manualUB = false
	return nil
}

// UB returns a copy of the orientation times B matrix.
func (s *Sample) UB() *mat.Dense {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mat.DenseCopyOf(s.ub)
}

// SetUB installs an explicit UB matrix, bypassing the lattice. U is
// back-computed through the inverse of B and need not stay orthonormal.
func (s *Sample) SetUB(ub *mat.Dense) error {
	if err := check3x3(ub); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lat.BMatrix()
	if err != nil {
		return err
	}
	var binv mat.Dense
	if err := binv.Inverse(b); err != nil {
		return fmt.Errorf("%w: singular B matrix", lattice.ErrInvalidLattice)
	}
	s.ub = mat.DenseCopyOf(ub)
	var u mat.Dense
	u.Mul(ub, &binv)
	s.u = &u
	s.manualUB = true
	return nil
}

// ManualUB reports whether UB was set directly rather than derived from
// reflections or the lattice.
func (s *Sample) ManualUB() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualUB
}

func check3x3(m *mat.Dense) error {
	if m == nil {
		return errors.New("sample: nil matrix")
	}
	if r, c := m.Dims(); r != 3 || c != 3 {
		return fmt.Errorf("sample: want a 3x3 matrix, got %dx%d", r, c)
	}
	return nil
}

// AddReflection records a measured reflection and returns its index. At
// most two reflections carry the orientation flag; adding a third flagged
// one clears the flag on the oldest.
func (s *Sample) AddReflection(r Reflection) (int, error) {
	if r.Wavelength <= 0 {
		return 0, errors.New("sample: reflection wavelength must be positive")
	}
	r = copyReflection(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Orient {
		flagged := s.orientIndices()
		if len(flagged) >= 2 {
			s.reflections[flagged[0]].Orient = false
		}
	}
	s.reflections = append(s.reflections, r)
	return len(s.reflections) - 1, nil
}

// Reflections returns a copy of all recorded reflections in insertion
// order.
func (s *Sample) Reflections() []Reflection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Reflection, len(s.reflections))
	for i, r := range s.reflections {
		out[i] = copyReflection(r)
	}
	return out
}

func copyReflection(r Reflection) Reflection {
	pos := make(map[string]float64, len(r.Position))
	for name, v := range r.Position {
		pos[name] = v
	}
	r.Position = pos
	return r
}

// RemoveReflection deletes the reflection at index i.
func (s *Sample) RemoveReflection(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.reflections) {
		return fmt.Errorf("%w: index %d", ErrUnknownReflection, i)
	}
	s.reflections = append(s.reflections[:i], s.reflections[i+1:]...)
	return nil
}

func (s *Sample) ClearReflections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reflections = nil
}

func (s *Sample) orientIndices() []int {
	var idx []int
	for i, r := range s.reflections {
		if r.Orient {
			idx = append(idx, i)
		}
	}
	return idx
}

// OrientationReflections returns the flagged reflections, primary first.
func (s *Sample) OrientationReflections() []Reflection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reflection
	for _, i := range s.orientIndices() {
		out = append(out, copyReflection(s.reflections[i]))
	}
	return out
}

// SwapOrientationReflections exchanges the primary and secondary
// orientation reflections.
func (s *Sample) SwapOrientationReflections() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.orientIndices()
	if len(idx) != 2 {
		return ErrInsufficientReflections
	}
	s.reflections[idx[0]], s.reflections[idx[1]] = s.reflections[idx[1]], s.reflections[idx[0]]
	return nil
}

// holderVector rotates the scattering vector of a measured reflection back
// into the sample holder frame.
func holderVector(kin Kinematics, r Reflection) r3.Vec {
	q := kin.ScatteringVector(r.Position, r.Wavelength)
	return rotation.ApplyT(kin.SampleRotation(r.Position), q)
}

// triad builds the orthonormal frame of the Busing-Levy construction from
// two non-colinear vectors, as columns of the returned matrix.
func triad(u1, u2 r3.Vec) (*mat.Dense, error) {
	n1, n2 := r3.Norm(u1), r3.Norm(u2)
	if n1 < 1e-12 || n2 < 1e-12 {
		return nil, fmt.Errorf("%w: zero scattering vector", ErrDegenerateReflections)
	}
	t1 := r3.Scale(1/n1, u1)
	c := r3.Cross(t1, r3.Scale(1/n2, u2))
	if r3.Norm(c) < colinearEps {
		return nil, ErrDegenerateReflections
	}
	t3 := r3.Unit(c)
	t2 := r3.Cross(t3, t1)
	return mat.NewDense(3, 3, []float64{
		t1.X, t2.X, t3.X,
		t1.Y, t2.Y, t3.Y,
		t1.Z, t2.Z, t3.Z,
	}), nil
}

// ComputeUB derives U from the two orientation reflections with the
// Busing-Levy triad construction and rebuilds UB. When no reflections are
// flagged yet, the first two recorded ones become the orientation pair.
func (s *Sample) ComputeUB(kin Kinematics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.orientIndices()
	if len(idx) < 2 {
		if len(s.reflections) < 2 {
			return ErrInsufficientReflections
		}
		idx = []int{0, 1}
	}
	return s.computePair(kin, idx[0], idx[1])
}

// ComputeUBFrom derives the orientation from the reflections at indices p1
// and p2, flagging them as the orientation pair in that order.
func (s *Sample) ComputeUBFrom(kin Kinematics, p1, p2 int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(p1); err != nil {
		return err
	}
	if err := s.checkIndex(p2); err != nil {
		return err
	}
	if p1 == p2 {
		return fmt.Errorf("%w: reflection %d used twice", ErrDegenerateReflections, p1)
	}
	return s.computePair(kin, p1, p2)
}

func (s *Sample) computePair(kin Kinematics, p1, p2 int) error {
	b, err := s.lat.BMatrix()
	if err != nil {
		return err
	}
	r1, r2 := s.reflections[p1], s.reflections[p2]
	tc, err := triad(rotation.Apply(b, r1.hkl()), rotation.Apply(b, r2.hkl()))
	if err != nil {
		return err
	}
	tp, err := triad(holderVector(kin, r1), holderVector(kin, r2))
	if err != nil {
		return err
	}

	var u, ub mat.Dense
	u.Mul(tp, tc.T())
	ub.Mul(&u, b)
	s.u = &u
	s.ub = &ub
	s.manualUB = false
	for i := range s.reflections {
		s.reflections[i].Orient = i == p1 || i == p2
	}
	return nil
}

// Refine fits U against every recorded reflection by least squares,
// starting from the current orientation. With exactly two reflections it
// reduces to the Busing-Levy result.
func (s *Sample) Refine(kin Kinematics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reflections) < 2 {
		return ErrInsufficientReflections
	}
	b, err := s.lat.BMatrix()
	if err != nil {
		return err
	}

	type target struct {
		hPhi, hC r3.Vec
	}
	targets := make([]target, len(s.reflections))
	for i, r := range s.reflections {
		targets[i] = target{holderVector(kin, r), rotation.Apply(b, r.hkl())}
	}

	rx, ry, rz := rotation.AnglesXYZ(s.u)
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			u := rotation.EulerXYZ(x[0], x[1], x[2])
			var sum float64
			for _, tg := range targets {
				d := r3.Sub(tg.hPhi, rotation.Apply(u, tg.hC))
				sum += r3.Dot(d, d)
			}
			return sum
		},
	}
	res, err := optimize.Minimize(problem, []float64{rx, ry, rz}, nil, &optimize.NelderMead{})
	if err != nil {
		return fmt.Errorf("sample: refine: %w", err)
	}

	var ub mat.Dense
	s.u = rotation.EulerXYZ(res.X[0], res.X[1], res.X[2])
	ub.Mul(s.u, b)
	s.ub = &ub
	s.manualUB = false
	return nil
}

// MeasuredAngle is the angle between the scattering vectors of two
// recorded reflections, in degrees.
func (s *Sample) MeasuredAngle(i, j int, kin Kinematics) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkIndex(i); err != nil {
		return 0, err
	}
	if err := s.checkIndex(j); err != nil {
		return 0, err
	}
	return rotation.AngleBetween(
		holderVector(kin, s.reflections[i]),
		holderVector(kin, s.reflections[j]),
	), nil
}

// TheoreticalAngle is the angle between two reflections predicted by the
// lattice alone, in degrees.
func (s *Sample) TheoreticalAngle(i, j int) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkIndex(i); err != nil {
		return 0, err
	}
	if err := s.checkIndex(j); err != nil {
		return 0, err
	}
	b, err := s.lat.BMatrix()
	if err != nil {
		return 0, err
	}
	return rotation.AngleBetween(
		rotation.Apply(b, s.reflections[i].hkl()),
		rotation.Apply(b, s.reflections[j].hkl()),
	), nil
}

func (s *Sample) checkIndex(i int) error {
	if i < 0 || i >= len(s.reflections) {
		return fmt.Errorf("%w: index %d", ErrUnknownReflection, i)
	}
	return nil
}
