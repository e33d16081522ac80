// Package backend implements the coordinate transforms for the built-in
// diffractometer geometries. Each geometry registers itself with the
// geometry package at init time.
//
// The laboratory frame follows the Busing-Levy conventions: the incident
// beam travels along +x, z points up and y completes the right-handed set.
// The scattering vector of a reflection hkl must satisfy Q = Rs * UB * hkl,
// with Rs the composed sample circle rotation.
package backend

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/rotation"
)

var (
	errBadWavelength = errors.New("backend: wavelength must be positive")
	errNilUB         = errors.New("backend: nil UB matrix")
	errNoAzimuth     = errors.New("backend: azimuth undefined at this position")
	errZeroNormal    = errors.New("backend: surface normal must not be zero")
	errZeroReference = errors.New("backend: zero reference reflection")
)

// beam is the direction of the incident wave vector.
var beam = r3.Vec{X: 1}

// matchEps decides when a computed axis value agrees with a pinned one and
// when two candidate positions are duplicates.
const matchEps = 1e-7

func init() {
	geometry.Register(newE4CV())
	geometry.Register(newE4CH())
	geometry.Register(newE6C())
	geometry.Register(newK4CV())
}

// solver implements geometry.Backend for every built-in geometry. The
// eulerian fields name the three sample circles of the omega-chi-phi picture
// used by the hkl solves; on the kappa geometry those circles are virtual
// and kappaAngle holds the tilt of the kappa axis.
type solver struct {
	spec geometry.Spec

	eulerNames [3]string
	eulerDirs  [3]r3.Vec

	// sample circles outside the eulerian triple, outermost first (mu on
	// E6C). They are never written by the hkl modes.
	outerSample []string

	// mainDet is the detector circle carrying the scattering angle;
	// outerDet lists the held detector circles outside it.
	mainDet  string
	outerDet []string

	kappaAngle float64
}

func (s *solver) Spec() geometry.Spec { return s.spec }

func waveNumber(wavelength float64) float64 {
	return 2 * math.Pi / wavelength
}

func axisProduct(axes []geometry.Axis, pos map[string]float64) *mat.Dense {
	out := rotation.Identity()
	for _, a := range axes {
		out = rotation.MulAll(out, rotation.AboutAxis(a.Dir(), pos[a.Name]))
	}
	return out
}

// SampleRotation composes the sample circle rotations, outermost first.
func (s *solver) SampleRotation(position map[string]float64) *mat.Dense {
	return axisProduct(s.spec.Sample, position)
}

// kfDir returns the unit direction of the scattered wave vector.
func (s *solver) kfDir(position map[string]float64) r3.Vec {
	return rotation.Apply(axisProduct(s.spec.Detector, position), beam)
}

// ScatteringVector returns Q = kf - ki in the laboratory frame.
func (s *solver) ScatteringVector(position map[string]float64, wavelength float64) r3.Vec {
	k := waveNumber(wavelength)
	return r3.Scale(k, r3.Sub(s.kfDir(position), beam))
}

func constraintFor(cons map[string]geometry.Constraint, name string) geometry.Constraint {
	if c, ok := cons[name]; ok {
		return c
	}
	return geometry.DefaultConstraint()
}

// heldValue resolves the value of an axis the mode does not write: the
// current position, unless a fit=false constraint pins the axis.
func heldValue(cons map[string]geometry.Constraint, current map[string]float64, name string) float64 {
	if c, ok := cons[name]; ok && !c.Fit {
		return c.FixedValue
	}
	return current[name]
}

// assemble builds a full position from the axes computed by a mode, filling
// every remaining axis with its held value.
func (s *solver) assemble(req geometry.ForwardRequest, frag map[string]float64) map[string]float64 {
	pos := make(map[string]float64, len(s.spec.Sample)+len(s.spec.Detector))
	for _, name := range s.spec.Real() {
		if v, ok := frag[name]; ok {
			pos[name] = rotation.NormalizeDeg(v)
		} else {
			pos[name] = heldValue(req.Constraints, req.Current, name)
		}
	}
	return pos
}

// finish filters assembled candidates against constraints, verifies them,
// removes duplicates and orders them by travel from the current position.
func (s *solver) finish(req geometry.ForwardRequest, mode geometry.Mode,
	cands []map[string]float64, verify func(map[string]float64) bool) []map[string]float64 {

	written := make(map[string]bool, len(mode.Writes))
	for _, name := range mode.Writes {
		written[name] = true
	}

	var out []map[string]float64
next:
	for _, cand := range cands {
		for name, v := range cand {
			c := constraintFor(req.Constraints, name)
			if written[name] {
				shifted, ok := rotation.IntoRange(v, c.LowLimit, c.HighLimit)
				if !ok {
					continue next
				}
				cand[name] = shifted
			}
			if !c.Fit && rotation.AngularDiff(cand[name], c.FixedValue) > matchEps {
				continue next
			}
		}
		if verify != nil && !verify(cand) {
			continue
		}
		for _, prev := range out {
			if samePosition(prev, cand, s.spec.Real()) {
				continue next
			}
		}
		out = append(out, cand)
	}

	axes := s.spec.Real()
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := travel(out[i], req.Current, axes), travel(out[j], req.Current, axes)
		if math.Abs(ti-tj) > 1e-12 {
			return ti < tj
		}
		for _, name := range axes {
			if math.Abs(out[i][name]-out[j][name]) > 1e-12 {
				return out[i][name] > out[j][name]
			}
		}
		return false
	})
	return out
}

func samePosition(a, b map[string]float64, axes []string) bool {
	for _, name := range axes {
		if math.Abs(a[name]-b[name]) > matchEps {
			return false
		}
	}
	return true
}

// travel is the summed angular distance between two positions.
func travel(pos, from map[string]float64, axes []string) float64 {
	var sum float64
	for _, name := range axes {
		sum += rotation.AngularDiff(pos[name], from[name])
	}
	return sum
}

// eulerAt returns the omega, chi and phi angles seen at a real position. On
// the kappa geometry they are derived from the kappa circles.
func (s *solver) eulerAt(pos map[string]float64) [3]float64 {
	if s.kappaAngle != 0 {
		return kappaToEuler(pos[s.eulerNames[0]], pos[s.eulerNames[1]], pos[s.eulerNames[2]], s.kappaAngle)
	}
	return [3]float64{pos[s.eulerNames[0]], pos[s.eulerNames[1]], pos[s.eulerNames[2]]}
}

// heldEulerAngle resolves the held value of one eulerian circle for the
// constant modes. On the kappa geometry the value is read from the current
// position; elsewhere pinning constraints apply.
func (s *solver) heldEulerAngle(req geometry.ForwardRequest, i int) float64 {
	if s.kappaAngle != 0 {
		return s.eulerAt(req.Current)[i]
	}
	return heldValue(req.Constraints, req.Current, s.eulerNames[i])
}

// realizeEuler maps an eulerian triple onto real axis values. The second
// return is false when the triple is outside the kappa reach.
func (s *solver) realizeEuler(tri [3]float64) (map[string]float64, bool) {
	if s.kappaAngle != 0 {
		k, ok := eulerToKappa(tri, s.kappaAngle)
		if !ok {
			return nil, false
		}
		return map[string]float64{
			s.eulerNames[0]: k[0],
			s.eulerNames[1]: k[1],
			s.eulerNames[2]: k[2],
		}, true
	}
	return map[string]float64{
		s.eulerNames[0]: tri[0],
		s.eulerNames[1]: tri[1],
		s.eulerNames[2]: tri[2],
	}, true
}

// eulerDual is the proper-Euler image of a triple: the same sample rotation
// expressed with the middle circle negated.
func eulerDual(tri [3]float64) [3]float64 {
	return [3]float64{
		rotation.NormalizeDeg(tri[0] + 180),
		-tri[1],
		rotation.NormalizeDeg(tri[2] + 180),
	}
}

// outerSampleRot composes the held sample circles outside the eulerian
// triple.
func (s *solver) outerSampleRot(req geometry.ForwardRequest) *mat.Dense {
	out := rotation.Identity()
	for _, name := range s.outerSample {
		ax, _ := s.spec.Axis(name)
		out = rotation.MulAll(out, rotation.AboutAxis(ax.Dir(), heldValue(req.Constraints, req.Current, name)))
	}
	return out
}

// detPosition builds a detector position with the main circle at value and
// the outer circles held.
func (s *solver) detPosition(req geometry.ForwardRequest, value float64) map[string]float64 {
	pos := map[string]float64{s.mainDet: value}
	for _, name := range s.outerDet {
		pos[name] = heldValue(req.Constraints, req.Current, name)
	}
	return pos
}

// detCandidates returns the main detector angles realizing a scattering
// vector of length g. The error reports physically unreachable lengths.
func (s *solver) detCandidates(req geometry.ForwardRequest, g, k float64) ([]float64, error) {
	ratio := g / (2 * k)
	if ratio > 1+1e-9 {
		return nil, &geometry.UnreachableError{
			Engine:  req.Engine,
			Pseudos: append([]float64(nil), req.Pseudos...),
			Reason:  fmt.Sprintf("needs |Q| = %.6g above the 2k limit %.6g", g, 2*k),
		}
	}
	if len(s.outerDet) == 0 {
		theta := rotation.Degrees(math.Asin(math.Min(1, ratio)))
		if theta < 1e-12 {
			return []float64{0}, nil
		}
		return []float64{2 * theta, -2 * theta}, nil
	}

	// A held outer circle leaves one free detector angle; Q fixes its
	// cosine.
	outerHeld := heldValue(req.Constraints, req.Current, s.outerDet[0])
	cosOuter := math.Cos(rotation.Radians(outerHeld))
	if math.Abs(cosOuter) < 1e-12 {
		return nil, nil
	}
	cosMain := (1 - 2*ratio*ratio) / cosOuter
	if math.Abs(cosMain) > 1 {
		return nil, nil
	}
	main := rotation.Degrees(math.Acos(cosMain))
	if main < 1e-12 {
		return []float64{0}, nil
	}
	return []float64{main, -main}, nil
}

// twoCircleSolve returns the (outer, inner) angle pairs with
// R(eOuter, outer) * R(eInner, inner) * h = t. Both h and t must be unit
// vectors and the axes orthogonal to each other. When the outer angle is
// free it takes outerDefault.
func twoCircleSolve(h, t, eOuter, eInner r3.Vec, outerDefault float64) [][2]float64 {
	a := r3.Dot(h, eOuter)
	b := r3.Dot(r3.Cross(eInner, h), eOuter)
	c := r3.Dot(t, eOuter)

	var out [][2]float64
	for _, inner := range rotation.SolveTrig(a, b, c) {
		w := rotation.Apply(rotation.AboutAxis(eInner, inner), h)
		outer, ok := rotation.AngleAbout(eOuter, w, t)
		if !ok {
			outer = outerDefault
		}
		out = append(out, [2]float64{outer, inner})
	}
	return out
}

// Forward computes the real positions realizing a pseudo position.
func (s *solver) Forward(req geometry.ForwardRequest) ([]map[string]float64, error) {
	eng, ok := s.spec.Engine(req.Engine)
	if !ok {
		return nil, fmt.Errorf("%w: %q", geometry.ErrUnknownEngine, req.Engine)
	}
	if eng.ReadOnly {
		return nil, fmt.Errorf("%w: %s", geometry.ErrReadOnlyEngine, eng.Name)
	}
	mode, err := resolveMode(eng, req.Mode)
	if err != nil {
		return nil, err
	}
	if len(req.Pseudos) != len(eng.Pseudos) {
		return nil, fmt.Errorf("%w: engine %s takes %d values, got %d",
			geometry.ErrWrongDimension, eng.Name, len(eng.Pseudos), len(req.Pseudos))
	}
	if req.Wavelength <= 0 {
		return nil, errBadWavelength
	}
	if err := checkParams(mode, req.Params); err != nil {
		return nil, err
	}

	switch eng.Name {
	case "hkl":
		return s.forwardHKL(req, mode)
	case "psi":
		return s.forwardPsi(req, mode)
	case "q":
		return s.forwardQ(req, mode)
	case "q2":
		return s.forwardQ2(req, mode)
	case "eulerians":
		return s.forwardEulerians(req, mode)
	}
	return nil, fmt.Errorf("%w: %q", geometry.ErrUnknownEngine, eng.Name)
}

// Inverse computes the pseudo values of an engine at a real position.
func (s *solver) Inverse(req geometry.InverseRequest) ([]float64, error) {
	eng, ok := s.spec.Engine(req.Engine)
	if !ok {
		return nil, fmt.Errorf("%w: %q", geometry.ErrUnknownEngine, req.Engine)
	}
	mode, err := resolveMode(eng, req.Mode)
	if err != nil {
		return nil, err
	}
	if req.Wavelength <= 0 {
		return nil, errBadWavelength
	}
	if err := checkParams(mode, req.Params); err != nil {
		return nil, err
	}

	switch eng.Name {
	case "hkl":
		return s.inverseHKL(req)
	case "psi":
		return s.inversePsi(req)
	case "q":
		return s.inverseQ(req)
	case "q2":
		return s.inverseQ2(req)
	case "eulerians":
		return s.inverseEulerians(req)
	case "incidence":
		return s.inverseIncidence(req)
	case "emergence":
		return s.inverseEmergence(req)
	}
	return nil, fmt.Errorf("%w: %q", geometry.ErrUnknownEngine, eng.Name)
}

func resolveMode(eng geometry.Engine, name string) (geometry.Mode, error) {
	if name == "" {
		return eng.Modes[0], nil
	}
	mode, ok := eng.Mode(name)
	if !ok {
		return geometry.Mode{}, fmt.Errorf("%w: %s/%q", geometry.ErrUnknownMode, eng.Name, name)
	}
	return mode, nil
}

func checkParams(mode geometry.Mode, params map[string]float64) error {
	for _, p := range mode.Params {
		if _, ok := params[p]; !ok {
			return fmt.Errorf("%w: %s needs %q", geometry.ErrMissingModeParameter, mode.Name, p)
		}
	}
	return nil
}

// family strips the scattering-plane suffix from a mode name.
func family(mode geometry.Mode) string {
	return strings.TrimSuffix(mode.Name, "_vertical")
}
