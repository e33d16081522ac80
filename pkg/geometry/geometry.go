// Package geometry describes diffractometer geometries: their real axes,
// pseudo-motor engines and engine modes, plus the backend contract that
// turns descriptions into coordinate transforms.
//
// A geometry is a static Spec. Axis directions are unit vectors in the
// laboratory frame with the beam along +x and z pointing up; rotations are
// right-handed. Backends register themselves by spec name, the way database
// drivers do.
package geometry

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrUnknownGeometry is returned when no backend is registered under the
	// requested name.
	ErrUnknownGeometry = errors.New("geometry: unknown geometry")

	// ErrUnknownEngine is returned when a spec has no engine with the
	// requested name.
	ErrUnknownEngine = errors.New("geometry: unknown engine")

	// ErrUnknownMode is returned when an engine has no mode with the
	// requested name.
	ErrUnknownMode = errors.New("geometry: unknown mode")

	// ErrUnknownAxis is returned when a spec has no real axis with the
	// requested name.
	ErrUnknownAxis = errors.New("geometry: unknown axis")

	// ErrReadOnlyEngine is returned when a forward computation is requested
	// from an engine that only reads positions.
	ErrReadOnlyEngine = errors.New("geometry: engine is read-only")

	// ErrWrongDimension is returned when the number of pseudo values does
	// not match the engine.
	ErrWrongDimension = errors.New("geometry: wrong number of pseudo values")

	// ErrMissingModeParameter is returned when a mode parameter required by
	// the computation has not been set.
	ErrMissingModeParameter = errors.New("geometry: missing mode parameter")

	// ErrInvalidSpec is returned by Spec.Validate for malformed descriptions.
	ErrInvalidSpec = errors.New("geometry: invalid spec")
)

// Axis is one real motor of a goniometer: a named right-handed rotation
// about a fixed laboratory direction.
type Axis struct {
	Name      string
	Direction [3]float64
}

// Dir returns the rotation direction as a vector.
func (a Axis) Dir() r3.Vec {
	return r3.Vec{X: a.Direction[0], Y: a.Direction[1], Z: a.Direction[2]}
}

// Mode is one way an engine maps pseudo values onto real axes. Writes lists
// the axes the mode computes; axes of the holding circle that are not
// written keep their current value. Params names the scalar parameters the
// mode requires, all of which must be set before use.
type Mode struct {
	Name   string
	Writes []string
	Params []string
}

// Engine computes one set of pseudo values from real positions and, unless
// read-only, real positions from pseudo values. The first mode is the
// default.
type Engine struct {
	Name     string
	Pseudos  []string
	ReadOnly bool
	Modes    []Mode
}

// Mode returns the engine mode with the given name.
func (e Engine) Mode(name string) (Mode, bool) {
	for _, m := range e.Modes {
		if m.Name == name {
			return m, true
		}
	}
	return Mode{}, false
}

// Spec is the static description of a diffractometer geometry. Sample axes
// rotate the crystal, detector axes the detector arm; both are ordered from
// the outermost circle inward. The first engine is the default.
type Spec struct {
	Name        string
	Description string
	Sample      []Axis
	Detector    []Axis
	Engines     []Engine
}

// Real returns the real axis names, sample circles first.
func (s Spec) Real() []string {
	names := make([]string, 0, len(s.Sample)+len(s.Detector))
	for _, a := range s.Sample {
		names = append(names, a.Name)
	}
	for _, a := range s.Detector {
		names = append(names, a.Name)
	}
	return names
}

// Axis returns the real axis with the given name.
func (s Spec) Axis(name string) (Axis, bool) {
	for _, a := range s.Sample {
		if a.Name == name {
			return a, true
		}
	}
	for _, a := range s.Detector {
		if a.Name == name {
			return a, true
		}
	}
	return Axis{}, false
}

// Engine returns the engine with the given name.
func (s Spec) Engine(name string) (Engine, bool) {
	for _, e := range s.Engines {
		if e.Name == name {
			return e, true
		}
	}
	return Engine{}, false
}

// Validate checks the descriptor for internal consistency.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	}
	if len(s.Sample) == 0 {
		return fmt.Errorf("%w: %s has no sample axes", ErrInvalidSpec, s.Name)
	}
	if len(s.Detector) == 0 {
		return fmt.Errorf("%w: %s has no detector axes", ErrInvalidSpec, s.Name)
	}
	seen := map[string]bool{}
	for _, a := range append(append([]Axis{}, s.Sample...), s.Detector...) {
		if a.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed axis", ErrInvalidSpec, s.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: %s repeats axis %q", ErrInvalidSpec, s.Name, a.Name)
		}
		seen[a.Name] = true
		if a.Dir() == (r3.Vec{}) {
			return fmt.Errorf("%w: axis %q has a zero direction", ErrInvalidSpec, a.Name)
		}
	}
	if len(s.Engines) == 0 {
		return fmt.Errorf("%w: %s has no engines", ErrInvalidSpec, s.Name)
	}
	for _, e := range s.Engines {
		if len(e.Pseudos) == 0 {
			return fmt.Errorf("%w: engine %q has no pseudo axes", ErrInvalidSpec, e.Name)
		}
		if len(e.Modes) == 0 {
			return fmt.Errorf("%w: engine %q has no modes", ErrInvalidSpec, e.Name)
		}
		for _, m := range e.Modes {
			for _, w := range m.Writes {
				if !seen[w] {
					return fmt.Errorf("%w: mode %q writes unknown axis %q",
						ErrInvalidSpec, m.Name, w)
				}
			}
		}
	}
	return nil
}
