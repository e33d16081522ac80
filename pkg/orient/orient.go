// Package orient captures diffractometer state into a portable JSON
// document and restores it onto a live instance.
package orient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"

	"hkl-calc/pkg/calc"
	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/lattice"
	"hkl-calc/pkg/sample"
)

// ErrGeometryMismatch is returned when a snapshot was captured on a
// different geometry or engine than the restoring instance.
var ErrGeometryMismatch = errors.New("orient: snapshot does not match instance")

const snapshotVersion = 1

// Snapshot is one saved diffractometer state.
type Snapshot struct {
	Version  int    `json:"version"`
	Geometry string `json:"geometry"`
	Engine   string `json:"engine"`

	Mode       string             `json:"mode"`
	ModeParams map[string]float64 `json:"mode_params,omitempty"`
	Wavelength float64            `json:"wavelength"`

	// Constraints and the position tuple use canonical axis names and
	// declaration order, so a snapshot stays portable across instances
	// with renamed axes.
	Constraints map[string]geometry.Constraint `json:"constraints"`
	Position    []float64                      `json:"position"`

	Samples       []Sample `json:"samples"`
	CurrentSample string   `json:"current_sample"`
}

// Sample is the saved state of one sample.
type Sample struct {
	Name     string          `json:"name"`
	Lattice  lattice.Lattice `json:"lattice"`
	U        []float64       `json:"u"`  // row-major 3x3
	UB       []float64       `json:"ub"` // row-major 3x3
	ManualUB bool            `json:"manual_ub"`

	Reflections []sample.Reflection `json:"reflections,omitempty"`
}

// Capture records the full state of a diffractometer instance.
func Capture(c *calc.Calc) *Snapshot {
	snap := &Snapshot{
		Version:       snapshotVersion,
		Geometry:      c.Geometry(),
		Engine:        c.EngineName(),
		Mode:          c.Mode(),
		ModeParams:    c.ModeParams(),
		Wavelength:    c.Wavelength(),
		Position:      c.Position(),
		CurrentSample: c.CurrentSample().Name(),
	}

	// Reindex the constraint set from user-facing to canonical names.
	user := c.RealNames()
	canon := c.Spec().Real()
	cons := c.Constraints()
	snap.Constraints = make(map[string]geometry.Constraint, len(canon))
	for i, name := range canon {
		snap.Constraints[name] = cons[user[i]]
	}

	for _, name := range c.SampleNames() {
		smp, err := c.Sample(name)
		if err != nil {
			continue
		}
		snap.Samples = append(snap.Samples, Sample{
			Name:        smp.Name(),
			Lattice:     smp.Lattice(),
			U:           flatten(smp.U()),
			UB:          flatten(smp.UB()),
			ManualUB:    smp.ManualUB(),
			Reflections: smp.Reflections(),
		})
	}
	return snap
}

// Restore applies the snapshot to a live instance built for the same
// geometry and engine. Structural problems are reported before anything is
// touched. Samples unknown to the snapshot are removed; the constraint
// undo buffer ends up holding the pre-restore set.
func (s *Snapshot) Restore(c *calc.Calc) error {
	if s.Geometry != c.Geometry() || s.Engine != c.EngineName() {
		return fmt.Errorf("%w: snapshot %s/%s, instance %s/%s",
			ErrGeometryMismatch, s.Geometry, s.Engine, c.Geometry(), c.EngineName())
	}
	if err := s.validate(c.Spec()); err != nil {
		return err
	}

	for _, snap := range s.Samples {
		live, err := c.Sample(snap.Name)
		if err != nil {
			if live, err = c.AddSample(snap.Name, snap.Lattice); err != nil {
				return err
			}
		} else if err := live.SetLattice(snap.Lattice); err != nil {
			return err
		}
		if snap.ManualUB {
			err = live.SetUB(unflatten(snap.UB))
		} else {
			err = live.SetU(unflatten(snap.U))
		}
		if err != nil {
			return err
		}
		live.ClearReflections()
		for _, r := range snap.Reflections {
			if _, err := live.AddReflection(r); err != nil {
				return err
			}
		}
	}
	if err := c.SelectSample(s.CurrentSample); err != nil {
		return err
	}
	known := make(map[string]bool, len(s.Samples))
	for _, snap := range s.Samples {
		known[snap.Name] = true
	}
	for _, name := range c.SampleNames() {
		if !known[name] {
			if err := c.RemoveSample(name); err != nil {
				return err
			}
		}
	}

	if err := c.SetWavelength(s.Wavelength); err != nil {
		return err
	}
	if err := c.SetMode(s.Mode, s.ModeParams); err != nil {
		return err
	}
	if _, err := c.ApplyConstraints(s.Constraints); err != nil {
		return err
	}
	return c.SetPosition(s.Position)
}

// validate checks the snapshot's structure against a geometry descriptor
// before Restore mutates anything.
func (s *Snapshot) validate(spec geometry.Spec) error {
	eng, ok := spec.Engine(s.Engine)
	if !ok {
		return fmt.Errorf("%w: %q", geometry.ErrUnknownEngine, s.Engine)
	}
	mode, ok := eng.Mode(s.Mode)
	if !ok {
		return fmt.Errorf("%w: %s/%q", geometry.ErrUnknownMode, s.Engine, s.Mode)
	}
	for _, p := range mode.Params {
		if _, ok := s.ModeParams[p]; !ok {
			return fmt.Errorf("%w: %s needs %q", geometry.ErrMissingModeParameter, s.Mode, p)
		}
	}
	if len(s.Position) != len(spec.Real()) {
		return fmt.Errorf("%w: geometry %s has %d real axes, snapshot has %d values",
			geometry.ErrWrongDimension, spec.Name, len(spec.Real()), len(s.Position))
	}
	if s.Wavelength <= 0 {
		return fmt.Errorf("orient: wavelength must be positive, got %g", s.Wavelength)
	}
	for name, con := range s.Constraints {
		if _, ok := spec.Axis(name); !ok {
			return fmt.Errorf("%w: %q", geometry.ErrUnknownAxis, name)
		}
		if err := con.Validate(); err != nil {
			return fmt.Errorf("axis %q: %w", name, err)
		}
	}

	if len(s.Samples) == 0 {
		return errors.New("orient: snapshot holds no samples")
	}
	current := false
	for _, smp := range s.Samples {
		if smp.Name == s.CurrentSample {
			current = true
		}
		if err := smp.Lattice.Validate(); err != nil {
			return fmt.Errorf("sample %q: %w", smp.Name, err)
		}
		if smp.ManualUB && len(smp.UB) != 9 {
			return fmt.Errorf("orient: sample %q carries a %d element UB, want 9", smp.Name, len(smp.UB))
		}
		if !smp.ManualUB && len(smp.U) != 9 {
			return fmt.Errorf("orient: sample %q carries a %d element U, want 9", smp.Name, len(smp.U))
		}
		for i, r := range smp.Reflections {
			if r.Wavelength <= 0 {
				return fmt.Errorf("orient: sample %q reflection %d has no wavelength", smp.Name, i)
			}
		}
	}
	if !current {
		return fmt.Errorf("%w: current sample %q not in snapshot", calc.ErrUnknownSample, s.CurrentSample)
	}
	return nil
}

// Save writes the snapshot to a file.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a snapshot from a file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func flatten(m *mat.Dense) []float64 {
	out := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

func unflatten(v []float64) *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), v...))
}
