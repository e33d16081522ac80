// Package calc models one diffractometer: a geometry fixed at
// construction, a calculation engine with its operating mode, the beam
// wavelength, a set of named samples and the per-axis constraints steering
// the forward transformation.
//
// Real axis positions cross the package boundary as ordered tuples
// following the geometry's axis declaration order, angles in degrees. One
// Calc instance is safe for concurrent use; distinct instances are fully
// independent.
package calc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/lattice"
	"hkl-calc/pkg/sample"

	_ "hkl-calc/internal/backend"
)

const (
	// AKeV converts photon energy in keV to wavelength in angstroms and
	// back: lambda = AKeV / energy.
	AKeV = 12.39841984

	DefaultWavelength = 1.54

	// DefaultSampleName is the sample every new instance starts with.
	DefaultSampleName = "main"

	// defaultLatticeA is the edge of the stock cubic sample. Matching the
	// default wavelength puts its (1,0,0) reflection at tth 60.
	defaultLatticeA = 1.54
)

var (
	ErrUnknownSample      = errors.New("calc: unknown sample")
	ErrDuplicateSample    = errors.New("calc: duplicate sample name")
	ErrNoSolution         = errors.New("calc: no solution")
	ErrBackendComputation = errors.New("calc: backend computation failed")
	ErrNothingToUndo      = errors.New("calc: no constraints to undo")
)

// Options configures a new instance. Zero values select the defaults.
type Options struct {
	// Engine names the calculation engine. It cannot be changed after
	// construction; empty selects the geometry's first engine.
	Engine string

	// Wavelength in angstroms.
	Wavelength float64

	// Decision picks the forward solution. Defaults to FirstSolution.
	Decision DecisionFunc
}

// Calc is one diffractometer instance.
type Calc struct {
	mu      sync.RWMutex
	backend geometry.Backend
	spec    geometry.Spec
	engine  geometry.Engine

	mode   string
	params map[string]map[string]float64

	wavelength float64
	decision   DecisionFunc

	samples map[string]*sample.Sample
	current *sample.Sample

	position    map[string]float64
	names       map[string]string
	constraints map[string]geometry.Constraint
	undo        map[string]geometry.Constraint
	hasUndo     bool
}

// New builds a diffractometer for a registered geometry. It starts out
// with a cubic default sample, every axis at zero and wide-open
// constraints.
func New(geometryName string, opts Options) (*Calc, error) {
	b := geometry.Get(geometryName)
	if b == nil {
		return nil, fmt.Errorf("%w: %q", geometry.ErrUnknownGeometry, geometryName)
	}
	spec := b.Spec()

	engineName := opts.Engine
	if engineName == "" {
		engineName = spec.Engines[0].Name
	}
	eng, ok := spec.Engine(engineName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", geometry.ErrUnknownEngine, engineName)
	}

	wavelength := opts.Wavelength
	if wavelength == 0 {
		wavelength = DefaultWavelength
	}
	if wavelength <= 0 {
		return nil, fmt.Errorf("calc: wavelength must be positive, got %g", wavelength)
	}
	decision := opts.Decision
	if decision == nil {
		decision = FirstSolution
	}

	lat, err := lattice.NewCubic(defaultLatticeA)
	if err != nil {
		return nil, err
	}
	smp, err := sample.New(DefaultSampleName, lat)
	if err != nil {
		return nil, err
	}

	c := &Calc{
		backend:     b,
		spec:        spec,
		engine:      eng,
		mode:        eng.Modes[0].Name,
		params:      make(map[string]map[string]float64),
		wavelength:  wavelength,
		decision:    decision,
		samples:     map[string]*sample.Sample{DefaultSampleName: smp},
		current:     smp,
		position:    make(map[string]float64),
		names:       make(map[string]string),
		constraints: make(map[string]geometry.Constraint),
	}
	for _, name := range spec.Real() {
		c.position[name] = 0
		c.constraints[name] = geometry.DefaultConstraint()
	}
	return c, nil
}

// Geometry returns the geometry name.
func (c *Calc) Geometry() string {
	return c.spec.Name
}

// Spec returns the geometry descriptor.
func (c *Calc) Spec() geometry.Spec {
	return c.spec
}

// EngineName returns the calculation engine fixed at construction.
func (c *Calc) EngineName() string {
	return c.engine.Name
}

// Engines lists the calculation engines the geometry offers.
func (c *Calc) Engines() []string {
	names := make([]string, len(c.spec.Engines))
	for i, eng := range c.spec.Engines {
		names[i] = eng.Name
	}
	return names
}

// PseudoNames lists the pseudo axes of the active engine.
func (c *Calc) PseudoNames() []string {
	return append([]string(nil), c.engine.Pseudos...)
}

// Modes lists the operating modes of the active engine.
func (c *Calc) Modes() []string {
	names := make([]string, len(c.engine.Modes))
	for i, m := range c.engine.Modes {
		names[i] = m.Name
	}
	return names
}

// Mode returns the active operating mode.
func (c *Calc) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode selects an operating mode of the active engine. Parameters the
// mode requires must all be present in params; unknown extra parameters
// are ignored.
func (c *Calc) SetMode(name string, params map[string]float64) error {
	mode, ok := c.engine.Mode(name)
	if !ok {
		return fmt.Errorf("%w: %s/%q", geometry.ErrUnknownMode, c.engine.Name, name)
	}
	kept := make(map[string]float64, len(mode.Params))
	for _, p := range mode.Params {
		v, ok := params[p]
		if !ok {
			return fmt.Errorf("%w: %s needs %q", geometry.ErrMissingModeParameter, name, p)
		}
		kept[p] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = name
	c.params[name] = kept
	return nil
}

// ModeParams returns the stored parameters of the active mode.
func (c *Calc) ModeParams() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.params[c.mode]))
	for k, v := range c.params[c.mode] {
		out[k] = v
	}
	return out
}

// Wavelength returns the beam wavelength in angstroms.
func (c *Calc) Wavelength() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wavelength
}

// SetWavelength sets the beam wavelength in angstroms.
func (c *Calc) SetWavelength(w float64) error {
	if w <= 0 {
		return fmt.Errorf("calc: wavelength must be positive, got %g", w)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wavelength = w
	return nil
}

// Energy returns the photon energy in keV.
func (c *Calc) Energy() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AKeV / c.wavelength
}

// SetEnergy sets the wavelength through the photon energy in keV.
func (c *Calc) SetEnergy(keV float64) error {
	if keV <= 0 {
		return fmt.Errorf("calc: energy must be positive, got %g", keV)
	}
	return c.SetWavelength(AKeV / keV)
}

// AddSample registers a new sample and makes it current.
func (c *Calc) AddSample(name string, lat lattice.Lattice) (*sample.Sample, error) {
	smp, err := sample.New(name, lat)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.samples[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateSample, name)
	}
	c.samples[name] = smp
	c.current = smp
	return smp, nil
}

// Sample returns a registered sample by name.
func (c *Calc) Sample(name string) (*sample.Sample, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	smp, ok := c.samples[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSample, name)
	}
	return smp, nil
}

// CurrentSample returns the sample transformations operate on.
func (c *Calc) CurrentSample() *sample.Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// SelectSample makes a registered sample current.
func (c *Calc) SelectSample(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	smp, ok := c.samples[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSample, name)
	}
	c.current = smp
	return nil
}

// RemoveSample deletes a sample. The current sample cannot be removed.
func (c *Calc) RemoveSample(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	smp, ok := c.samples[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSample, name)
	}
	if smp == c.current {
		return fmt.Errorf("calc: sample %q is current, select another first", name)
	}
	delete(c.samples, name)
	return nil
}

// SampleNames lists the registered samples in sorted order.
func (c *Calc) SampleNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.samples))
	for name := range c.samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddReflection records a reflection on the current sample at the given
// real position, stamped with the current wavelength, and returns its
// index.
func (c *Calc) AddReflection(h, k, l float64, reals []float64, orient bool) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, err := c.fromTuple(reals)
	if err != nil {
		return 0, err
	}
	return c.current.AddReflection(sample.Reflection{
		H: h, K: k, L: l,
		Position:   pos,
		Wavelength: c.wavelength,
		Orient:     orient,
	})
}

// ComputeUB orients the current sample from the reflections at indices p1
// and p2.
func (c *Calc) ComputeUB(p1, p2 int) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.ComputeUBFrom(c.backend, p1, p2)
}

// RefineUB least-squares fits the current sample's orientation against all
// of its reflections.
func (c *Calc) RefineUB() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Refine(c.backend)
}

// RenameAxes installs user-facing axis names, keyed by the geometry's
// canonical names. Later calls merge with earlier ones.
func (c *Calc) RenameAxes(mapping map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make(map[string]string, len(c.names)+len(mapping))
	for k, v := range c.names {
		merged[k] = v
	}
	for canon, user := range mapping {
		if _, ok := c.spec.Axis(canon); !ok {
			return fmt.Errorf("%w: %q", geometry.ErrUnknownAxis, canon)
		}
		if user == "" {
			return fmt.Errorf("calc: empty name for axis %q", canon)
		}
		merged[canon] = user
	}
	seen := make(map[string]bool, len(c.spec.Real()))
	for _, canon := range c.spec.Real() {
		user := canon
		if u, ok := merged[canon]; ok {
			user = u
		}
		if seen[user] {
			return fmt.Errorf("calc: axis name %q used twice", user)
		}
		seen[user] = true
	}
	c.names = merged
	return nil
}

// RealNames lists the real axes in declaration order, under their
// user-facing names.
func (c *Calc) RealNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.spec.Real()))
	for _, canon := range c.spec.Real() {
		out = append(out, c.userName(canon))
	}
	return out
}

func (c *Calc) userName(canon string) string {
	if user, ok := c.names[canon]; ok {
		return user
	}
	return canon
}

// resolveAxis accepts either a user-facing or a canonical axis name.
func (c *Calc) resolveAxis(name string) (string, bool) {
	for canon, user := range c.names {
		if user == name {
			return canon, true
		}
	}
	if _, ok := c.spec.Axis(name); ok {
		return name, true
	}
	return "", false
}

// Position returns the current real axis values as an ordered tuple.
func (c *Calc) Position() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tupleLocked(c.position)
}

// PositionMap returns the current real axis values keyed by user-facing
// axis name.
func (c *Calc) PositionMap() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.position))
	for _, canon := range c.spec.Real() {
		out[c.userName(canon)] = c.position[canon]
	}
	return out
}

// SetPosition moves the model's notion of where the motors stand. It does
// not validate against constraints; limits only steer forward solving.
func (c *Calc) SetPosition(reals []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, err := c.fromTuple(reals)
	if err != nil {
		return err
	}
	c.position = pos
	return nil
}

// tupleLocked flattens a position map into declaration order.
func (c *Calc) tupleLocked(pos map[string]float64) []float64 {
	out := make([]float64, 0, len(c.spec.Real()))
	for _, name := range c.spec.Real() {
		out = append(out, pos[name])
	}
	return out
}

func (c *Calc) fromTuple(reals []float64) (map[string]float64, error) {
	axes := c.spec.Real()
	if len(reals) != len(axes) {
		return nil, fmt.Errorf("%w: geometry %s has %d real axes, got %d values",
			geometry.ErrWrongDimension, c.spec.Name, len(axes), len(reals))
	}
	pos := make(map[string]float64, len(axes))
	for i, name := range axes {
		pos[name] = reals[i]
	}
	return pos, nil
}
