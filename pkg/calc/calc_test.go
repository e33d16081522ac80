package calc_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hkl-calc/pkg/calc"
	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/lattice"
)

func newE4CV(t *testing.T) *calc.Calc {
	t.Helper()
	c, err := calc.New("E4CV", calc.Options{})
	require.NoError(t, err)
	return c
}

func siliconLattice(t *testing.T) lattice.Lattice {
	t.Helper()
	lat, err := lattice.NewCubic(lattice.SiliconLatticeParameter)
	require.NoError(t, err)
	return lat
}

func TestDefaults(t *testing.T) {
	c := newE4CV(t)

	assert.Equal(t, "E4CV", c.Geometry())
	assert.Equal(t, "hkl", c.EngineName())
	assert.Equal(t, []string{"h", "k", "l"}, c.PseudoNames())
	assert.Equal(t, "bissector", c.Mode())
	assert.Contains(t, c.Modes(), "constant_phi")
	assert.Equal(t, calc.DefaultWavelength, c.Wavelength())
	assert.InDelta(t, 8.0509, c.Energy(), 1e-3)
	assert.Equal(t, []string{"main"}, c.SampleNames())
	assert.Equal(t, []float64{0, 0, 0, 0}, c.Position())

	_, err := calc.New("nope", calc.Options{})
	assert.ErrorIs(t, err, geometry.ErrUnknownGeometry)
}

func TestEngineFixedAtConstruction(t *testing.T) {
	c, err := calc.New("E4CV", calc.Options{Engine: "q"})
	require.NoError(t, err)
	assert.Equal(t, "q", c.EngineName())
	assert.Equal(t, []string{"q"}, c.PseudoNames())
	assert.Contains(t, c.Engines(), "hkl")

	got, err := c.Forward(2)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.InDelta(t, 28.3753, got[3], 1e-3)

	_, err = calc.New("E4CV", calc.Options{Engine: "nope"})
	assert.ErrorIs(t, err, geometry.ErrUnknownEngine)
}

func TestSetMode(t *testing.T) {
	c := newE4CV(t)

	require.NoError(t, c.SetMode("constant_omega", nil))
	assert.Equal(t, "constant_omega", c.Mode())

	err := c.SetMode("double_diffraction", map[string]float64{"h2": 0, "k2": 1})
	assert.ErrorIs(t, err, geometry.ErrMissingModeParameter)
	assert.Equal(t, "constant_omega", c.Mode())

	// Extra parameters beyond what the mode asks for are dropped.
	require.NoError(t, c.SetMode("double_diffraction", map[string]float64{
		"h2": 0, "k2": 1, "l2": 1, "bogus": 7,
	}))
	assert.Equal(t, map[string]float64{"h2": 0, "k2": 1, "l2": 1}, c.ModeParams())

	assert.ErrorIs(t, c.SetMode("nope", nil), geometry.ErrUnknownMode)
}

func TestWavelengthEnergy(t *testing.T) {
	c := newE4CV(t)

	require.NoError(t, c.SetEnergy(8.05092))
	assert.InDelta(t, 1.54, c.Wavelength(), 1e-5)
	assert.InDelta(t, 8.05092, c.Energy(), 1e-9)

	assert.Error(t, c.SetWavelength(0))
	assert.Error(t, c.SetEnergy(-1))
}

func TestSampleManagement(t *testing.T) {
	c := newE4CV(t)

	smp, err := c.AddSample("silicon", siliconLattice(t))
	require.NoError(t, err)
	assert.Same(t, smp, c.CurrentSample())
	assert.Equal(t, []string{"main", "silicon"}, c.SampleNames())

	_, err = c.AddSample("silicon", siliconLattice(t))
	assert.ErrorIs(t, err, calc.ErrDuplicateSample)

	assert.ErrorIs(t, c.SelectSample("nope"), calc.ErrUnknownSample)
	require.NoError(t, c.SelectSample("main"))
	assert.Equal(t, "main", c.CurrentSample().Name())

	assert.Error(t, c.RemoveSample("main"))
	require.NoError(t, c.RemoveSample("silicon"))
	assert.Equal(t, []string{"main"}, c.SampleNames())
}

// TestSiliconScenario walks the full orientation workflow: mount silicon,
// measure the (4,0,0) and (0,4,0) reflections, compute UB, then drive back
// to the first reflection and read indices off the axes.
func TestSiliconScenario(t *testing.T) {
	c := newE4CV(t)
	_, err := c.AddSample("silicon", siliconLattice(t))
	require.NoError(t, err)
	require.NoError(t, c.SetEnergy(8.05092))

	i, err := c.AddReflection(4, 0, 0, []float64{-145.451, 0, 0, 69.0966}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, i)
	i, err = c.AddReflection(0, 4, 0, []float64{-145.451, 90, 0, 69.0966}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	require.NoError(t, c.ComputeUB(0, 1))

	// The goniometer still sits where the second reflection was measured.
	require.NoError(t, c.SetPosition([]float64{-145.451, 90, 0, 69.0966}))

	pseudo, err := c.PseudoPosition()
	require.NoError(t, err)
	assert.InDelta(t, 0, pseudo[0], 0.01)
	assert.InDelta(t, 4, pseudo[1], 0.01)
	assert.InDelta(t, 0, pseudo[2], 0.01)

	got, err := c.Forward(4, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, -145.45, got[0], 0.01)
	assert.InDelta(t, 0, got[1], 0.01)
	assert.InDelta(t, 0, got[2], 0.01)
	assert.InDelta(t, 69.0985, got[3], 0.01)

	hkl, err := c.Inverse(-145.451, 0, 0, 69.0966)
	require.NoError(t, err)
	assert.InDelta(t, 4, hkl[0], 0.01)
	assert.InDelta(t, 0, hkl[1], 0.01)
	assert.InDelta(t, 0, hkl[2], 0.01)
}

func TestConstraintUndo(t *testing.T) {
	c := newE4CV(t)

	a := map[string]geometry.Constraint{
		"omega": {LowLimit: -50, HighLimit: 50, Fit: true},
	}
	prev, err := c.ApplyConstraints(a)
	require.NoError(t, err)
	assert.Equal(t, geometry.DefaultConstraint(), prev["omega"])

	b := map[string]geometry.Constraint{
		"omega": {LowLimit: -10, HighLimit: 10, Fit: true},
		"chi":   {LowLimit: -90, HighLimit: 90, Fit: true},
	}
	afterA, err := c.ApplyConstraints(b)
	require.NoError(t, err)
	assert.Equal(t, -50.0, afterA["omega"].LowLimit)
	assert.Equal(t, geometry.DefaultConstraint(), afterA["chi"])

	// Undo restores the state right before the second apply, not the
	// original defaults.
	require.NoError(t, c.UndoConstraints())
	assert.Equal(t, afterA, c.Constraints())
	assert.ErrorIs(t, c.UndoConstraints(), calc.ErrNothingToUndo)

	// An invalid batch changes nothing.
	before := c.Constraints()
	_, err = c.ApplyConstraints(map[string]geometry.Constraint{
		"omega": {LowLimit: 10, HighLimit: -10, Fit: true},
		"chi":   {LowLimit: -1, HighLimit: 1, Fit: true},
	})
	require.Error(t, err)
	assert.Equal(t, before, c.Constraints())

	_, err = c.ApplyConstraints(map[string]geometry.Constraint{
		"bogus": geometry.DefaultConstraint(),
	})
	assert.ErrorIs(t, err, geometry.ErrUnknownAxis)

	_, err = c.ApplyConstraints(a)
	require.NoError(t, err)
	c.ResetConstraints()
	assert.Equal(t, geometry.DefaultConstraint(), c.Constraints()["omega"])
	assert.ErrorIs(t, c.UndoConstraints(), calc.ErrNothingToUndo)
}

func TestConstraintFiltering(t *testing.T) {
	c := newE4CV(t)

	all, err := c.ForwardAll(1, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 8)

	// Narrow omega and phi until a single branch survives. Filtering
	// applies to Forward and ForwardAll alike.
	_, err = c.ApplyConstraints(map[string]geometry.Constraint{
		"omega": {LowLimit: 25, HighLimit: 35, Fit: true},
		"phi":   {LowLimit: 85, HighLimit: 95, Fit: true},
	})
	require.NoError(t, err)

	filtered, err := c.ForwardAll(1, 0, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	got, err := c.Forward(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, filtered[0], got)
	assert.InDelta(t, 30, got[0], 1e-6)
	assert.InDelta(t, 0, got[1], 1e-6)
	assert.InDelta(t, 90, got[2], 1e-6)
	assert.InDelta(t, 60, got[3], 1e-6)
}

func TestNoSolution(t *testing.T) {
	c := newE4CV(t)

	// (6,0,0) sits beyond the Ewald sphere at this wavelength.
	_, err := c.Forward(6, 0, 0)
	assert.ErrorIs(t, err, calc.ErrNoSolution)

	// Pinning omega against the bissector coupling filters every branch.
	_, err = c.ApplyConstraints(map[string]geometry.Constraint{
		"omega": {LowLimit: -180, HighLimit: 180, FixedValue: 10, Fit: false},
	})
	require.NoError(t, err)
	_, err = c.Forward(1, 0, 0)
	assert.ErrorIs(t, err, calc.ErrNoSolution)
}

func TestRoundTrip(t *testing.T) {
	c := newE4CV(t)
	pos := []float64{25, 15, -40, 50}
	require.NoError(t, c.SetPosition(pos))
	require.NoError(t, c.SetMode("constant_chi", nil))

	hkl, err := c.Inverse(pos...)
	require.NoError(t, err)

	// Inverse is a pure evaluation and repeats exactly.
	again, err := c.Inverse(pos...)
	require.NoError(t, err)
	assert.Equal(t, hkl, again)

	sols, err := c.ForwardAll(hkl...)
	require.NoError(t, err)
	found := false
	for _, sol := range sols {
		match := true
		for i := range pos {
			if math.Abs(sol[i]-pos[i]) > 1e-6 {
				match = false
				break
			}
		}
		if match {
			found = true
		}
	}
	assert.True(t, found, "starting position missing from %v", sols)
}

func TestDecisionFunction(t *testing.T) {
	c := newE4CV(t)

	all, err := c.ForwardAll(1, 0, 0)
	require.NoError(t, err)
	require.Greater(t, len(all), 1)

	c.SetDecision(func(_ []float64, candidates [][]float64) []float64 {
		return candidates[len(candidates)-1]
	})
	got, err := c.Forward(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1], got)

	c.SetDecision(nil)
	got, err = c.Forward(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, all[0], got)
}

func TestClosestSolution(t *testing.T) {
	current := []float64{100, 0, 0, 0}
	candidates := [][]float64{
		{-120, 0, 0, -60},
		{120, 0, 0, 60},
	}
	assert.Equal(t, candidates[1], calc.ClosestSolution(current, candidates))
	assert.Equal(t, candidates[0], calc.FirstSolution(current, candidates))
}

func TestSolvePath(t *testing.T) {
	c := newE4CV(t)

	path, err := c.SolvePath([]float64{1, 0, 0}, []float64{1.8, 0, 0}, calc.PathOptions{Steps: 4})
	require.NoError(t, err)
	require.Len(t, path, 5)

	for i, pos := range path {
		f := float64(i) / 4
		hkl, err := c.Inverse(pos...)
		require.NoError(t, err)
		assert.InDelta(t, 1+0.8*f, hkl[0], 1e-6)
		assert.InDelta(t, 0, hkl[1], 1e-6)
		assert.InDelta(t, 0, hkl[2], 1e-6)
	}

	// Threading the current position keeps consecutive steps close.
	for i := 1; i < len(path); i++ {
		for j := range path[i] {
			assert.Less(t, math.Abs(path[i][j]-path[i-1][j]), 30.0)
		}
	}

	_, err = c.SolvePath([]float64{1, 0}, []float64{1, 1}, calc.PathOptions{})
	assert.ErrorIs(t, err, geometry.ErrWrongDimension)
}

func TestRenameAxes(t *testing.T) {
	c := newE4CV(t)

	require.NoError(t, c.RenameAxes(map[string]string{"omega": "om", "tth": "two_theta"}))
	assert.Equal(t, []string{"om", "chi", "phi", "two_theta"}, c.RealNames())

	cons := c.Constraints()
	assert.Contains(t, cons, "om")
	assert.NotContains(t, cons, "omega")

	// Constraints resolve through either name.
	_, err := c.ApplyConstraints(map[string]geometry.Constraint{
		"om": {LowLimit: -50, HighLimit: 50, Fit: true},
	})
	require.NoError(t, err)
	assert.Equal(t, -50.0, c.Constraints()["om"].LowLimit)

	assert.ErrorIs(t, c.RenameAxes(map[string]string{"nope": "x"}), geometry.ErrUnknownAxis)
	assert.Error(t, c.RenameAxes(map[string]string{"phi": "chi"}))

	pm := c.PositionMap()
	assert.Contains(t, pm, "om")
	assert.Contains(t, pm, "two_theta")
}

func TestPositionValidation(t *testing.T) {
	c := newE4CV(t)

	assert.ErrorIs(t, c.SetPosition([]float64{1, 2}), geometry.ErrWrongDimension)
	_, err := c.Inverse(1, 2, 3)
	assert.ErrorIs(t, err, geometry.ErrWrongDimension)
	_, err = c.Forward(1, 0)
	assert.ErrorIs(t, err, geometry.ErrWrongDimension)
}

func TestReadOnlyEngine(t *testing.T) {
	c, err := calc.New("E4CV", calc.Options{Engine: "incidence"})
	require.NoError(t, err)
	require.NoError(t, c.SetMode("incidence", map[string]float64{"x": 0, "y": 0, "z": 1}))
	require.NoError(t, c.SetPosition([]float64{30, 0, 0, 60}))

	got, err := c.PseudoPosition()
	require.NoError(t, err)
	assert.InDelta(t, 30, got[0], 1e-9)
	assert.InDelta(t, 0, got[1], 1e-9)

	_, err = c.Forward(5, 0)
	assert.ErrorIs(t, err, geometry.ErrReadOnlyEngine)
}

func TestBackendComputationError(t *testing.T) {
	// A zero reference reflection surfaces as a computation failure, not
	// as a missing solution.
	c, err := calc.New("E4CV", calc.Options{Engine: "psi"})
	require.NoError(t, err)
	require.NoError(t, c.SetMode("psi", map[string]float64{"h2": 0, "k2": 0, "l2": 0}))
	_, err = c.Inverse(30, 0, 0, 60)
	assert.ErrorIs(t, err, calc.ErrBackendComputation)
}
