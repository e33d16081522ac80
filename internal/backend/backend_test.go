package backend_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/rotation"
)

const lambda = 1.54

func backendFor(t *testing.T, name string) geometry.Backend {
	t.Helper()
	b := geometry.Get(name)
	require.NotNil(t, b, "geometry %s not registered", name)
	return b
}

func cubicUB(a float64) *mat.Dense {
	s := 2 * math.Pi / a
	return mat.NewDense(3, 3, []float64{s, 0, 0, 0, s, 0, 0, 0, s})
}

func hklForward(t *testing.T, b geometry.Backend, mode string, hkl [3]float64,
	ub *mat.Dense, current map[string]float64, cons map[string]geometry.Constraint,
	params map[string]float64) []map[string]float64 {
	t.Helper()
	sols, err := b.Forward(geometry.ForwardRequest{
		Engine:      "hkl",
		Mode:        mode,
		Pseudos:     hkl[:],
		Wavelength:  lambda,
		UB:          ub,
		Current:     current,
		Constraints: cons,
		Params:      params,
	})
	require.NoError(t, err)
	return sols
}

func hklInverse(t *testing.T, b geometry.Backend, pos map[string]float64, ub *mat.Dense) []float64 {
	t.Helper()
	got, err := b.Inverse(geometry.InverseRequest{
		Engine:     "hkl",
		Position:   pos,
		Wavelength: lambda,
		UB:         ub,
	})
	require.NoError(t, err)
	return got
}

func assertHKL(t *testing.T, want [3]float64, got []float64, delta float64) {
	t.Helper()
	require.Len(t, got, 3)
	for i := range want {
		assert.InDelta(t, want[i], got[i], delta)
	}
}

func TestRegisteredGeometries(t *testing.T) {
	names := geometry.List()
	for _, want := range []string{"E4CH", "E4CV", "E6C", "K4CV"} {
		assert.Contains(t, names, want)
	}
	for _, name := range names {
		spec := geometry.Get(name).Spec()
		assert.NoError(t, spec.Validate(), "spec %s", name)
		assert.Equal(t, "hkl", spec.Engines[0].Name, "default engine for %s", name)
	}
}

func TestE4CVBissectorForward(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)

	sols := hklForward(t, b, "bissector", [3]float64{1.2, 1.2, 0.001}, ub, nil, nil, nil)
	require.Len(t, sols, 8)

	first := sols[0]
	assert.InDelta(t, 58.0519, first["omega"], 1e-3)
	assert.InDelta(t, 45.0, first["chi"], 1e-3)
	assert.InDelta(t, 89.9523, first["phi"], 1e-3)
	assert.InDelta(t, 116.1039, first["tth"], 1e-3)

	// The bissecting relation holds modulo half turns and every solution
	// diffracts the requested reflection.
	for _, sol := range sols {
		half := math.Mod(math.Abs(sol["omega"]-sol["tth"]/2), 180)
		assert.True(t, half < 1e-6 || 180-half < 1e-6, "omega %v tth %v", sol["omega"], sol["tth"])
		assertHKL(t, [3]float64{1.2, 1.2, 0.001}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestE4CHBissectorForward(t *testing.T) {
	b := backendFor(t, "E4CH")
	ub := cubicUB(lambda)

	sols := hklForward(t, b, "bissector", [3]float64{1.2, 1.2, 0.001}, ub, nil, nil, nil)
	require.NotEmpty(t, sols)

	first := sols[0]
	assert.InDelta(t, 58.0519, first["omega"], 1e-3)
	assert.InDelta(t, -0.0338, first["chi"], 1e-3)
	assert.InDelta(t, 45.0, first["phi"], 1e-3)
	assert.InDelta(t, 116.1039, first["tth"], 1e-3)

	for _, sol := range sols {
		assertHKL(t, [3]float64{1.2, 1.2, 0.001}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

// siliconUB is the orientation obtained from the (4,0,0) and (0,4,0)
// reflections measured at chi=0 and chi=90 with omega at theta-180.
func siliconUB() *mat.Dense {
	s := 2 * math.Pi / 5.431020511
	return mat.NewDense(3, 3, []float64{
		0, 0, -s,
		0, -s, 0,
		-s, 0, 0,
	})
}

func TestE4CVSiliconOrientation(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := siliconUB()

	// The goniometer sits where the second reflection was measured.
	current := map[string]float64{"omega": -145.451, "chi": 90, "phi": 0, "tth": 69.0966}

	sols := hklForward(t, b, "bissector", [3]float64{4, 0, 0}, ub, current, nil, nil)
	require.NotEmpty(t, sols)
	first := sols[0]
	assert.InDelta(t, -145.4508, first["omega"], 1e-3)
	assert.InDelta(t, 0, first["chi"], 1e-6)
	assert.InDelta(t, 0, first["phi"], 1e-6)
	assert.InDelta(t, 69.0985, first["tth"], 1e-3)

	got := hklInverse(t, b, map[string]float64{
		"omega": -145.451, "chi": 0, "phi": 0, "tth": 69.0966,
	}, ub)
	assertHKL(t, [3]float64{4, 0, 0}, got, 0.01)
}

func TestE4CVConstantOmega(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)
	current := map[string]float64{"omega": 10}

	sols := hklForward(t, b, "constant_omega", [3]float64{1, 1, 0}, ub, current, nil, nil)
	require.NotEmpty(t, sols)
	for _, sol := range sols {
		assert.InDelta(t, 10, sol["omega"], 1e-9)
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestE4CVConstantChiPinned(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)
	cons := map[string]geometry.Constraint{
		"chi": {LowLimit: -180, HighLimit: 180, FixedValue: 90, Fit: false},
	}

	sols := hklForward(t, b, "constant_chi", [3]float64{1, 1, 0}, ub, nil, cons, nil)
	require.NotEmpty(t, sols)
	for _, sol := range sols {
		assert.InDelta(t, 90, sol["chi"], 1e-9)
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestE4CVConstantPhi(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)
	current := map[string]float64{"phi": 30}

	sols := hklForward(t, b, "constant_phi", [3]float64{1, 1, 0}, ub, current, nil, nil)
	require.NotEmpty(t, sols)
	for _, sol := range sols {
		assert.InDelta(t, 30, sol["phi"], 1e-9)
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestE4CVDoubleDiffraction(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)
	params := map[string]float64{"h2": 0, "k2": 1, "l2": 1}

	sols := hklForward(t, b, "double_diffraction", [3]float64{1, 1, 0}, ub, nil, nil, params)
	require.NotEmpty(t, sols)

	k := 2 * math.Pi / lambda
	u2 := r3.Vec{Y: 2 * math.Pi / lambda, Z: 2 * math.Pi / lambda}
	for _, sol := range sols {
		// The primary reflection is on the detector.
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)

		// The reference reflection simultaneously satisfies its own Bragg
		// condition: |ki + Rs*UB*h2| = k.
		rs := b.SampleRotation(sol)
		kf2 := r3.Add(r3.Vec{X: k}, rotation.Apply(rs, u2))
		assert.InDelta(t, k, r3.Norm(kf2), 1e-7)
	}
}

func TestE4CVPsiConstantAndPsiEngine(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)
	ref := map[string]float64{"h2": 0, "k2": 0, "l2": 1}

	params := map[string]float64{"h2": 0, "k2": 0, "l2": 1, "psi": 30}
	sols := hklForward(t, b, "psi_constant", [3]float64{1, 1, 0}, ub, nil, nil, params)
	require.NotEmpty(t, sols)
	for _, sol := range sols {
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)
		psi, err := b.Inverse(geometry.InverseRequest{
			Engine: "psi", Position: sol, Wavelength: lambda, UB: ub, Params: ref,
		})
		require.NoError(t, err)
		assert.InDelta(t, 30, psi[0], 1e-6)
	}

	// Rotating to another azimuth keeps the same reflection diffracting.
	moved, err := b.Forward(geometry.ForwardRequest{
		Engine: "psi", Pseudos: []float64{45}, Wavelength: lambda,
		UB: ub, Current: sols[0], Params: ref,
	})
	require.NoError(t, err)
	require.NotEmpty(t, moved)
	for _, sol := range moved {
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)
		psi, err := b.Inverse(geometry.InverseRequest{
			Engine: "psi", Position: sol, Wavelength: lambda, UB: ub, Params: ref,
		})
		require.NoError(t, err)
		assert.InDelta(t, 45, psi[0], 1e-6)
	}
}

func TestE4CVQEngine(t *testing.T) {
	b := backendFor(t, "E4CV")

	for _, q := range []float64{2, -1.5} {
		sols, err := b.Forward(geometry.ForwardRequest{
			Engine: "q", Pseudos: []float64{q}, Wavelength: lambda,
		})
		require.NoError(t, err)
		require.NotEmpty(t, sols)
		got, err := b.Inverse(geometry.InverseRequest{
			Engine: "q", Position: sols[0], Wavelength: lambda,
		})
		require.NoError(t, err)
		assert.InDelta(t, q, got[0], 1e-9)
	}

	// |q| beyond 2k is unreachable at this wavelength.
	_, err := b.Forward(geometry.ForwardRequest{
		Engine: "q", Pseudos: []float64{9}, Wavelength: lambda,
	})
	var unreachable *geometry.UnreachableError
	assert.ErrorAs(t, err, &unreachable)
}

func TestE4CVIncidenceEmergence(t *testing.T) {
	b := backendFor(t, "E4CV")
	pos := map[string]float64{"omega": 30, "chi": 0, "phi": 0, "tth": 60}
	normal := map[string]float64{"x": 0, "y": 0, "z": 1}

	got, err := b.Inverse(geometry.InverseRequest{
		Engine: "incidence", Position: pos, Wavelength: lambda, Params: normal,
	})
	require.NoError(t, err)
	assert.InDelta(t, 30, got[0], 1e-9)
	assert.InDelta(t, 0, got[1], 1e-9)

	got, err = b.Inverse(geometry.InverseRequest{
		Engine: "emergence", Position: pos, Wavelength: lambda, Params: normal,
	})
	require.NoError(t, err)
	assert.InDelta(t, 30, got[0], 1e-9)

	_, err = b.Forward(geometry.ForwardRequest{
		Engine: "incidence", Pseudos: []float64{5, 0}, Wavelength: lambda, Params: normal,
	})
	assert.ErrorIs(t, err, geometry.ErrReadOnlyEngine)
}

func TestE6CVerticalBissector(t *testing.T) {
	b := backendFor(t, "E6C")
	ub := cubicUB(lambda)

	sols := hklForward(t, b, "bissector_vertical", [3]float64{1, 1, 0}, ub, nil, nil, nil)
	require.NotEmpty(t, sols)
	first := sols[0]
	assert.InDelta(t, 0, first["mu"], 1e-9)
	assert.InDelta(t, 45, first["omega"], 1e-6)
	assert.InDelta(t, 45, first["chi"], 1e-6)
	assert.InDelta(t, 90, first["phi"], 1e-6)
	assert.InDelta(t, 0, first["gamma"], 1e-9)
	assert.InDelta(t, 90, first["delta"], 1e-6)

	for _, sol := range sols {
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestE6CHeldGamma(t *testing.T) {
	b := backendFor(t, "E6C")
	ub := cubicUB(lambda)
	cons := map[string]geometry.Constraint{
		"gamma": {LowLimit: -180, HighLimit: 180, FixedValue: 10, Fit: false},
	}

	sols := hklForward(t, b, "bissector_vertical", [3]float64{1, 0, 0}, ub, nil, cons, nil)
	require.NotEmpty(t, sols)
	for _, sol := range sols {
		assert.InDelta(t, 10, sol["gamma"], 1e-9)
		assertHKL(t, [3]float64{1, 0, 0}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestE6CQ2(t *testing.T) {
	b := backendFor(t, "E6C")

	sols, err := b.Forward(geometry.ForwardRequest{
		Engine: "q2", Pseudos: []float64{2, 30}, Wavelength: lambda,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sols)
	for _, sol := range sols {
		got, err := b.Inverse(geometry.InverseRequest{
			Engine: "q2", Position: sol, Wavelength: lambda,
		})
		require.NoError(t, err)
		assert.InDelta(t, 2, got[0], 1e-9)
		assert.InDelta(t, 30, got[1], 1e-6)
	}
}

func TestK4CVBissector(t *testing.T) {
	b := backendFor(t, "K4CV")
	ub := cubicUB(lambda)

	sols := hklForward(t, b, "bissector", [3]float64{1, 0, 0}, ub, nil, nil, nil)
	require.NotEmpty(t, sols)
	first := sols[0]
	assert.InDelta(t, 120, first["komega"], 1e-6)
	assert.InDelta(t, 0, first["kappa"], 1e-6)
	assert.InDelta(t, 0, first["kphi"], 1e-6)
	assert.InDelta(t, 60, first["tth"], 1e-6)

	// The virtual eulerian reading of the first solution bissects tth.
	euler, err := b.Inverse(geometry.InverseRequest{
		Engine: "eulerians", Position: first, Wavelength: lambda,
	})
	require.NoError(t, err)
	assert.InDelta(t, 30, euler[0], 1e-6)
	assert.InDelta(t, 0, euler[1], 1e-6)
	assert.InDelta(t, 90, euler[2], 1e-6)

	for _, sol := range sols {
		assertHKL(t, [3]float64{1, 0, 0}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestK4CVEulerians(t *testing.T) {
	b := backendFor(t, "K4CV")

	sols, err := b.Forward(geometry.ForwardRequest{
		Engine: "eulerians", Pseudos: []float64{20, 40, 60}, Wavelength: lambda,
	})
	require.NoError(t, err)
	require.Len(t, sols, 2)

	want := rotation.MulAll(
		rotation.AboutAxis(r3.Vec{Y: -1}, 20),
		rotation.AboutAxis(r3.Vec{X: 1}, 40),
		rotation.AboutAxis(r3.Vec{Y: -1}, 60),
	)
	for _, sol := range sols {
		assert.True(t, mat.EqualApprox(want, b.SampleRotation(sol), 1e-9))
	}

	// Chi angles beyond twice the kappa tilt cannot be realized.
	_, err = b.Forward(geometry.ForwardRequest{
		Engine: "eulerians", Pseudos: []float64{0, 120, 0}, Wavelength: lambda,
	})
	var unreachable *geometry.UnreachableError
	assert.ErrorAs(t, err, &unreachable)
}

func TestK4CVConstantOmega(t *testing.T) {
	b := backendFor(t, "K4CV")
	ub := cubicUB(lambda)
	current := map[string]float64{"komega": 100, "kappa": 30, "kphi": -20}

	heldEuler, err := b.Inverse(geometry.InverseRequest{
		Engine: "eulerians", Position: current, Wavelength: lambda,
	})
	require.NoError(t, err)

	sols := hklForward(t, b, "constant_omega", [3]float64{1, 1, 0}, ub, current, nil, nil)
	require.NotEmpty(t, sols)
	for _, sol := range sols {
		euler, err := b.Inverse(geometry.InverseRequest{
			Engine: "eulerians", Position: sol, Wavelength: lambda,
		})
		require.NoError(t, err)
		assert.InDelta(t, heldEuler[0], euler[0], 1e-6)
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestForwardErrors(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)

	_, err := b.Forward(geometry.ForwardRequest{Engine: "nope", Pseudos: []float64{1}, Wavelength: lambda})
	assert.ErrorIs(t, err, geometry.ErrUnknownEngine)

	_, err = b.Forward(geometry.ForwardRequest{
		Engine: "hkl", Mode: "nope", Pseudos: []float64{1, 0, 0}, Wavelength: lambda, UB: ub,
	})
	assert.ErrorIs(t, err, geometry.ErrUnknownMode)

	_, err = b.Forward(geometry.ForwardRequest{
		Engine: "hkl", Mode: "bissector", Pseudos: []float64{1, 0}, Wavelength: lambda, UB: ub,
	})
	assert.ErrorIs(t, err, geometry.ErrWrongDimension)

	_, err = b.Forward(geometry.ForwardRequest{
		Engine: "hkl", Mode: "double_diffraction", Pseudos: []float64{1, 0, 0}, Wavelength: lambda, UB: ub,
	})
	assert.ErrorIs(t, err, geometry.ErrMissingModeParameter)

	_, err = b.Forward(geometry.ForwardRequest{
		Engine: "hkl", Mode: "bissector", Pseudos: []float64{1, 0, 0}, Wavelength: 0, UB: ub,
	})
	assert.Error(t, err)

	_, err = b.Forward(geometry.ForwardRequest{
		Engine: "hkl", Mode: "bissector", Pseudos: []float64{1, 0, 0}, Wavelength: lambda,
	})
	assert.Error(t, err)

	// (6,0,0) needs |Q| beyond 2k at this wavelength.
	_, err = b.Forward(geometry.ForwardRequest{
		Engine: "hkl", Mode: "bissector", Pseudos: []float64{6, 0, 0}, Wavelength: lambda, UB: ub,
	})
	var unreachable *geometry.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Contains(t, unreachable.Reason, "2k")
}

func TestPinnedConflictFiltersAll(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)

	// Bissector couples omega to tth/2; pinning omega to an incompatible
	// value filters every candidate without raising an error.
	cons := map[string]geometry.Constraint{
		"omega": {LowLimit: -180, HighLimit: 180, FixedValue: 10, Fit: false},
	}
	sols := hklForward(t, b, "bissector", [3]float64{1, 1, 0}, ub, nil, cons, nil)
	assert.Empty(t, sols)
}

func TestConstraintRangeShift(t *testing.T) {
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)

	cons := map[string]geometry.Constraint{
		"omega": {LowLimit: 0, HighLimit: 360, Fit: true},
	}
	sols := hklForward(t, b, "bissector", [3]float64{1, 1, 0}, ub, nil, cons, nil)
	require.NotEmpty(t, sols)
	for _, sol := range sols {
		assert.GreaterOrEqual(t, sol["omega"], 0.0)
		assert.LessOrEqual(t, sol["omega"], 360.0)
		assertHKL(t, [3]float64{1, 1, 0}, hklInverse(t, b, sol, ub), 1e-7)
	}
}

func TestRoundTripAtPosition(t *testing.T) {
	// forward(inverse(p)) must contain p for an ordinary position.
	b := backendFor(t, "E4CV")
	ub := cubicUB(lambda)
	pos := map[string]float64{"omega": 25, "chi": 15, "phi": -40, "tth": 50}

	hkl := hklInverse(t, b, pos, ub)
	sols, err := b.Forward(geometry.ForwardRequest{
		Engine: "hkl", Mode: "constant_chi", Pseudos: hkl, Wavelength: lambda,
		UB: ub, Current: pos,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sols)

	found := false
	for _, sol := range sols {
		if math.Abs(sol["omega"]-25) < 1e-6 && math.Abs(sol["chi"]-15) < 1e-6 &&
			math.Abs(sol["phi"]+40) < 1e-6 && math.Abs(sol["tth"]-50) < 1e-6 {
			found = true
		}
	}
	assert.True(t, found, "original position missing from %v", sols)
}

func TestUnreachableErrorType(t *testing.T) {
	err := error(&geometry.UnreachableError{Engine: "hkl", Pseudos: []float64{6, 0, 0}, Reason: "above the 2k limit"})
	assert.False(t, errors.Is(err, geometry.ErrReadOnlyEngine))
	assert.Contains(t, err.Error(), "unreachable")
}
