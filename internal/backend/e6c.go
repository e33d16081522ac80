package backend

import (
	"gonum.org/v1/gonum/spatial/r3"

	"hkl-calc/pkg/geometry"
)

// newE6C builds the 6-circle geometry: mu under the eulerian sample triple,
// gamma and delta on the detector arm. The hkl modes solve in the vertical
// scattering plane, holding mu and gamma.
func newE6C() *solver {
	spec := geometry.Spec{
		Name:        "E6C",
		Description: "eulerian 6-circle",
		Sample: []geometry.Axis{
			{Name: "mu", Direction: [3]float64{0, 0, 1}},
			{Name: "omega", Direction: [3]float64{0, -1, 0}},
			{Name: "chi", Direction: [3]float64{1, 0, 0}},
			{Name: "phi", Direction: [3]float64{0, -1, 0}},
		},
		Detector: []geometry.Axis{
			{Name: "gamma", Direction: [3]float64{0, 0, 1}},
			{Name: "delta", Direction: [3]float64{0, -1, 0}},
		},
		Engines: []geometry.Engine{
			{
				Name:    "hkl",
				Pseudos: []string{"h", "k", "l"},
				Modes: []geometry.Mode{
					{Name: "bissector_vertical", Writes: []string{"omega", "chi", "phi", "delta"}},
					{Name: "constant_omega_vertical", Writes: []string{"chi", "phi", "delta"}},
					{Name: "constant_chi_vertical", Writes: []string{"omega", "phi", "delta"}},
					{Name: "constant_phi_vertical", Writes: []string{"omega", "chi", "delta"}},
					{Name: "double_diffraction_vertical", Writes: []string{"omega", "chi", "phi", "delta"},
						Params: []string{"h2", "k2", "l2"}},
					{Name: "psi_constant_vertical", Writes: []string{"omega", "chi", "phi", "delta"},
						Params: []string{"h2", "k2", "l2", "psi"}},
				},
			},
			{
				Name:    "psi",
				Pseudos: []string{"psi"},
				Modes: []geometry.Mode{
					{Name: "psi_vertical", Writes: []string{"omega", "chi", "phi"},
						Params: []string{"h2", "k2", "l2"}},
				},
			},
			{
				Name:    "q2",
				Pseudos: []string{"q", "alpha"},
				Modes: []geometry.Mode{
					{Name: "q2", Writes: []string{"gamma", "delta"}},
				},
			},
			{
				Name:     "incidence",
				Pseudos:  []string{"incidence", "azimuth"},
				ReadOnly: true,
				Modes: []geometry.Mode{
					{Name: "incidence", Params: []string{"x", "y", "z"}},
				},
			},
			{
				Name:     "emergence",
				Pseudos:  []string{"emergence", "azimuth"},
				ReadOnly: true,
				Modes: []geometry.Mode{
					{Name: "emergence", Params: []string{"x", "y", "z"}},
				},
			},
		},
	}
	return &solver{
		spec:        spec,
		eulerNames:  [3]string{"omega", "chi", "phi"},
		eulerDirs:   [3]r3.Vec{{Y: -1}, {X: 1}, {Y: -1}},
		outerSample: []string{"mu"},
		mainDet:     "delta",
		outerDet:    []string{"gamma"},
	}
}
