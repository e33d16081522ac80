package backend

import (
	"gonum.org/v1/gonum/spatial/r3"

	"hkl-calc/pkg/geometry"
)

// newE4CH builds the eulerian 4-circle geometry with a horizontal
// scattering plane. The circles match E4CV but omega, phi and tth rotate
// about +z.
func newE4CH() *solver {
	spec := geometry.Spec{
		Name:        "E4CH",
		Description: "eulerian 4-circle, horizontal scattering plane",
		Sample: []geometry.Axis{
			{Name: "omega", Direction: [3]float64{0, 0, 1}},
			{Name: "chi", Direction: [3]float64{1, 0, 0}},
			{Name: "phi", Direction: [3]float64{0, 0, 1}},
		},
		Detector: []geometry.Axis{
			{Name: "tth", Direction: [3]float64{0, 0, 1}},
		},
		Engines: []geometry.Engine{
			{
				Name:    "hkl",
				Pseudos: []string{"h", "k", "l"},
				Modes: []geometry.Mode{
					{Name: "bissector", Writes: []string{"omega", "chi", "phi", "tth"}},
					{Name: "constant_omega", Writes: []string{"chi", "phi", "tth"}},
					{Name: "constant_chi", Writes: []string{"omega", "phi", "tth"}},
					{Name: "constant_phi", Writes: []string{"omega", "chi", "tth"}},
					{Name: "double_diffraction", Writes: []string{"omega", "chi", "phi", "tth"},
						Params: []string{"h2", "k2", "l2"}},
					{Name: "psi_constant", Writes: []string{"omega", "chi", "phi", "tth"},
						Params: []string{"h2", "k2", "l2", "psi"}},
				},
			},
			{
				Name:    "psi",
				Pseudos: []string{"psi"},
				Modes: []geometry.Mode{
					{Name: "psi", Writes: []string{"omega", "chi", "phi"},
						Params: []string{"h2", "k2", "l2"}},
				},
			},
			{
				Name:    "q",
				Pseudos: []string{"q"},
				Modes: []geometry.Mode{
					{Name: "q", Writes: []string{"tth"}},
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
		spec:       spec,
		eulerNames: [3]string{"omega", "chi", "phi"},
		eulerDirs:  [3]r3.Vec{{Z: 1}, {X: 1}, {Z: 1}},
		mainDet:    "tth",
	}
}
