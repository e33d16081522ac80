package backend

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/rotation"
)

// kappaAlpha is the tilt of the kappa axis against the omega axis, in
// degrees.
const kappaAlpha = 50.0

// newK4CV builds the kappa 4-circle geometry with a vertical scattering
// plane. The hkl modes solve in the virtual eulerian picture and realize
// the result on the kappa circles, so every sample circle moves even in the
// constant modes; the held eulerian angle is read from the current
// position.
func newK4CV() *solver {
	ar := rotation.Radians(kappaAlpha)
	spec := geometry.Spec{
		Name:        "K4CV",
		Description: "kappa 4-circle, vertical scattering plane",
		Sample: []geometry.Axis{
			{Name: "komega", Direction: [3]float64{0, -1, 0}},
			{Name: "kappa", Direction: [3]float64{0, -math.Cos(ar), -math.Sin(ar)}},
			{Name: "kphi", Direction: [3]float64{0, -1, 0}},
		},
		Detector: []geometry.Axis{
			{Name: "tth", Direction: [3]float64{0, -1, 0}},
		},
		Engines: []geometry.Engine{
			{
				Name:    "hkl",
				Pseudos: []string{"h", "k", "l"},
				Modes: []geometry.Mode{
					{Name: "bissector", Writes: []string{"komega", "kappa", "kphi", "tth"}},
					{Name: "constant_omega", Writes: []string{"komega", "kappa", "kphi", "tth"}},
					{Name: "constant_chi", Writes: []string{"komega", "kappa", "kphi", "tth"}},
					{Name: "constant_phi", Writes: []string{"komega", "kappa", "kphi", "tth"}},
					{Name: "double_diffraction", Writes: []string{"komega", "kappa", "kphi", "tth"},
						Params: []string{"h2", "k2", "l2"}},
					{Name: "psi_constant", Writes: []string{"komega", "kappa", "kphi", "tth"},
						Params: []string{"h2", "k2", "l2", "psi"}},
				},
			},
			{
				Name:    "eulerians",
				Pseudos: []string{"omega", "chi", "phi"},
				Modes: []geometry.Mode{
					{Name: "eulerians", Writes: []string{"komega", "kappa", "kphi"}},
				},
			},
			{
				Name:    "psi",
				Pseudos: []string{"psi"},
				Modes: []geometry.Mode{
					{Name: "psi", Writes: []string{"komega", "kappa", "kphi"},
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
		eulerNames: [3]string{"komega", "kappa", "kphi"},
		eulerDirs:  [3]r3.Vec{{Y: -1}, {X: 1}, {Y: -1}},
		mainDet:    "tth",
		kappaAngle: kappaAlpha,
	}
}

// kappaToEuler converts kappa circle angles to the equivalent eulerian
// triple, picking the branch whose chi shares the sign of kappa.
func kappaToEuler(komega, kap, kphi, alpha float64) [3]float64 {
	ar := rotation.Radians(alpha)
	half := rotation.Radians(kap) / 2
	p := rotation.Degrees(math.Atan(math.Tan(half) * math.Cos(ar)))
	return [3]float64{
		rotation.NormalizeDeg(komega + p - 90),
		rotation.Degrees(2 * math.Asin(clamp1(math.Sin(half)*math.Sin(ar)))),
		rotation.NormalizeDeg(kphi + p + 90),
	}
}

// eulerToKappa realizes an eulerian triple on the kappa circles. The second
// return is false when chi exceeds the +-2*alpha reach of the kappa axis.
func eulerToKappa(tri [3]float64, alpha float64) ([3]float64, bool) {
	ar := rotation.Radians(alpha)
	half := rotation.Radians(tri[1]) / 2
	ratio := math.Sin(half) / math.Sin(ar)
	if math.Abs(ratio) > 1 {
		return [3]float64{}, false
	}
	p := rotation.Degrees(math.Asin(clamp1(math.Tan(half) / math.Tan(ar))))
	kap := rotation.Degrees(2 * math.Asin(ratio))
	return [3]float64{
		rotation.NormalizeDeg(tri[0] - p + 90),
		rotation.NormalizeDeg(kap),
		rotation.NormalizeDeg(tri[2] - p - 90),
	}, true
}
