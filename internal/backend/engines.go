package backend

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/rotation"
)

func clamp1(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

// heldAll resolves every axis to its held value.
func (s *solver) heldAll(req geometry.ForwardRequest) map[string]float64 {
	pos := make(map[string]float64)
	for _, name := range s.spec.Real() {
		pos[name] = heldValue(req.Constraints, req.Current, name)
	}
	return pos
}

// forwardQ places the detector at the scattering angle realizing q. The
// sign of q selects the side of the beam.
func (s *solver) forwardQ(req geometry.ForwardRequest, mode geometry.Mode) ([]map[string]float64, error) {
	k := waveNumber(req.Wavelength)
	q := req.Pseudos[0]
	ratio := q / (2 * k)
	if math.Abs(ratio) > 1+1e-9 {
		return nil, &geometry.UnreachableError{
			Engine:  req.Engine,
			Pseudos: []float64{q},
			Reason:  "above the 2k limit",
		}
	}
	tth := 2 * rotation.Degrees(math.Asin(clamp1(ratio)))
	cand := s.assemble(req, map[string]float64{s.mainDet: tth})

	verify := func(pos map[string]float64) bool {
		got, err := s.inverseQ(geometry.InverseRequest{Position: pos, Wavelength: req.Wavelength})
		return err == nil && math.Abs(got[0]-q) <= 1e-9*(1+math.Abs(q))
	}
	return s.finish(req, mode, []map[string]float64{cand}, verify), nil
}

func (s *solver) inverseQ(req geometry.InverseRequest) ([]float64, error) {
	k := waveNumber(req.Wavelength)
	tth := rotation.NormalizeDeg(req.Position[s.mainDet])
	return []float64{2 * k * math.Sin(rotation.Radians(tth)/2)}, nil
}

// forwardQ2 places both detector circles so that the scattered beam leaves
// at scattering angle 2*theta with azimuth alpha around the beam.
func (s *solver) forwardQ2(req geometry.ForwardRequest, mode geometry.Mode) ([]map[string]float64, error) {
	k := waveNumber(req.Wavelength)
	q, alpha := req.Pseudos[0], req.Pseudos[1]
	if q < -1e-12 {
		return nil, &geometry.UnreachableError{
			Engine:  req.Engine,
			Pseudos: []float64{q, alpha},
			Reason:  "q must be non-negative",
		}
	}
	ratio := q / (2 * k)
	if ratio > 1+1e-9 {
		return nil, &geometry.UnreachableError{
			Engine:  req.Engine,
			Pseudos: []float64{q, alpha},
			Reason:  "above the 2k limit",
		}
	}
	tau := 2 * math.Asin(clamp1(ratio))
	ar := rotation.Radians(alpha)
	kf := r3.Vec{
		X: math.Cos(tau),
		Y: math.Sin(tau) * math.Sin(ar),
		Z: math.Sin(tau) * math.Cos(ar),
	}

	outerName := s.outerDet[0]
	sinMain := clamp1(kf.Z)
	main1 := rotation.Degrees(math.Asin(sinMain))
	var cands []map[string]float64
	for _, main := range []float64{main1, rotation.NormalizeDeg(180 - main1)} {
		cosMain := math.Cos(rotation.Radians(main))
		var outerVal float64
		if math.Abs(cosMain) < 1e-9 {
			if math.Hypot(kf.X, kf.Y) > 1e-9 {
				continue
			}
			outerVal = heldValue(req.Constraints, req.Current, outerName)
		} else {
			outerVal = rotation.Degrees(math.Atan2(kf.Y/cosMain, kf.X/cosMain))
		}
		cands = append(cands, s.assemble(req, map[string]float64{
			s.mainDet: main,
			outerName: outerVal,
		}))
	}

	verify := func(pos map[string]float64) bool {
		got, err := s.inverseQ2(geometry.InverseRequest{Position: pos, Wavelength: req.Wavelength})
		if err != nil {
			return false
		}
		if math.Abs(got[0]-q) > 1e-9*(1+q) {
			return false
		}
		return got[0] < 1e-9 || rotation.AngularDiff(got[1], alpha) <= matchEps
	}
	return s.finish(req, mode, cands, verify), nil
}

func (s *solver) inverseQ2(req geometry.InverseRequest) ([]float64, error) {
	k := waveNumber(req.Wavelength)
	kf := s.kfDir(req.Position)
	tau := math.Acos(clamp1(r3.Dot(kf, beam)))
	q := 2 * k * math.Sin(tau/2)
	alpha := 0.0
	if math.Hypot(kf.Y, kf.Z) > 1e-12 {
		alpha = rotation.Degrees(math.Atan2(kf.Y, kf.Z))
	}
	return []float64{q, alpha}, nil
}

// forwardPsi rotates the sample around the current scattering vector until
// the reference reflection sits at the requested azimuth. The detector does
// not move, so whatever was diffracting keeps diffracting.
func (s *solver) forwardPsi(req geometry.ForwardRequest, mode geometry.Mode) ([]map[string]float64, error) {
	if req.UB == nil {
		return nil, errNilUB
	}
	u2 := rotation.Apply(req.UB, r3.Vec{
		X: req.Params["h2"], Y: req.Params["k2"], Z: req.Params["l2"],
	})
	if r3.Norm(u2) < 1e-10 {
		return nil, errZeroReference
	}

	heldPos := s.heldAll(req)
	qLab := s.ScatteringVector(heldPos, req.Wavelength)
	if r3.Norm(qLab) < 1e-9 {
		return nil, &geometry.UnreachableError{
			Engine:  req.Engine,
			Pseudos: append([]float64(nil), req.Pseudos...),
			Reason:  "zero scattering vector at the held detector position",
		}
	}
	qUnit := r3.Unit(qLab)
	e1, e2, ok := azimuthBasis(qUnit)
	if !ok {
		return nil, errNoAzimuth
	}
	rsCur := s.SampleRotation(heldPos)
	psi0, ok := azimuthOf(rotation.Apply(rsCur, u2), e1, e2)
	if !ok {
		return nil, errNoAzimuth
	}

	target := req.Pseudos[0]
	outer := s.outerSampleRot(req)
	rsNew := rotation.MulAll(rotation.AboutAxis(qUnit, target-psi0), rsCur)
	var rp mat.Dense
	rp.Mul(outer.T(), rsNew)
	branches, err := rotation.Decompose(&rp, s.eulerDirs[0], s.eulerDirs[1])
	if err != nil {
		return nil, err
	}

	var cands []map[string]float64
	for _, tri := range branches {
		frag, ok := s.realizeEuler(tri)
		if !ok {
			continue
		}
		cands = append(cands, s.assemble(req, frag))
	}

	verify := func(pos map[string]float64) bool {
		got, ok := azimuthOf(rotation.Apply(s.SampleRotation(pos), u2), e1, e2)
		return ok && rotation.AngularDiff(got, target) <= matchEps
	}
	return s.finish(req, mode, cands, verify), nil
}

func (s *solver) inversePsi(req geometry.InverseRequest) ([]float64, error) {
	if req.UB == nil {
		return nil, errNilUB
	}
	u2 := rotation.Apply(req.UB, r3.Vec{
		X: req.Params["h2"], Y: req.Params["k2"], Z: req.Params["l2"],
	})
	if r3.Norm(u2) < 1e-10 {
		return nil, errZeroReference
	}
	qLab := s.ScatteringVector(req.Position, req.Wavelength)
	if r3.Norm(qLab) < 1e-9 {
		return nil, errNoAzimuth
	}
	e1, e2, ok := azimuthBasis(r3.Unit(qLab))
	if !ok {
		return nil, errNoAzimuth
	}
	psi, ok := azimuthOf(rotation.Apply(s.SampleRotation(req.Position), u2), e1, e2)
	if !ok {
		return nil, errNoAzimuth
	}
	return []float64{psi}, nil
}

// forwardEulerians realizes an omega-chi-phi triple on the kappa circles.
// Both kappa branches are returned when reachable.
func (s *solver) forwardEulerians(req geometry.ForwardRequest, mode geometry.Mode) ([]map[string]float64, error) {
	tri := [3]float64{req.Pseudos[0], req.Pseudos[1], req.Pseudos[2]}

	var cands []map[string]float64
	for _, tr := range [][3]float64{tri, eulerDual(tri)} {
		frag, ok := s.realizeEuler(tr)
		if !ok {
			continue
		}
		cands = append(cands, s.assemble(req, frag))
	}
	if len(cands) == 0 {
		return nil, &geometry.UnreachableError{
			Engine:  req.Engine,
			Pseudos: append([]float64(nil), req.Pseudos...),
			Reason:  "chi beyond the kappa reach",
		}
	}

	want := rotation.MulAll(
		rotation.AboutAxis(s.eulerDirs[0], tri[0]),
		rotation.AboutAxis(s.eulerDirs[1], tri[1]),
		rotation.AboutAxis(s.eulerDirs[2], tri[2]),
	)
	verify := func(pos map[string]float64) bool {
		return mat.EqualApprox(want, s.SampleRotation(pos), 1e-9)
	}
	return s.finish(req, mode, cands, verify), nil
}

func (s *solver) inverseEulerians(req geometry.InverseRequest) ([]float64, error) {
	tri := s.eulerAt(req.Position)
	return []float64{tri[0], tri[1], tri[2]}, nil
}

func surfaceNormal(params map[string]float64) (r3.Vec, error) {
	n := r3.Vec{X: params["x"], Y: params["y"], Z: params["z"]}
	if r3.Norm(n) < 1e-12 {
		return r3.Vec{}, errZeroNormal
	}
	return r3.Unit(n), nil
}

// inverseIncidence reads the angle between the incident beam and the sample
// surface, with the azimuth of the surface normal around the beam.
func (s *solver) inverseIncidence(req geometry.InverseRequest) ([]float64, error) {
	n, err := surfaceNormal(req.Params)
	if err != nil {
		return nil, err
	}
	nLab := rotation.Apply(s.SampleRotation(req.Position), n)
	incidence := rotation.Degrees(math.Asin(clamp1(-r3.Dot(nLab, beam))))
	azimuth := rotation.Degrees(math.Atan2(nLab.Y, nLab.Z))
	return []float64{incidence, azimuth}, nil
}

// inverseEmergence reads the angle between the scattered beam and the
// sample surface.
func (s *solver) inverseEmergence(req geometry.InverseRequest) ([]float64, error) {
	n, err := surfaceNormal(req.Params)
	if err != nil {
		return nil, err
	}
	nLab := rotation.Apply(s.SampleRotation(req.Position), n)
	emergence := rotation.Degrees(math.Asin(clamp1(r3.Dot(s.kfDir(req.Position), nLab))))
	azimuth := rotation.Degrees(math.Atan2(nLab.Y, nLab.Z))
	return []float64{emergence, azimuth}, nil
}
