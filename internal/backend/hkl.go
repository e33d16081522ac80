package backend

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/rotation"
)

// forwardHKL solves the diffraction condition Q = Rs * UB * hkl for the
// axes written by the mode. The solve runs in the eulerian picture; the
// kappa geometry realizes each eulerian triple afterwards.
func (s *solver) forwardHKL(req geometry.ForwardRequest, mode geometry.Mode) ([]map[string]float64, error) {
	if req.UB == nil {
		return nil, errNilUB
	}
	hkl := r3.Vec{X: req.Pseudos[0], Y: req.Pseudos[1], Z: req.Pseudos[2]}
	h1 := rotation.Apply(req.UB, hkl)
	g := r3.Norm(h1)
	if g < 1e-10 {
		return nil, &geometry.UnreachableError{
			Engine:  req.Engine,
			Pseudos: append([]float64(nil), req.Pseudos...),
			Reason:  "zero scattering vector",
		}
	}
	k := waveNumber(req.Wavelength)
	dets, err := s.detCandidates(req, g, k)
	if err != nil {
		return nil, err
	}

	fam := family(mode)
	var u2 r3.Vec
	switch fam {
	case "double_diffraction", "psi_constant":
		u2 = rotation.Apply(req.UB, r3.Vec{
			X: req.Params["h2"], Y: req.Params["k2"], Z: req.Params["l2"],
		})
		if r3.Norm(u2) < 1e-10 {
			return nil, errZeroReference
		}
	}

	hUnit := r3.Scale(1/g, h1)
	outer := s.outerSampleRot(req)

	var cands []map[string]float64
	add := func(det float64, tri [3]float64, dualize bool) {
		tris := [][3]float64{tri}
		if dualize {
			tris = append(tris, eulerDual(tri))
		}
		for _, tr := range tris {
			frag, ok := s.realizeEuler(tr)
			if !ok {
				continue
			}
			frag[s.mainDet] = det
			cands = append(cands, s.assemble(req, frag))
		}
	}

	for _, det := range dets {
		qLab := s.ScatteringVector(s.detPosition(req, det), req.Wavelength)
		if r3.Norm(qLab) < 1e-12 {
			continue
		}
		t := r3.Unit(rotation.ApplyT(outer, qLab))

		switch fam {
		case "bissector":
			omega := det / 2
			tw := rotation.Apply(rotation.AboutAxis(s.eulerDirs[0], -omega), t)
			for _, pair := range twoCircleSolve(hUnit, tw, s.eulerDirs[1], s.eulerDirs[2], s.heldEulerAngle(req, 1)) {
				add(det, [3]float64{omega, pair[0], pair[1]}, true)
			}

		case "constant_omega":
			omega := s.heldEulerAngle(req, 0)
			tw := rotation.Apply(rotation.AboutAxis(s.eulerDirs[0], -omega), t)
			for _, pair := range twoCircleSolve(hUnit, tw, s.eulerDirs[1], s.eulerDirs[2], s.heldEulerAngle(req, 1)) {
				add(det, [3]float64{omega, pair[0], pair[1]}, false)
			}

		case "constant_chi":
			chi := s.heldEulerAngle(req, 1)
			for _, pair := range s.solveConstantChi(hUnit, t, chi, req) {
				add(det, [3]float64{pair[0], chi, pair[1]}, false)
			}

		case "constant_phi":
			phi := s.heldEulerAngle(req, 2)
			v := rotation.Apply(rotation.AboutAxis(s.eulerDirs[2], phi), hUnit)
			for _, pair := range twoCircleSolve(v, t, s.eulerDirs[0], s.eulerDirs[1], s.heldEulerAngle(req, 0)) {
				add(det, [3]float64{pair[0], pair[1], phi}, false)
			}

		case "double_diffraction":
			r0 := rotation.AlignVectors(hUnit, t)
			v := rotation.Apply(r0, u2)
			m := rotation.ApplyT(outer, r3.Scale(k, beam))
			tv := r3.Dot(t, v)
			mt := r3.Dot(m, t)
			a := 2 * (r3.Dot(m, v) - tv*mt)
			b := 2 * r3.Dot(m, r3.Cross(t, v))
			c := -r3.Dot(u2, u2) - 2*tv*mt
			for _, alpha := range rotation.SolveTrig(a, b, c) {
				rp := rotation.MulAll(rotation.AboutAxis(t, alpha), r0)
				branches, derr := rotation.Decompose(rp, s.eulerDirs[0], s.eulerDirs[1])
				if derr != nil {
					continue
				}
				for _, tr := range branches {
					add(det, tr, false)
				}
			}

		case "psi_constant":
			qUnit := r3.Unit(qLab)
			e1, e2, ok := azimuthBasis(qUnit)
			if !ok {
				continue
			}
			r0 := rotation.AlignVectors(hUnit, t)
			v0 := rotation.Apply(outer, rotation.Apply(r0, u2))
			psi0, ok := azimuthOf(v0, e1, e2)
			if !ok {
				continue
			}
			alpha := req.Params["psi"] - psi0
			rp := rotation.MulAll(rotation.AboutAxis(t, alpha), r0)
			branches, derr := rotation.Decompose(rp, s.eulerDirs[0], s.eulerDirs[1])
			if derr != nil {
				continue
			}
			for _, tr := range branches {
				add(det, tr, false)
			}

		default:
			return nil, fmt.Errorf("%w: %s/%q", geometry.ErrUnknownMode, req.Engine, mode.Name)
		}
	}

	verify := func(pos map[string]float64) bool {
		qLab := s.ScatteringVector(pos, req.Wavelength)
		hLab := rotation.Apply(s.SampleRotation(pos), h1)
		return r3.Norm(r3.Sub(qLab, hLab)) <= 1e-9*(1+g)
	}
	return s.finish(req, mode, cands, verify), nil
}

// solveConstantChi finds the (omega, phi) pairs keeping chi fixed. The phi
// equation projects the rotated reflection onto the omega axis, which the
// omega rotation leaves unchanged.
func (s *solver) solveConstantChi(hUnit, t r3.Vec, chi float64, req geometry.ForwardRequest) [][2]float64 {
	eOmega, eChi, ePhi := s.eulerDirs[0], s.eulerDirs[1], s.eulerDirs[2]
	u := rotation.ApplyT(rotation.AboutAxis(eChi, chi), eOmega)

	konst := r3.Dot(ePhi, hUnit) * r3.Dot(ePhi, u)
	a := r3.Dot(hUnit, u) - konst
	b := r3.Dot(r3.Cross(ePhi, hUnit), u)
	c := r3.Dot(t, eOmega) - konst

	chiRot := rotation.AboutAxis(eChi, chi)
	var out [][2]float64
	for _, phi := range rotation.SolveTrig(a, b, c) {
		w := rotation.Apply(chiRot, rotation.Apply(rotation.AboutAxis(ePhi, phi), hUnit))
		omega, ok := rotation.AngleAbout(eOmega, w, t)
		if !ok {
			omega = s.heldEulerAngle(req, 0)
		}
		out = append(out, [2]float64{omega, phi})
	}
	return out
}

// inverseHKL reads the hkl indices diffracting at a real position.
func (s *solver) inverseHKL(req geometry.InverseRequest) ([]float64, error) {
	if req.UB == nil {
		return nil, errNilUB
	}
	q := s.ScatteringVector(req.Position, req.Wavelength)
	hPhi := rotation.ApplyT(s.SampleRotation(req.Position), q)

	var sol mat.VecDense
	if err := sol.SolveVec(req.UB, mat.NewVecDense(3, []float64{hPhi.X, hPhi.Y, hPhi.Z})); err != nil {
		return nil, fmt.Errorf("backend: singular UB: %w", err)
	}
	return []float64{sol.AtVec(0), sol.AtVec(1), sol.AtVec(2)}, nil
}

// azimuthBasis builds the reference frame for azimuth angles around a unit
// scattering vector: e1 points along the projection of the reversed beam,
// e2 completes the right-handed set.
func azimuthBasis(qUnit r3.Vec) (e1, e2 r3.Vec, ok bool) {
	ref := r3.Scale(-1, beam)
	p := r3.Sub(ref, r3.Scale(r3.Dot(ref, qUnit), qUnit))
	if r3.Norm(p) < 1e-9 {
		return r3.Vec{}, r3.Vec{}, false
	}
	e1 = r3.Unit(p)
	e2 = r3.Cross(qUnit, e1)
	return e1, e2, true
}

// azimuthOf measures the azimuth of v in the given basis, in degrees.
func azimuthOf(v, e1, e2 r3.Vec) (float64, bool) {
	x, y := r3.Dot(v, e1), r3.Dot(v, e2)
	if x*x+y*y < 1e-18 {
		return 0, false
	}
	return rotation.Degrees(math.Atan2(y, x)), true
}
