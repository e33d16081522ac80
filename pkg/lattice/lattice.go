// Package lattice provides crystal unit cell parameters, the reciprocal
// lattice and the Busing-Levy B matrix. Lengths are in angstroms, angles in
// degrees, reciprocal lengths in 1/angstrom with the tau = 2*pi convention.
package lattice

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"hkl-calc/pkg/rotation"
)

// ErrInvalidLattice is returned for unit cell parameters that do not describe
// a real crystal lattice.
var ErrInvalidLattice = errors.New("lattice: invalid unit cell")

// SiliconLatticeParameter is the 2018 CODATA lattice parameter of silicon in
// angstroms, used for wavelength calibration.
const SiliconLatticeParameter = 5.431020511

const tau = 2 * math.Pi

// volumeEps rejects cells whose angle combination collapses the cell volume.
const volumeEps = 1e-12

// Lattice holds the six unit cell parameters.
type Lattice struct {
	A     float64 `json:"a"`     // angstrom
	B     float64 `json:"b"`     // angstrom
	C     float64 `json:"c"`     // angstrom
	Alpha float64 `json:"alpha"` // degrees, angle between b and c
	Beta  float64 `json:"beta"`  // degrees, angle between a and c
	Gamma float64 `json:"gamma"` // degrees, angle between a and b
}

// Reciprocal holds the six reciprocal lattice parameters.
type Reciprocal struct {
	AStar     float64 `json:"a_star"`     // 1/angstrom
	BStar     float64 `json:"b_star"`     // 1/angstrom
	CStar     float64 `json:"c_star"`     // 1/angstrom
	AlphaStar float64 `json:"alpha_star"` // degrees
	BetaStar  float64 `json:"beta_star"`  // degrees
	GammaStar float64 `json:"gamma_star"` // degrees
}

// System names one of the seven crystal systems.
type System string

const (
	Cubic        System = "cubic"
	Hexagonal    System = "hexagonal"
	Rhombohedral System = "rhombohedral"
	Tetragonal   System = "tetragonal"
	Orthorhombic System = "orthorhombic"
	Monoclinic   System = "monoclinic"
	Triclinic    System = "triclinic"
)

// New creates a validated lattice from the six cell parameters.
func New(a, b, c, alpha, beta, gamma float64) (Lattice, error) {
	lat := Lattice{A: a, B: b, C: c, Alpha: alpha, Beta: beta, Gamma: gamma}
	if err := lat.Validate(); err != nil {
		return Lattice{}, err
	}
	return lat, nil
}

// NewCubic creates a cubic lattice: a = b = c, all angles 90.
func NewCubic(a float64) (Lattice, error) {
	return New(a, a, a, 90, 90, 90)
}

// NewHexagonal creates a hexagonal lattice: a = b, gamma = 120.
func NewHexagonal(a, c float64) (Lattice, error) {
	return New(a, a, c, 90, 90, 120)
}

// NewRhombohedral creates a rhombohedral lattice: a = b = c, equal angles.
func NewRhombohedral(a, alpha float64) (Lattice, error) {
	return New(a, a, a, alpha, alpha, alpha)
}

// NewTetragonal creates a tetragonal lattice: a = b, all angles 90.
func NewTetragonal(a, c float64) (Lattice, error) {
	return New(a, a, c, 90, 90, 90)
}

// NewOrthorhombic creates an orthorhombic lattice: all angles 90.
func NewOrthorhombic(a, b, c float64) (Lattice, error) {
	return New(a, b, c, 90, 90, 90)
}

// NewMonoclinic creates a monoclinic lattice with b as the unique axis:
// alpha = gamma = 90.
func NewMonoclinic(a, b, c, beta float64) (Lattice, error) {
	return New(a, b, c, 90, beta, 90)
}

// NewTriclinic creates a lattice with all six parameters free.
func NewTriclinic(a, b, c, alpha, beta, gamma float64) (Lattice, error) {
	return New(a, b, c, alpha, beta, gamma)
}

// Validate checks that the parameters describe a real unit cell.
func (l Lattice) Validate() error {
	for _, v := range []float64{l.A, l.B, l.C, l.Alpha, l.Beta, l.Gamma} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite parameter", ErrInvalidLattice)
		}
	}
	if l.A <= 0 || l.B <= 0 || l.C <= 0 {
		return fmt.Errorf("%w: lengths must be positive, got (%g, %g, %g)",
			ErrInvalidLattice, l.A, l.B, l.C)
	}
	for _, ang := range []float64{l.Alpha, l.Beta, l.Gamma} {
		if ang <= 0 || ang >= 180 {
			return fmt.Errorf("%w: angles must be inside (0, 180), got %g",
				ErrInvalidLattice, ang)
		}
	}
	if l.discriminant() <= volumeEps {
		return fmt.Errorf("%w: angles (%g, %g, %g) give a degenerate cell volume",
			ErrInvalidLattice, l.Alpha, l.Beta, l.Gamma)
	}
	return nil
}

// discriminant is the squared sine-volume factor of the triple product.
func (l Lattice) discriminant() float64 {
	ca := math.Cos(rotation.Radians(l.Alpha))
	cb := math.Cos(rotation.Radians(l.Beta))
	cg := math.Cos(rotation.Radians(l.Gamma))
	return 1 - ca*ca - cb*cb - cg*cg + 2*ca*cb*cg
}

// Volume returns the unit cell volume in cubic angstroms.
func (l Lattice) Volume() (float64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	return l.A * l.B * l.C * math.Sqrt(l.discriminant()), nil
}

// Reciprocal returns the six reciprocal lattice parameters.
func (l Lattice) Reciprocal() (Reciprocal, error) {
	vol, err := l.Volume()
	if err != nil {
		return Reciprocal{}, err
	}
	sa := math.Sin(rotation.Radians(l.Alpha))
	sb := math.Sin(rotation.Radians(l.Beta))
	sg := math.Sin(rotation.Radians(l.Gamma))
	ca := math.Cos(rotation.Radians(l.Alpha))
	cb := math.Cos(rotation.Radians(l.Beta))
	cg := math.Cos(rotation.Radians(l.Gamma))

	rec := Reciprocal{
		AStar: tau * l.B * l.C * sa / vol,
		BStar: tau * l.A * l.C * sb / vol,
		CStar: tau * l.A * l.B * sg / vol,
	}
	rec.AlphaStar = rotation.Degrees(math.Acos(clamp((cb*cg - ca) / (sb * sg))))
	rec.BetaStar = rotation.Degrees(math.Acos(clamp((ca*cg - cb) / (sa * sg))))
	rec.GammaStar = rotation.Degrees(math.Acos(clamp((ca*cb - cg) / (sa * sb))))
	return rec, nil
}

// BMatrix returns the Busing-Levy B matrix mapping hkl indices to the
// cartesian reciprocal frame. For a cubic lattice B is (2*pi/a) times the
// identity.
func (l Lattice) BMatrix() (*mat.Dense, error) {
	rec, err := l.Reciprocal()
	if err != nil {
		return nil, err
	}
	sbs := math.Sin(rotation.Radians(rec.BetaStar))
	cbs := math.Cos(rotation.Radians(rec.BetaStar))
	sgs := math.Sin(rotation.Radians(rec.GammaStar))
	cgs := math.Cos(rotation.Radians(rec.GammaStar))
	ca := math.Cos(rotation.Radians(l.Alpha))

	return mat.NewDense(3, 3, []float64{
		rec.AStar, rec.BStar * cgs, rec.CStar * cbs,
		0, rec.BStar * sgs, -rec.CStar * sbs * ca,
		0, 0, tau / l.C,
	}), nil
}

// SystemOf classifies a lattice into one of the seven crystal systems.
func SystemOf(l Lattice) System {
	eqLen := func(x, y float64) bool {
		return math.Abs(x-y) <= 1e-7*math.Max(math.Abs(x), math.Abs(y))
	}
	eqAng := func(x, y float64) bool { return math.Abs(x-y) <= 1e-7 }
	allRight := eqAng(l.Alpha, 90) && eqAng(l.Beta, 90) && eqAng(l.Gamma, 90)

	switch {
	case eqLen(l.A, l.B) && eqLen(l.B, l.C) && allRight:
		return Cubic
	case eqLen(l.A, l.B) && eqAng(l.Alpha, 90) && eqAng(l.Beta, 90) && eqAng(l.Gamma, 120):
		return Hexagonal
	case eqLen(l.A, l.B) && eqLen(l.B, l.C) &&
		eqAng(l.Alpha, l.Beta) && eqAng(l.Beta, l.Gamma) && !eqAng(l.Alpha, 90):
		return Rhombohedral
	case eqLen(l.A, l.B) && allRight:
		return Tetragonal
	case allRight:
		return Orthorhombic
	case eqAng(l.Alpha, 90) && eqAng(l.Gamma, 90):
		return Monoclinic
	default:
		return Triclinic
	}
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
