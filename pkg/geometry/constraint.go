package geometry

import (
	"fmt"
	"math"
)

// ErrInvalidConstraint is returned for constraint settings that cannot be
// applied.
var ErrInvalidConstraint = fmt.Errorf("%w: invalid constraint", ErrInvalidSpec)

// limitEps tolerates rounding when a candidate sits exactly on a limit.
const limitEps = 1e-9

// Constraint restricts one real axis during forward computations. While Fit
// is true the axis may take any value inside [LowLimit, HighLimit]; with Fit
// false the axis is pinned to FixedValue and solutions moving it are
// discarded.
type Constraint struct {
	LowLimit   float64 `json:"low_limit"`
	HighLimit  float64 `json:"high_limit"`
	FixedValue float64 `json:"fixed_value"`
	Fit        bool    `json:"fit"`
}

// DefaultConstraint allows a full turn centered on zero.
func DefaultConstraint() Constraint {
	return Constraint{LowLimit: -180, HighLimit: 180, FixedValue: 0, Fit: true}
}

// Validate checks the constraint for consistency.
func (c Constraint) Validate() error {
	for _, v := range []float64{c.LowLimit, c.HighLimit, c.FixedValue} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidConstraint)
		}
	}
	if c.LowLimit > c.HighLimit {
		return fmt.Errorf("%w: low limit %g above high limit %g",
			ErrInvalidConstraint, c.LowLimit, c.HighLimit)
	}
	if c.HighLimit-c.LowLimit > 360+limitEps {
		return fmt.Errorf("%w: window [%g, %g] spans more than a full turn",
			ErrInvalidConstraint, c.LowLimit, c.HighLimit)
	}
	if !c.Fit && !c.Contains(c.FixedValue) {
		return fmt.Errorf("%w: fixed value %g outside [%g, %g]",
			ErrInvalidConstraint, c.FixedValue, c.LowLimit, c.HighLimit)
	}
	return nil
}

// Contains reports whether v lies inside the limits.
func (c Constraint) Contains(v float64) bool {
	return v >= c.LowLimit-limitEps && v <= c.HighLimit+limitEps
}
