package calc

import (
	"errors"
	"fmt"
	"math"

	"hkl-calc/pkg/geometry"
	"hkl-calc/pkg/rotation"
)

// pinEps absorbs solver noise when checking a solution against a pinned
// axis value.
const pinEps = 1e-7

// DecisionFunc picks one forward solution from a non-empty candidate list.
// current holds the present real axis tuple.
type DecisionFunc func(current []float64, candidates [][]float64) []float64

// FirstSolution returns the first candidate in backend order. The built-in
// backends order their candidates by summed travel from the current
// position, nearest first.
func FirstSolution(_ []float64, candidates [][]float64) []float64 {
	return candidates[0]
}

// ClosestSolution returns the candidate with the smallest summed angular
// distance from the current position.
func ClosestSolution(current []float64, candidates [][]float64) []float64 {
	best := candidates[0]
	bestSum := math.Inf(1)
	for _, cand := range candidates {
		var sum float64
		for i, v := range cand {
			sum += rotation.AngularDiff(v, current[i])
		}
		if sum < bestSum {
			best, bestSum = cand, sum
		}
	}
	return best
}

// SetDecision replaces the forward selection strategy. Passing nil
// restores the default.
func (c *Calc) SetDecision(fn DecisionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = FirstSolution
	}
	c.decision = fn
}

// Forward finds the real position realizing a pseudo target, selected by
// the decision function from the constraint-filtered solution set. It is a
// pure calculation: the current position feeds the solve but is not moved.
func (c *Calc) Forward(pseudos ...float64) ([]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sols, err := c.solveForward(pseudos, c.position)
	if err != nil {
		return nil, err
	}
	return c.decision(c.tupleLocked(c.position), sols), nil
}

// ForwardAll returns every real position realizing a pseudo target that
// survives constraint filtering, in backend order.
func (c *Calc) ForwardAll(pseudos ...float64) ([][]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.solveForward(pseudos, c.position)
}

func (c *Calc) solveForward(pseudos []float64, current map[string]float64) ([][]float64, error) {
	if len(pseudos) != len(c.engine.Pseudos) {
		return nil, fmt.Errorf("%w: engine %s takes %d values, got %d",
			geometry.ErrWrongDimension, c.engine.Name, len(c.engine.Pseudos), len(pseudos))
	}
	raw, err := c.backend.Forward(geometry.ForwardRequest{
		Engine:      c.engine.Name,
		Mode:        c.mode,
		Pseudos:     pseudos,
		Wavelength:  c.wavelength,
		UB:          c.current.UB(),
		Current:     current,
		Constraints: c.constraints,
		Params:      c.params[c.mode],
	})
	if err != nil {
		return nil, wrapBackend(err)
	}

	out := make([][]float64, 0, len(raw))
	for _, pos := range raw {
		if c.admissible(pos) {
			out = append(out, c.tupleLocked(pos))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %v in mode %s", ErrNoSolution, pseudos, c.mode)
	}
	return out, nil
}

// admissible re-checks a backend solution against the constraint set.
func (c *Calc) admissible(pos map[string]float64) bool {
	for _, canon := range c.spec.Real() {
		con := c.constraints[canon]
		v := pos[canon]
		if !con.Fit {
			if rotation.AngularDiff(v, con.FixedValue) > pinEps {
				return false
			}
			continue
		}
		if !con.Contains(v) {
			return false
		}
	}
	return true
}

// Inverse reads the pseudo position of the active engine at a real axis
// tuple. Constraints do not apply to the inverse direction.
func (c *Calc) Inverse(reals ...float64) ([]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, err := c.fromTuple(reals)
	if err != nil {
		return nil, err
	}
	return c.inverseLocked(pos)
}

// PseudoPosition evaluates the active engine at the current position.
func (c *Calc) PseudoPosition() ([]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inverseLocked(c.position)
}

func (c *Calc) inverseLocked(pos map[string]float64) ([]float64, error) {
	got, err := c.backend.Inverse(geometry.InverseRequest{
		Engine:     c.engine.Name,
		Mode:       c.mode,
		Position:   pos,
		Wavelength: c.wavelength,
		UB:         c.current.UB(),
		Params:     c.params[c.mode],
	})
	if err != nil {
		return nil, wrapBackend(err)
	}
	return got, nil
}

// PathOptions configures SolvePath.
type PathOptions struct {
	// Steps is the number of segments between the endpoints. Defaults
	// to 100.
	Steps int
}

// SolvePath plans a real axis trajectory tracking a straight pseudo-space
// line between two targets. Every step is solved with the previous pick as
// the current position, keeping the trajectory continuous.
func (c *Calc) SolvePath(from, to []float64, opts PathOptions) ([][]float64, error) {
	steps := opts.Steps
	if steps <= 0 {
		steps = 100
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.engine.Pseudos)
	if len(from) != n || len(to) != n {
		return nil, fmt.Errorf("%w: engine %s takes %d values, got %d and %d",
			geometry.ErrWrongDimension, c.engine.Name, n, len(from), len(to))
	}

	pos := make(map[string]float64, len(c.position))
	for name, v := range c.position {
		pos[name] = v
	}
	target := make([]float64, n)
	out := make([][]float64, 0, steps+1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		for j := range target {
			target[j] = from[j] + f*(to[j]-from[j])
		}
		sols, err := c.solveForward(target, pos)
		if err != nil {
			return nil, fmt.Errorf("path step %d: %w", i, err)
		}
		pick := c.decision(c.tupleLocked(pos), sols)
		out = append(out, pick)
		for j, name := range c.spec.Real() {
			pos[name] = pick[j]
		}
	}
	return out, nil
}

// wrapBackend sorts backend failures into the package taxonomy. Request
// validation errors pass through, kinematically unreachable targets count
// as no solution, anything else is a computation failure.
func wrapBackend(err error) error {
	var unreachable *geometry.UnreachableError
	switch {
	case errors.As(err, &unreachable):
		return fmt.Errorf("%w: %s", ErrNoSolution, unreachable.Reason)
	case errors.Is(err, geometry.ErrUnknownEngine),
		errors.Is(err, geometry.ErrUnknownMode),
		errors.Is(err, geometry.ErrReadOnlyEngine),
		errors.Is(err, geometry.ErrWrongDimension),
		errors.Is(err, geometry.ErrMissingModeParameter):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrBackendComputation, err)
	}
}
