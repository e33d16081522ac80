package calc

import (
	"fmt"

	"hkl-calc/pkg/geometry"
)

// Constraints returns a snapshot of the constraint set, keyed by
// user-facing axis name.
func (c *Calc) Constraints() map[string]geometry.Constraint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.constraintsLocked()
}

func (c *Calc) constraintsLocked() map[string]geometry.Constraint {
	out := make(map[string]geometry.Constraint, len(c.constraints))
	for _, canon := range c.spec.Real() {
		out[c.userName(canon)] = c.constraints[canon]
	}
	return out
}

// ApplyConstraints replaces the constraints of the named axes and returns
// the full prior constraint set. The previous state lands in a one-level
// undo buffer. Nothing is changed when any entry is invalid.
func (c *Calc) ApplyConstraints(changes map[string]geometry.Constraint) (map[string]geometry.Constraint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolved := make(map[string]geometry.Constraint, len(changes))
	for name, con := range changes {
		canon, ok := c.resolveAxis(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", geometry.ErrUnknownAxis, name)
		}
		if err := con.Validate(); err != nil {
			return nil, fmt.Errorf("axis %q: %w", name, err)
		}
		resolved[canon] = con
	}

	prev := c.constraintsLocked()
	c.undo = make(map[string]geometry.Constraint, len(c.constraints))
	for canon, con := range c.constraints {
		c.undo[canon] = con
	}
	c.hasUndo = true
	for canon, con := range resolved {
		c.constraints[canon] = con
	}
	return prev, nil
}

// UndoConstraints restores the constraint set saved by the last apply and
// empties the undo buffer.
func (c *Calc) UndoConstraints() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasUndo {
		return ErrNothingToUndo
	}
	c.constraints = c.undo
	c.undo = nil
	c.hasUndo = false
	return nil
}

// ResetConstraints restores wide-open defaults on every axis and clears
// the undo buffer.
func (c *Calc) ResetConstraints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, canon := range c.spec.Real() {
		c.constraints[canon] = geometry.DefaultConstraint()
	}
	c.undo = nil
	c.hasUndo = false
}
