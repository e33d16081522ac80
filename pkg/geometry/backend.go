package geometry

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ForwardRequest asks a backend for the real positions that realize a pseudo
// position. Current supplies the present real position; axes the mode does
// not write stay there. Constraints may be nil, in which case every axis
// gets DefaultConstraint.
type ForwardRequest struct {
	Engine      string
	Mode        string
	Pseudos     []float64
	Wavelength  float64
	UB          *mat.Dense
	Current     map[string]float64
	Constraints map[string]Constraint
	Params      map[string]float64
}

// InverseRequest asks a backend for the pseudo values read at a real
// position.
type InverseRequest struct {
	Engine     string
	Mode       string
	Position   map[string]float64
	Wavelength float64
	UB         *mat.Dense
	Params     map[string]float64
}

// UnreachableError reports a pseudo position that no axis setting can reach
// at the current wavelength, whatever the constraints.
type UnreachableError struct {
	Engine  string
	Pseudos []float64
	Reason  string
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("geometry: %s position %v unreachable: %s",
		e.Engine, e.Pseudos, e.Reason)
}

// Backend implements the coordinate transforms of one geometry.
//
// Forward returns every real position that realizes the request, ordered by
// increasing travel from the current position; an empty list means no
// solution survived the constraints. Inverse returns the pseudo values of
// the requested engine in declaration order.
type Backend interface {
	// Spec describes the geometry the backend implements.
	Spec() Spec

	// SampleRotation composes the sample circle rotations at a position.
	SampleRotation(position map[string]float64) *mat.Dense

	// ScatteringVector returns the momentum transfer in the laboratory
	// frame at a position, in 1/angstrom.
	ScatteringVector(position map[string]float64, wavelength float64) r3.Vec

	Forward(req ForwardRequest) ([]map[string]float64, error)
	Inverse(req InverseRequest) ([]float64, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// Register adds a backend to the registry under its spec name, replacing any
// previous entry.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Spec().Name] = b
}

// Get returns the registered backend with the given name, or nil.
func Get(name string) Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// List returns the names of all registered backends, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
