package environment

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// Synthetic is an in-memory test environment. Observables are analytic functions
// of the current variable values:
//
//	sphere      sum of squares
//	rosenbrock  sum of 100*(x[i+1]-x[i]^2)^2 + (1-x[i])^2
//	rastrigin   10n + sum of x^2 - 10cos(2*pi*x)
//	norm        Euclidean norm
//	evaluations number of observable reads so far
//
// A variable name is also readable as an observable.
type Synthetic struct {
	mu     sync.Mutex
	order  []string
	bounds map[string][2]float64
	values map[string]float64
	reads  int
	noise  float64
	rng    *rand.Rand
}

// NewSynthetic creates an environment whose variables start at the middle of their bounds.
// noise adds zero-mean Gaussian noise with that standard deviation to every function observable.
func NewSynthetic(vars []routine.Variable, noise float64, seed int64) *Synthetic {
	s := &Synthetic{
		bounds: make(map[string][2]float64, len(vars)),
		values: make(map[string]float64, len(vars)),
		noise:  noise,
		rng:    rand.New(rand.NewSource(seed)),
	}
	for _, v := range vars {
		s.order = append(s.order, v.Name)
		s.bounds[v.Name] = [2]float64{v.Lower, v.Upper}
		s.values[v.Name] = (v.Lower + v.Upper) / 2
	}
	return s
}

func (s *Synthetic) GetVariables(names []string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(names))
	for _, name := range names {
		v, ok := s.values[name]
		if !ok {
			return nil, fmt.Errorf("unknown variable %q", name)
		}
		out[name] = v
	}
	return out, nil
}

func (s *Synthetic) SetVariables(values map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, v := range values {
		b, ok := s.bounds[name]
		if !ok {
			return fmt.Errorf("unknown variable %q", name)
		}
		if v < b[0] || v > b[1] {
			return fmt.Errorf("variable %s=%g outside bounds [%g, %g]", name, v, b[0], b[1])
		}
	}
	for name, v := range values {
		s.values[name] = v
	}
	return nil
}

func (s *Synthetic) GetObservables(names []string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	x := make([]float64, len(s.order))
	for i, name := range s.order {
		x[i] = s.values[name]
	}

	out := make(map[string]float64, len(names))
	for _, name := range names {
		if v, ok := s.values[name]; ok {
			out[name] = v
			continue
		}
		var v float64
		switch name {
		case "sphere":
			v = sphere(x)
		case "rosenbrock":
			v = rosenbrock(x)
		case "rastrigin":
			v = rastrigin(x)
		case "norm":
			v = math.Sqrt(sphere(x))
		case "evaluations":
			out[name] = float64(s.reads)
			continue
		default:
			return nil, fmt.Errorf("unknown observable %q", name)
		}
		if s.noise > 0 {
			v += s.rng.NormFloat64() * s.noise
		}
		out[name] = v
	}
	return out, nil
}

func (s *Synthetic) StopRecording(string) error {
	return ErrNotRecording
}

func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func rosenbrock(x []float64) float64 {
	var sum float64
	for i := 0; i+1 < len(x); i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum
}

func rastrigin(x []float64) float64 {
	sum := 10 * float64(len(x))
	for _, v := range x {
		sum += v*v - 10*math.Cos(2*math.Pi*v)
	}
	return sum
}
