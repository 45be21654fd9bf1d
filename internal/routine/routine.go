// Package routine defines the configuration of a tuning run and the record it produces.
package routine

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Direction is the optimization direction of an objective.
type Direction string

const (
	Minimize Direction = "MINIMIZE"
	Maximize Direction = "MAXIMIZE"
)

// ConstraintKind selects the comparison a constraint enforces.
type ConstraintKind string

const (
	GreaterThan ConstraintKind = "GREATER_THAN"
	LessThan    ConstraintKind = "LESS_THAN"
)

// Variable is a tunable input with inclusive bounds.
type Variable struct {
	Name  string  `yaml:"name" json:"name"`
	Lower float64 `yaml:"lower" json:"lower"`
	Upper float64 `yaml:"upper" json:"upper"`
}

// Objective is an observable to minimize or maximize.
type Objective struct {
	Name      string    `yaml:"name" json:"name"`
	Direction Direction `yaml:"direction" json:"direction"`
}

// Constraint is an observable that must stay on one side of Value.
type Constraint struct {
	Name  string         `yaml:"name" json:"name"`
	Kind  ConstraintKind `yaml:"kind" json:"kind"`
	Value float64        `yaml:"value" json:"value"`
}

// Satisfied reports whether v meets the constraint.
func (c Constraint) Satisfied(v float64) bool {
	if c.Kind == LessThan {
		return v < c.Value
	}
	return v > c.Value
}

// VOCS holds the variables, objectives and constraints of a routine.
type VOCS struct {
	Variables   []Variable   `yaml:"variables" json:"variables"`
	Objectives  []Objective  `yaml:"objectives" json:"objectives"`
	Constraints []Constraint `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// VariableNames returns variable names in declaration order.
func (v VOCS) VariableNames() []string {
	names := make([]string, len(v.Variables))
	for i, x := range v.Variables {
		names[i] = x.Name
	}
	return names
}

// ObjectiveNames returns objective names in declaration order.
func (v VOCS) ObjectiveNames() []string {
	names := make([]string, len(v.Objectives))
	for i, o := range v.Objectives {
		names[i] = o.Name
	}
	return names
}

// ConstraintNames returns constraint names in declaration order.
func (v VOCS) ConstraintNames() []string {
	names := make([]string, len(v.Constraints))
	for i, c := range v.Constraints {
		names[i] = c.Name
	}
	return names
}

// DirectionOf returns the direction configured for the named objective.
// Unknown objectives are treated as minimized.
func (v VOCS) DirectionOf(name string) Direction {
	for _, o := range v.Objectives {
		if o.Name == name {
			return o.Direction
		}
	}
	return Minimize
}

// Bounds returns the lower and upper bounds of all variables.
func (v VOCS) Bounds() (lower, upper []float64) {
	lower = make([]float64, len(v.Variables))
	upper = make([]float64, len(v.Variables))
	for i, x := range v.Variables {
		lower[i] = x.Lower
		upper[i] = x.Upper
	}
	return lower, upper
}

// GeneratorConfig selects the optimizer that proposes candidates.
type GeneratorConfig struct {
	Name     string `yaml:"name" json:"name"` // mayfly, random
	MaxIters int    `yaml:"max_iters,omitempty" json:"maxIters,omitempty"`
	PopSize  int    `yaml:"pop_size,omitempty" json:"popSize,omitempty"`
	Seed     int64  `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// EnvironmentConfig selects the controlled environment.
type EnvironmentConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Noise float64 `yaml:"noise,omitempty" json:"noise,omitempty"`
	Seed  int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// Routine describes one optimization run. It is not modified while a run is in progress.
type Routine struct {
	Name          string                `yaml:"name" json:"name"`
	Description   string                `yaml:"description,omitempty" json:"description,omitempty"`
	Environment   EnvironmentConfig     `yaml:"environment" json:"environment"`
	Generator     GeneratorConfig       `yaml:"generator" json:"generator"`
	VOCS          VOCS                  `yaml:"vocs" json:"vocs"`
	States        []string              `yaml:"states,omitempty" json:"states,omitempty"`
	InitialPoints []map[string]float64  `yaml:"initial_points,omitempty" json:"initialPoints,omitempty"`
	Termination   *TerminationCondition `yaml:"termination,omitempty" json:"termination,omitempty"`
	Schedule      string                `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// Load reads and parses a routine file.
func Load(path string) (*Routine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routine: %w", err)
	}
	return Parse(data)
}

// Parse decodes a routine from YAML (or JSON, which YAML accepts) and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Routine, error) {
	var r Routine
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&r); err != nil {
		return nil, fmt.Errorf("parsing routine: %w", err)
	}
	r.applyDefaults()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Routine) applyDefaults() {
	if r.Environment.Name == "" {
		r.Environment.Name = "synthetic"
	}
	if r.Generator.Name == "" {
		r.Generator.Name = "mayfly"
	}
	if r.Generator.MaxIters <= 0 {
		r.Generator.MaxIters = 20
	}
	if r.Generator.PopSize <= 0 {
		r.Generator.PopSize = 20
	}
	for i := range r.VOCS.Objectives {
		d := Direction(strings.ToUpper(string(r.VOCS.Objectives[i].Direction)))
		if d == "" {
			d = Minimize
		}
		r.VOCS.Objectives[i].Direction = d
	}
	for i := range r.VOCS.Constraints {
		k := ConstraintKind(strings.ToUpper(string(r.VOCS.Constraints[i].Kind)))
		if k == "" {
			k = GreaterThan
		}
		r.VOCS.Constraints[i].Kind = k
	}
}

// Validate checks that the routine can be run.
func (r *Routine) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "cannot be empty"}
	}
	if len(r.VOCS.Variables) == 0 {
		return &ValidationError{Field: "vocs.variables", Reason: "at least one variable required"}
	}
	if len(r.VOCS.Objectives) == 0 {
		return &ValidationError{Field: "vocs.objectives", Reason: "at least one objective required"}
	}

	seen := make(map[string]bool)
	claim := func(field, name string) error {
		if name == "" {
			return &ValidationError{Field: field, Reason: "name cannot be empty"}
		}
		if seen[name] {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("duplicate name %q", name)}
		}
		seen[name] = true
		return nil
	}

	for i, v := range r.VOCS.Variables {
		field := fmt.Sprintf("vocs.variables[%d]", i)
		if err := claim(field, v.Name); err != nil {
			return err
		}
		if v.Lower >= v.Upper {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("lower bound %g must be below upper bound %g", v.Lower, v.Upper)}
		}
	}
	for i, o := range r.VOCS.Objectives {
		field := fmt.Sprintf("vocs.objectives[%d]", i)
		if err := claim(field, o.Name); err != nil {
			return err
		}
		if o.Direction != Minimize && o.Direction != Maximize {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown direction %q", o.Direction)}
		}
	}
	for i, c := range r.VOCS.Constraints {
		field := fmt.Sprintf("vocs.constraints[%d]", i)
		if err := claim(field, c.Name); err != nil {
			return err
		}
		if c.Kind != GreaterThan && c.Kind != LessThan {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown kind %q", c.Kind)}
		}
	}
	for i, s := range r.States {
		if err := claim(fmt.Sprintf("states[%d]", i), s); err != nil {
			return err
		}
	}

	for i, p := range r.InitialPoints {
		for _, v := range r.VOCS.Variables {
			x, ok := p[v.Name]
			if !ok {
				return &ValidationError{Field: fmt.Sprintf("initial_points[%d]", i), Reason: fmt.Sprintf("missing variable %q", v.Name)}
			}
			if x < v.Lower || x > v.Upper {
				return &ValidationError{Field: fmt.Sprintf("initial_points[%d]", i), Reason: fmt.Sprintf("%s=%g outside bounds", v.Name, x)}
			}
		}
	}

	if r.Termination != nil {
		if err := r.Termination.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidationError reports an invalid routine field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
