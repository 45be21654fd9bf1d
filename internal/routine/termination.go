package routine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TerminationKind tags which rule a TerminationCondition applies.
type TerminationKind string

const (
	// MaxEvaluations stops once the run record holds at least MaxEval rows.
	// It is checked after a whole batch is appended; a batch is never split,
	// so the record may end with more than MaxEval rows.
	MaxEvaluations TerminationKind = "max_eval"
	// MaxDuration stops once MaxTime has elapsed since the run started.
	MaxDuration TerminationKind = "max_time"
	// Tolerance stops once the best objective has not improved by Ftol
	// for Patience consecutive evaluations.
	Tolerance TerminationKind = "ftol"
)

// TerminationCondition is an optional rule that ends a run early.
//
// MaxTime is written as a duration string ("30s") in both YAML and JSON and is
// read from a Go duration string, a numeric string or a number of seconds.
// JSON accepts both camelCase and snake_case keys.
type TerminationCondition struct {
	Kind     TerminationKind `yaml:"kind" json:"kind"`
	MaxEval  int             `yaml:"max_eval,omitempty" json:"maxEval,omitempty"`
	MaxTime  time.Duration   `yaml:"max_time,omitempty" json:"maxTime,omitempty"`
	Ftol     float64         `yaml:"ftol,omitempty" json:"ftol,omitempty"`
	Patience int             `yaml:"patience,omitempty" json:"patience,omitempty"`
}

// Validate checks that the parameter of the selected kind is usable.
func (tc *TerminationCondition) Validate() error {
	switch tc.Kind {
	case MaxEvaluations:
		if tc.MaxEval <= 0 {
			return &ValidationError{Field: "termination.max_eval", Reason: "must be positive"}
		}
	case MaxDuration:
		if tc.MaxTime <= 0 {
			return &ValidationError{Field: "termination.max_time", Reason: "must be positive"}
		}
	case Tolerance:
		if tc.Ftol < 0 {
			return &ValidationError{Field: "termination.ftol", Reason: "cannot be negative"}
		}
		if tc.Patience <= 0 {
			return &ValidationError{Field: "termination.patience", Reason: "must be positive"}
		}
	default:
		return &ValidationError{Field: "termination.kind", Reason: fmt.Sprintf("unknown kind %q", tc.Kind)}
	}
	return nil
}

func (tc *TerminationCondition) String() string {
	switch tc.Kind {
	case MaxEvaluations:
		return fmt.Sprintf("max_eval(%d)", tc.MaxEval)
	case MaxDuration:
		return fmt.Sprintf("max_time(%s)", tc.MaxTime)
	case Tolerance:
		return fmt.Sprintf("ftol(%g, patience=%d)", tc.Ftol, tc.Patience)
	}
	return string(tc.Kind)
}

// ParseDuration accepts Go durations ("30s") and plain seconds ("2.5").
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

type terminationJSON struct {
	Kind     TerminationKind `json:"kind"`
	MaxEval  int             `json:"maxEval,omitempty"`
	MaxTime  string          `json:"maxTime,omitempty"`
	Ftol     float64         `json:"ftol,omitempty"`
	Patience int             `json:"patience,omitempty"`
}

func (tc TerminationCondition) MarshalJSON() ([]byte, error) {
	out := terminationJSON{
		Kind:     tc.Kind,
		MaxEval:  tc.MaxEval,
		Ftol:     tc.Ftol,
		Patience: tc.Patience,
	}
	if tc.MaxTime != 0 {
		out.MaxTime = tc.MaxTime.String()
	}
	return json.Marshal(out)
}

func (tc *TerminationCondition) UnmarshalJSON(data []byte) error {
	var in struct {
		Kind         TerminationKind `json:"kind"`
		MaxEval      *int            `json:"maxEval"`
		MaxEvalSnake *int            `json:"max_eval"`
		MaxTime      json.RawMessage `json:"maxTime"`
		MaxTimeSnake json.RawMessage `json:"max_time"`
		Ftol         float64         `json:"ftol"`
		Patience     int             `json:"patience"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return err
	}

	*tc = TerminationCondition{Kind: in.Kind, Ftol: in.Ftol, Patience: in.Patience}
	if in.MaxEval != nil {
		tc.MaxEval = *in.MaxEval
	} else if in.MaxEvalSnake != nil {
		tc.MaxEval = *in.MaxEvalSnake
	}

	raw := in.MaxTime
	if len(raw) == 0 {
		raw = in.MaxTimeSnake
	}
	d, err := jsonDuration(raw)
	if err != nil {
		return &ValidationError{Field: "termination.max_time", Reason: err.Error()}
	}
	tc.MaxTime = d
	return nil
}

// jsonDuration decodes a duration given as a string or as a number of seconds.
func jsonDuration(raw json.RawMessage) (time.Duration, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return ParseDuration(s)
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return 0, fmt.Errorf("invalid duration %s", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (tc TerminationCondition) MarshalYAML() (interface{}, error) {
	out := struct {
		Kind     TerminationKind `yaml:"kind"`
		MaxEval  int             `yaml:"max_eval,omitempty"`
		MaxTime  string          `yaml:"max_time,omitempty"`
		Ftol     float64         `yaml:"ftol,omitempty"`
		Patience int             `yaml:"patience,omitempty"`
	}{Kind: tc.Kind, MaxEval: tc.MaxEval, Ftol: tc.Ftol, Patience: tc.Patience}
	if tc.MaxTime != 0 {
		out.MaxTime = tc.MaxTime.String()
	}
	return out, nil
}

func (tc *TerminationCondition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: termination must be a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		switch key := value.Content[i]; key.Value {
		case "kind", "max_eval", "max_time", "ftol", "patience":
		default:
			return fmt.Errorf("line %d: field %s not found in termination", key.Line, key.Value)
		}
	}

	var in struct {
		Kind     TerminationKind `yaml:"kind"`
		MaxEval  int             `yaml:"max_eval"`
		MaxTime  yaml.Node       `yaml:"max_time"`
		Ftol     float64         `yaml:"ftol"`
		Patience int             `yaml:"patience"`
	}
	if err := value.Decode(&in); err != nil {
		return err
	}

	*tc = TerminationCondition{Kind: in.Kind, MaxEval: in.MaxEval, Ftol: in.Ftol, Patience: in.Patience}
	if in.MaxTime.Kind == yaml.ScalarNode && in.MaxTime.Value != "" {
		d, err := ParseDuration(in.MaxTime.Value)
		if err != nil {
			return &ValidationError{Field: "termination.max_time", Reason: err.Error()}
		}
		tc.MaxTime = d
	}
	return nil
}
