package routine

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	timestampLayout     = "02-Jan-2006 15:04:05"
	fullTimestampLayout = "02-Jan-2006 15:04:05.000000"
)

// Row is one evaluation in a Record. Values follow the record's value columns.
type Row struct {
	Timestamp time.Time
	Values    []float64
}

// Record is the append-only table of evaluations of one run.
// The column set is fixed at construction.
//
// Record is not safe for concurrent mutation; the run controller is its only writer.
// Readers on other goroutines must work on a Snapshot.
type Record struct {
	objectives    []string
	constraints   []string
	variables     []string
	states        []string
	fullTimestamp bool
	rows          []Row
}

// NewRecord creates an empty record with columns taken from the routine.
func NewRecord(r *Routine, fullTimestamp bool) *Record {
	return &Record{
		objectives:    r.VOCS.ObjectiveNames(),
		constraints:   r.VOCS.ConstraintNames(),
		variables:     r.VOCS.VariableNames(),
		states:        append([]string{}, r.States...),
		fullTimestamp: fullTimestamp,
	}
}

// Columns returns the full column list including the two timestamp columns.
func (rec *Record) Columns() []string {
	cols := []string{"timestamp_raw", "timestamp"}
	return append(cols, rec.ValueColumns()...)
}

// ValueColumns returns objective, constraint, variable and state columns in that order.
func (rec *Record) ValueColumns() []string {
	cols := make([]string, 0, rec.width())
	cols = append(cols, rec.objectives...)
	cols = append(cols, rec.constraints...)
	cols = append(cols, rec.variables...)
	cols = append(cols, rec.states...)
	return cols
}

func (rec *Record) width() int {
	return len(rec.objectives) + len(rec.constraints) + len(rec.variables) + len(rec.states)
}

// Len returns the number of rows.
func (rec *Record) Len() int {
	return len(rec.rows)
}

// Append adds a row and returns the timestamp actually stored.
// A timestamp earlier than the previous row is raised to the previous row's timestamp.
func (rec *Record) Append(ts time.Time, objectives, constraints, variables, states []float64) (time.Time, error) {
	if len(objectives) != len(rec.objectives) ||
		len(constraints) != len(rec.constraints) ||
		len(variables) != len(rec.variables) ||
		len(states) != len(rec.states) {
		return time.Time{}, fmt.Errorf("row shape mismatch: got %d/%d/%d/%d values, want %d/%d/%d/%d",
			len(objectives), len(constraints), len(variables), len(states),
			len(rec.objectives), len(rec.constraints), len(rec.variables), len(rec.states))
	}
	if n := len(rec.rows); n > 0 && ts.Before(rec.rows[n-1].Timestamp) {
		ts = rec.rows[n-1].Timestamp
	}

	values := make([]float64, 0, rec.width())
	values = append(values, objectives...)
	values = append(values, constraints...)
	values = append(values, variables...)
	values = append(values, states...)

	rec.rows = append(rec.rows, Row{Timestamp: ts, Values: values})
	return ts, nil
}

// Rows returns a copy of all rows.
func (rec *Record) Rows() []Row {
	out := make([]Row, len(rec.rows))
	for i, r := range rec.rows {
		out[i] = Row{Timestamp: r.Timestamp, Values: append([]float64{}, r.Values...)}
	}
	return out
}

// Column returns every value of the named column, or false if it does not exist.
func (rec *Record) Column(name string) ([]float64, bool) {
	idx := -1
	for i, c := range rec.ValueColumns() {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]float64, len(rec.rows))
	for i, r := range rec.rows {
		out[i] = r.Values[idx]
	}
	return out, true
}

// Snapshot returns a deep copy that can be handed to other goroutines.
func (rec *Record) Snapshot() *Record {
	return &Record{
		objectives:    append([]string{}, rec.objectives...),
		constraints:   append([]string{}, rec.constraints...),
		variables:     append([]string{}, rec.variables...),
		states:        append([]string{}, rec.states...),
		fullTimestamp: rec.fullTimestamp,
		rows:          rec.Rows(),
	}
}

// FormatTimestamp renders ts in the record's display layout.
func (rec *Record) FormatTimestamp(ts time.Time) string {
	if rec.fullTimestamp {
		return ts.Format(fullTimestampLayout)
	}
	return ts.Format(timestampLayout)
}

type recordJSON struct {
	Objectives    []string        `json:"objectives"`
	Constraints   []string        `json:"constraints"`
	Variables     []string        `json:"variables"`
	States        []string        `json:"states"`
	FullTimestamp bool            `json:"fullTimestamp,omitempty"`
	Columns       []string        `json:"columns"`
	Rows          [][]interface{} `json:"rows"`
}

// MarshalJSON encodes the record as a column list plus row arrays.
// Each row starts with the raw Unix timestamp and the formatted timestamp.
// NaN values are encoded as null.
func (rec *Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		Objectives:    nonNil(rec.objectives),
		Constraints:   nonNil(rec.constraints),
		Variables:     nonNil(rec.variables),
		States:        nonNil(rec.states),
		FullTimestamp: rec.fullTimestamp,
		Columns:       rec.Columns(),
		Rows:          make([][]interface{}, len(rec.rows)),
	}
	for i, r := range rec.rows {
		row := make([]interface{}, 0, len(r.Values)+2)
		row = append(row, float64(r.Timestamp.UnixNano())/1e9, rec.FormatTimestamp(r.Timestamp))
		for _, v := range r.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				row = append(row, nil)
			} else {
				row = append(row, v)
			}
		}
		out.Rows[i] = row
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a record written by MarshalJSON.
func (rec *Record) UnmarshalJSON(data []byte) error {
	var in struct {
		Objectives    []string          `json:"objectives"`
		Constraints   []string          `json:"constraints"`
		Variables     []string          `json:"variables"`
		States        []string          `json:"states"`
		FullTimestamp bool              `json:"fullTimestamp"`
		RawRows       []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	rec.objectives = in.Objectives
	rec.constraints = in.Constraints
	rec.variables = in.Variables
	rec.states = in.States
	rec.fullTimestamp = in.FullTimestamp
	rec.rows = make([]Row, 0, len(in.RawRows))

	width := rec.width()
	for i, raw := range in.RawRows {
		var cells []json.RawMessage
		if err := json.Unmarshal(raw, &cells); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if len(cells) != width+2 {
			return fmt.Errorf("row %d: expected %d cells, got %d", i, width+2, len(cells))
		}
		var tsRaw float64
		if err := json.Unmarshal(cells[0], &tsRaw); err != nil {
			return fmt.Errorf("row %d timestamp: %w", i, err)
		}
		sec, frac := math.Modf(tsRaw)
		values := make([]float64, width)
		for j := range values {
			var v *float64
			if err := json.Unmarshal(cells[j+2], &v); err != nil {
				return fmt.Errorf("row %d column %d: %w", i, j, err)
			}
			if v == nil {
				values[j] = math.NaN()
			} else {
				values[j] = *v
			}
		}
		rec.rows = append(rec.rows, Row{
			Timestamp: time.Unix(int64(sec), int64(frac*1e9)),
			Values:    values,
		})
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
