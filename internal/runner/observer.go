package runner

import (
	"encoding/json"
	"math"
	"time"
)

// Progress is the data broadcast for one appended row. Objective values are
// sign-flipped for objectives that are maximized, so that lower is always better.
type Progress struct {
	Row         int       `json:"row"`
	Variables   []float64 `json:"variables"`
	Objectives  []float64 `json:"objectives"`
	Constraints []float64 `json:"constraints"`
	States      []float64 `json:"states"`
	Timestamp   time.Time `json:"timestamp"`
}

// MarshalJSON encodes non-finite values as null.
func (p Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Row         int        `json:"row"`
		Variables   []*float64 `json:"variables"`
		Objectives  []*float64 `json:"objectives"`
		Constraints []*float64 `json:"constraints"`
		States      []*float64 `json:"states"`
		Timestamp   time.Time  `json:"timestamp"`
	}{
		Row:         p.Row,
		Variables:   nullable(p.Variables),
		Objectives:  nullable(p.Objectives),
		Constraints: nullable(p.Constraints),
		States:      nullable(p.States),
		Timestamp:   p.Timestamp,
	})
}

func nullable(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i := range values {
		if !math.IsNaN(values[i]) && !math.IsInf(values[i], 0) {
			out[i] = &values[i]
		}
	}
	return out
}

// Observer receives run notifications. Methods are called from the goroutine
// executing Run and must not block for long.
type Observer interface {
	// OnEnvReady carries the initial values of the routine variables.
	OnEnvReady(initial []float64)
	OnProgress(p Progress)
	// OnFinished is emitted once when Run returns, before OnError or OnInfo.
	OnFinished()
	OnError(err error)
	OnInfo(msg string)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	EnvReady func(initial []float64)
	Progress func(p Progress)
	Finished func()
	Error    func(err error)
	Info     func(msg string)
}

func (o ObserverFuncs) OnEnvReady(initial []float64) {
	if o.EnvReady != nil {
		o.EnvReady(initial)
	}
}

func (o ObserverFuncs) OnProgress(p Progress) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

func (o ObserverFuncs) OnFinished() {
	if o.Finished != nil {
		o.Finished()
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnInfo(msg string) {
	if o.Info != nil {
		o.Info(msg)
	}
}

// MultiObserver fans every notification out to each observer in order.
type MultiObserver []Observer

func (m MultiObserver) OnEnvReady(initial []float64) {
	for _, o := range m {
		o.OnEnvReady(initial)
	}
}

func (m MultiObserver) OnProgress(p Progress) {
	for _, o := range m {
		o.OnProgress(p)
	}
}

func (m MultiObserver) OnFinished() {
	for _, o := range m {
		o.OnFinished()
	}
}

func (m MultiObserver) OnError(err error) {
	for _, o := range m {
		o.OnError(err)
	}
}

func (m MultiObserver) OnInfo(msg string) {
	for _, o := range m {
		o.OnInfo(msg)
	}
}
