/*
Package quest implements the stages a change goes through to produce a measurement.

A [Quest] is an immutable description of one stage, such as finding a build, running a test
on it or reading a metric from the test output. Starting a quest on a change creates an
[Execution], which is advanced by polling it until it completes or fails. The result
arguments of one execution are the inputs of the execution of the next quest, and the
executions of all quests of a job for one change form an [Attempt].

Quests never talk to the outside world directly; they use the collaborators passed in an [Env].
*/
package quest

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// DefaultRetryCount is the number of times a transient failure of a quest is retried
// if the quest does not specify otherwise.
const DefaultRetryCount = 2

// Kind identifies a quest type.
type Kind string

// Arguments are the inputs and results of executions.
type Arguments map[string]string

// A Quest is one stage of the pipeline producing a measurement for a change.
type Quest interface {
	Kind() Kind
	String() string

	// RetryCount is the number of times a transient failure is retried before the execution fails.
	RetryCount() int

	// Start creates a new pending execution of the quest for change c.
	Start(c change.Change, inputs Arguments) *Execution

	// Poll advances the execution e. It may record handles of remote work in e.State.
	Poll(ctx context.Context, env *Env, e *Execution) Outcome
}

// Outcome is the result of polling an execution once.
type Outcome struct {
	Done    bool
	Results Arguments
	Values  []float64
	Err     error
}

// Pending signals that the execution is still waiting on remote work.
func Pending() Outcome {
	return Outcome{}
}

// Completed signals a successful execution.
func Completed(results Arguments, values ...float64) Outcome {
	return Outcome{Done: true, Results: results, Values: values}
}

// Failed signals a failed execution. The failure is retried if err is marked with [Transient].
func Failed(err error) Outcome {
	return Outcome{Done: true, Err: err}
}

// Env holds the collaborators quests use.
type Env struct {
	Builds   BuildService
	Tasks    TaskService
	Results  ResultService
	Isolates *IsolateCache
	Quests   Registry // Decodes the quests of jobs, the built-in quests if nil

	Log logrus.FieldLogger
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var mutedLog = func() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}()

// DecodeAll restores the quests serialized in specs with the registry of e.
func (e *Env) DecodeAll(specs []Spec) ([]Quest, error) {
	if e == nil || e.Quests == nil {
		return DecodeAll(specs)
	}
	return e.Quests.DecodeAll(specs)
}

func (e *Env) log() logrus.FieldLogger {
	if e.Log == nil {
		return mutedLog
	}
	return e.Log
}

// A Spec is the serialized form of a quest.
type Spec struct {
	Kind Kind            `json:"kind"`
	Args json.RawMessage `json:"args"`
}

// A Registry constructs empty quests by kind, so their specs can be decoded.
type Registry map[Kind]func() Quest

// NewRegistry returns a registry of the built-in quests.
func NewRegistry() Registry {
	return Registry{
		FindIsolatedKind:    func() Quest { return &FindIsolated{} },
		RunTestKind:         func() Quest { return &RunTest{} },
		RunWebRtcTestKind:   func() Quest { return &RunWebRtcTest{} },
		ReadTestResultsKind: func() Quest { return &ReadTestResults{} },
	}
}

// Register makes a quest kind known to r.
func (r Registry) Register(kind Kind, factory func() Quest) {
	r[kind] = factory
}

// Encode serializes q.
func Encode(q Quest) (Spec, error) {
	args, err := json.Marshal(q)
	if err != nil {
		return Spec{}, errors.Wrapf(err, "failed to encode quest %s", q)
	}
	return Spec{Kind: q.Kind(), Args: args}, nil
}

// Decode restores the quest serialized in s.
func (r Registry) Decode(s Spec) (Quest, error) {
	factory, ok := r[s.Kind]
	if !ok {
		return nil, errors.Newf("unknown quest kind %q", s.Kind)
	}
	q := factory()
	if len(s.Args) > 0 {
		if err := json.Unmarshal(s.Args, q); err != nil {
			return nil, errors.Wrapf(err, "failed to decode quest of kind %s", s.Kind)
		}
	}
	return q, nil
}

// DecodeAll restores all quests serialized in specs.
func (r Registry) DecodeAll(specs []Spec) ([]Quest, error) {
	quests := make([]Quest, len(specs))
	for i, s := range specs {
		var err error
		if quests[i], err = r.Decode(s); err != nil {
			return nil, err
		}
	}
	return quests, nil
}

// Decode restores the built-in quest serialized in s.
func Decode(s Spec) (Quest, error) {
	return NewRegistry().Decode(s)
}

// EncodeAll serializes all passed quests.
func EncodeAll(quests ...Quest) ([]Spec, error) {
	specs := make([]Spec, len(quests))
	for i, q := range quests {
		var err error
		if specs[i], err = Encode(q); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

// DecodeAll restores all built-in quests serialized in specs.
func DecodeAll(specs []Spec) ([]Quest, error) {
	return NewRegistry().DecodeAll(specs)
}

func retryCount(limit int) int {
	if limit <= 0 {
		return DefaultRetryCount
	}
	return limit
}
