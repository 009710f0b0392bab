package quest

import (
	"context"
	"fmt"

	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const ReadTestResultsKind Kind = "read_test_results"

// ReadTestResults reads the samples of a metric from the output referenced by the "result" argument.
type ReadTestResults struct {
	Metric string `json:"metric"`
	Story  string `json:"story,omitempty"`
	File   string `json:"file,omitempty"`   // Defaults to perf_results.json
	Format string `json:"format,omitempty"` // histograms, chartjson or graphjson, detected if empty

	// Statistic reduces the samples of one run to a single value.
	// One of avg, std, count, max, min or sum. All samples are kept if empty.
	Statistic string `json:"statistic,omitempty"`

	RetryLimit int `json:"retryCount,omitempty"` // 0 uses DefaultRetryCount
}

func (q *ReadTestResults) Kind() Kind {
	return ReadTestResultsKind
}

func (q *ReadTestResults) String() string {
	if q.Statistic != "" {
		return fmt.Sprintf("Read %s of %s", q.Statistic, q.Metric)
	}
	return fmt.Sprintf("Read %s", q.Metric)
}

func (q *ReadTestResults) RetryCount() int {
	return retryCount(q.RetryLimit)
}

func (q *ReadTestResults) Start(c change.Change, inputs Arguments) *Execution {
	return NewExecution(q, c, inputs)
}

func (q *ReadTestResults) Poll(ctx context.Context, env *Env, e *Execution) Outcome {
	if env.Results == nil {
		return Failed(errors.New("no result service configured"))
	}
	ref := e.Inputs["result"]
	if ref == "" {
		return Failed(errors.New("no test result to read was passed"))
	}

	file := q.File
	if file == "" {
		file = "perf_results.json"
	}
	values, err := env.Results.Samples(ctx, ref, MetricQuery{
		Metric: q.Metric,
		Story:  q.Story,
		File:   file,
		Format: q.Format,
	})
	if err != nil {
		return Failed(errors.Wrapf(err, "failed to read %s from %s", q.Metric, ref))
	}
	if len(values) == 0 {
		return Failed(errors.Newf("no samples of %s found in %s", q.Metric, ref))
	}

	values, err = reduce(q.Statistic, values)
	if err != nil {
		return Failed(err)
	}
	return Completed(Arguments{}, values...)
}

func reduce(statistic string, values []float64) ([]float64, error) {
	switch statistic {
	case "":
		return values, nil
	case "avg":
		return []float64{stat.Mean(values, nil)}, nil
	case "std":
		if len(values) < 2 {
			return []float64{0}, nil
		}
		return []float64{stat.StdDev(values, nil)}, nil
	case "count":
		return []float64{float64(len(values))}, nil
	case "max":
		return []float64{floats.Max(values)}, nil
	case "min":
		return []float64{floats.Min(values)}, nil
	case "sum":
		return []float64{floats.Sum(values)}, nil
	}
	return nil, errors.Newf("unknown statistic %q", statistic)
}
