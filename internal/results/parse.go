package results

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/cockroachdb/errors"
)

// Supported output formats.
const (
	Histograms = "histograms" // A JSON list of histograms and their shared diagnostics
	ChartJSON  = "chartjson"  // {"charts": {metric: {story: {"values": [...]}}}}
	GraphJSON  = "graphjson"  // {metric: {"traces": {story: [value, stddev]}}}
)

// summaryTrace is the trace aggregating all stories in chart and graph JSON.
const summaryTrace = "summary"

// ErrMetricNotFound is returned when the output holds no samples of the requested metric.
var ErrMetricNotFound = errors.New("metric not found")

// DetectFormat guesses the format of the output in data.
func DetectFormat(data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return "", errors.New("empty output")
	}
	if trimmed[0] == '[' {
		return Histograms, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return "", errors.Wrap(err, "output is not JSON")
	}
	if _, ok := top["charts"]; ok {
		return ChartJSON, nil
	}
	return GraphJSON, nil
}

// Parse returns the samples of metric in data, restricted to story if it is not empty.
func Parse(data []byte, format, metric, story string) ([]float64, error) {
	var (
		values []float64
		err    error
	)
	switch format {
	case Histograms:
		values, err = parseHistograms(data, metric, story)
	case ChartJSON:
		values, err = parseChartJSON(data, metric, story)
	case GraphJSON:
		values, err = parseGraphJSON(data, metric, story)
	default:
		return nil, errors.Newf("unknown output format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		if story != "" {
			return nil, errors.Wrapf(ErrMetricNotFound, "no samples of %s for story %s", metric, story)
		}
		return nil, errors.Wrapf(ErrMetricNotFound, "no samples of %s", metric)
	}
	return values, nil
}

type histogramEntry struct {
	Name         string                     `json:"name"`
	Type         string                     `json:"type"`
	GUID         string                     `json:"guid"`
	Values       []json.RawMessage          `json:"values"`
	SampleValues []*float64                 `json:"sampleValues"`
	Diagnostics  map[string]json.RawMessage `json:"diagnostics"`
}

type genericSet struct {
	Type   string            `json:"type"`
	Values []json.RawMessage `json:"values"`
}

func parseHistograms(data []byte, metric, story string) ([]float64, error) {
	var entries []histogramEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "invalid histogram set")
	}

	shared := make(map[string][]string)
	for _, e := range entries {
		if e.Type == "GenericSet" && e.GUID != "" {
			shared[e.GUID] = stringValues(e.Values)
		}
	}

	var values []float64
	for _, e := range entries {
		if e.Name != metric {
			continue
		}
		if story != "" && !slices.Contains(stories(e.Diagnostics["stories"], shared), story) {
			continue
		}
		for _, v := range e.SampleValues {
			// Non-finite samples are encoded as null
			if v != nil {
				values = append(values, *v)
			}
		}
	}
	return values, nil
}

// stories resolves a stories diagnostic, which is either the guid of a shared generic set
// or an inline one.
func stories(diagnostic json.RawMessage, shared map[string][]string) []string {
	if len(diagnostic) == 0 {
		return nil
	}
	var guid string
	if err := json.Unmarshal(diagnostic, &guid); err == nil {
		return shared[guid]
	}
	var set genericSet
	if err := json.Unmarshal(diagnostic, &set); err == nil {
		return stringValues(set.Values)
	}
	return nil
}

func stringValues(raw []json.RawMessage) []string {
	var out []string
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

type chartTrace struct {
	Type   string    `json:"type"`
	Value  *float64  `json:"value"`
	Values []float64 `json:"values"`
}

func parseChartJSON(data []byte, metric, story string) ([]float64, error) {
	var chart struct {
		Charts map[string]map[string]chartTrace `json:"charts"`
	}
	if err := json.Unmarshal(data, &chart); err != nil {
		return nil, errors.Wrap(err, "invalid chart JSON")
	}
	traces, ok := chart.Charts[metric]
	if !ok {
		return nil, nil
	}
	if story == "" {
		story = summaryTrace
	}
	trace, ok := traces[story]
	if !ok {
		return nil, nil
	}
	if trace.Value != nil {
		return []float64{*trace.Value}, nil
	}
	return trace.Values, nil
}

func parseGraphJSON(data []byte, metric, story string) ([]float64, error) {
	var graph map[string]struct {
		Traces map[string][]json.Number `json:"traces"`
	}
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, errors.Wrap(err, "invalid graph JSON")
	}
	chart, ok := graph[metric]
	if !ok {
		return nil, nil
	}
	if story == "" {
		story = summaryTrace
	}
	trace := chart.Traces[story]
	if len(trace) == 0 {
		return nil, nil
	}
	// A trace is its value followed by the standard deviation
	value, err := trace[0].Float64()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid value of trace %s", story)
	}
	return []float64{value}, nil
}
