package results

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const histogramSet = `[
	{"type": "GenericSet", "guid": "story-a", "values": ["Speedometer2"]},
	{"type": "GenericSet", "guid": "story-b", "values": ["JetStream"]},
	{"name": "RunsPerMinute", "unit": "unitless_biggerIsBetter", "sampleValues": [90.5, null, 91.5],
	 "diagnostics": {"stories": "story-a"}},
	{"name": "RunsPerMinute", "unit": "unitless_biggerIsBetter", "sampleValues": [10],
	 "diagnostics": {"stories": "story-b"}},
	{"name": "RunsPerMinute", "unit": "unitless_biggerIsBetter", "sampleValues": [92],
	 "diagnostics": {"stories": {"type": "GenericSet", "values": ["Speedometer2"]}}},
	{"name": "Total", "unit": "ms", "sampleValues": [5]}
]`

const chartJSON = `{
	"format_version": "1.0",
	"charts": {
		"timeToFirstFrame": {
			"summary": {"type": "list_of_scalar_values", "values": [10, 11, 12]},
			"video_call": {"type": "list_of_scalar_values", "values": [10, 12]},
			"audio_call": {"type": "scalar", "value": 3.5}
		}
	}
}`

const graphJSON = `{
	"bitrate": {"traces": {"summary": ["512.5", "3.1"], "hd": [1024, 2]}, "units": "kbps"}
}`

func TestParse(t *testing.T) {
	t.Run("Histogram samples are filtered by story", func(t *testing.T) {
		values, err := Parse([]byte(histogramSet), Histograms, "RunsPerMinute", "Speedometer2")
		require.Nil(t, err)
		assert.Equal(t, []float64{90.5, 91.5, 92}, values)
	})

	t.Run("Histogram samples of all stories are read without a story", func(t *testing.T) {
		values, err := Parse([]byte(histogramSet), Histograms, "RunsPerMinute", "")
		require.Nil(t, err)
		assert.Equal(t, []float64{90.5, 91.5, 10, 92}, values)
	})

	t.Run("Chart JSON traces are selected by story", func(t *testing.T) {
		values := []struct {
			story    string
			expected []float64
		}{
			{"", []float64{10, 11, 12}},
			{"video_call", []float64{10, 12}},
			{"audio_call", []float64{3.5}},
		}
		for _, v := range values {
			samples, err := Parse([]byte(chartJSON), ChartJSON, "timeToFirstFrame", v.story)
			require.Nil(t, err, "Failed to parse story %q", v.story)
			assert.Equal(t, v.expected, samples, "Wrong samples of story %q", v.story)
		}
	})

	t.Run("Graph JSON traces hold a single value", func(t *testing.T) {
		values, err := Parse([]byte(graphJSON), GraphJSON, "bitrate", "")
		require.Nil(t, err)
		assert.Equal(t, []float64{512.5}, values)

		values, err = Parse([]byte(graphJSON), GraphJSON, "bitrate", "hd")
		require.Nil(t, err)
		assert.Equal(t, []float64{1024}, values)
	})

	t.Run("Missing metrics are reported", func(t *testing.T) {
		values := []struct {
			format string
			data   string
			metric string
			story  string
		}{
			{Histograms, histogramSet, "Unknown", ""},
			{Histograms, histogramSet, "RunsPerMinute", "MotionMark"},
			{ChartJSON, chartJSON, "Unknown", ""},
			{ChartJSON, chartJSON, "timeToFirstFrame", "screenshare"},
			{GraphJSON, graphJSON, "Unknown", ""},
		}
		for _, v := range values {
			_, err := Parse([]byte(v.data), v.format, v.metric, v.story)
			assert.True(t, errors.Is(err, ErrMetricNotFound), "Expected missing metric for %s/%s in %s, got %v", v.metric, v.story, v.format, err)
		}
	})

	t.Run("Formats are detected", func(t *testing.T) {
		for data, expected := range map[string]string{
			histogramSet: Histograms,
			chartJSON:    ChartJSON,
			graphJSON:    GraphJSON,
		} {
			format, err := DetectFormat([]byte(data))
			require.Nil(t, err)
			assert.Equal(t, expected, format)
		}

		_, err := DetectFormat([]byte("  "))
		assert.NotNil(t, err)
		_, err = DetectFormat([]byte("not json"))
		assert.NotNil(t, err)
	})
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func TestService(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	out := filepath.Join(root, "task-1")
	require.Nil(t, os.MkdirAll(out, 0755))
	require.Nil(t, os.WriteFile(filepath.Join(out, "perf_results.json"), []byte(histogramSet), 0644))

	service := New(map[string]Fetcher{
		"file": Dir{Root: root},
		"gs":   failingFetcher{},
	}, nil)
	query := quest.MetricQuery{Metric: "RunsPerMinute", Story: "Speedometer2", File: "perf_results.json"}

	t.Run("Local outputs are read and their format detected", func(t *testing.T) {
		for _, ref := range []string{out, "file://" + out} {
			values, err := service.Samples(ctx, ref, query)
			require.Nil(t, err, "Failed to read %s", ref)
			assert.Equal(t, []float64{90.5, 91.5, 92}, values)
		}
	})

	t.Run("Missing outputs are not transient", func(t *testing.T) {
		q := query
		q.File = "missing.json"
		_, err := service.Samples(ctx, out, q)
		assert.True(t, errors.Is(err, ErrOutputNotFound), "Expected missing output, got %v", err)
		assert.False(t, quest.IsTransient(err))
	})

	t.Run("Outputs outside of the root are rejected", func(t *testing.T) {
		q := query
		q.File = "../../etc/passwd"
		_, err := service.Samples(ctx, out, q)
		assert.NotNil(t, err)
	})

	t.Run("Unreachable storage is transient", func(t *testing.T) {
		_, err := service.Samples(ctx, "gs://bucket/task-1", query)
		assert.True(t, quest.IsTransient(err), "Expected transient error, got %v", err)
	})

	t.Run("Unknown schemes are rejected", func(t *testing.T) {
		_, err := service.Samples(ctx, "s3://bucket/task-1", query)
		assert.NotNil(t, err)
		assert.False(t, quest.IsTransient(err))
	})
}

func TestParseGCSRef(t *testing.T) {
	values := []struct {
		ref, file      string
		bucket, object string
		valid          bool
	}{
		{"gs://results/job/task-1", "perf_results.json", "results", "job/task-1/perf_results.json", true},
		{"gs://results", "perf_results.json", "results", "perf_results.json", true},
		{"gs://results/", "out/histograms.json", "results", "out/histograms.json", true},
		{"gs:///task-1", "perf_results.json", "", "", false},
		{"gs://results", "", "", "", false},
		{"/tmp/results", "perf_results.json", "", "", false},
	}
	for _, v := range values {
		bucket, object, err := ParseGCSRef(v.ref, v.file)
		if !v.valid {
			assert.NotNil(t, err, "Invalid reference %s was accepted", v.ref)
			continue
		}
		require.Nil(t, err, "Failed to parse %s", v.ref)
		assert.Equal(t, v.bucket, bucket)
		assert.Equal(t, v.object, object)
	}
}
