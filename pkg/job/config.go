package job

import (
	"io"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/compare"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type jobYaml struct {
	Owner         string `yaml:"owner" validate:"required"`
	Configuration string `yaml:"configuration" validate:"required"`
	Mode          string `yaml:"comparisonMode" default:"performance" validate:"oneof=functional performance"`

	Repository  string         `yaml:"repository" validate:"required"`
	StartCommit string         `yaml:"startCommit" validate:"required"`
	EndCommit   string         `yaml:"endCommit" validate:"required"`
	Patches     []change.Patch `yaml:"patches" validate:"dive"` // Applied to every tested commit

	Builder        string `yaml:"builder" validate:"required"`
	Target         string `yaml:"target" validate:"required"`
	FallbackTarget string `yaml:"fallbackTarget"`
	Bucket         string `yaml:"bucket"`

	Benchmark  string            `yaml:"benchmark" validate:"required"`
	Story      string            `yaml:"story"`
	Command    []string          `yaml:"command"`
	ExtraArgs  string            `yaml:"extraArgs"`
	Dimensions map[string]string `yaml:"dimensions"`
	Timeout    time.Duration     `yaml:"timeout" default:"1h"`
	WebRtc     bool              `yaml:"webrtc"` // Run a WebRTC perf test binary instead of a benchmark harness

	Metric    string `yaml:"metric" validate:"required_if=Mode performance"`
	Statistic string `yaml:"statistic" validate:"omitempty,oneof=avg std count max min sum"`
	File      string `yaml:"resultFile"`
	Format    string `yaml:"resultFormat" validate:"omitempty,oneof=histograms chartjson graphjson"`

	RetryCount int `yaml:"retryCount" validate:"min=0"` // Retries of transient quest failures, 0 for the default
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// GetJobFromConfig reads in a job request in yaml format from a reader and initializes the
// corresponding queued job, including the quests every change goes through.
func GetJobFromConfig(r io.Reader) (*Job, error) {
	var config jobYaml

	// Read in yaml
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, errors.Wrap(err, "failed to decode job request")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set job request defaults")
	}
	if err := validate.Struct(&config); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid job request"), "check the required fields of the job request")
	}

	specs, err := quest.EncodeAll(config.quests()...)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Job{
		ID:            uuid.NewString(),
		Owner:         config.Owner,
		Configuration: config.Configuration,
		Mode:          compare.Mode(config.Mode),

		Benchmark: config.Benchmark,
		Story:     config.Story,

		Quests: specs,
		Changes: []*ChangeState{
			{Change: change.New(config.Repository, config.StartCommit, config.Patches...)},
			{Change: change.New(config.Repository, config.EndCommit, config.Patches...)},
		},

		Status:  Queued,
		Created: now,
		Updated: now,
	}, nil
}

// quests returns the quests of the request: a build, a test run and, if a metric is
// measured, reading it from the test output.
func (c jobYaml) quests() []quest.Quest {
	find := &quest.FindIsolated{
		Builder:        c.Builder,
		Target:         c.Target,
		FallbackTarget: c.FallbackTarget,
		Bucket:         c.Bucket,
		RetryLimit:     c.RetryCount,
	}
	run := quest.RunTest{
		Command:    c.Command,
		Benchmark:  c.Benchmark,
		Story:      c.Story,
		ExtraArgs:  c.ExtraArgs,
		Dimensions: c.Dimensions,
		Timeout:    c.Timeout,
		RetryLimit: c.RetryCount,
	}

	quests := []quest.Quest{find, &run}
	if c.WebRtc {
		quests[1] = &quest.RunWebRtcTest{RunTest: run}
	}
	if c.Metric != "" {
		quests = append(quests, &quest.ReadTestResults{
			Metric:     c.Metric,
			Story:      c.Story,
			File:       c.File,
			Format:     c.Format,
			Statistic:  c.Statistic,
			RetryLimit: c.RetryCount,
		})
	}
	return quests
}
