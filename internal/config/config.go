/*
Package config loads the service configuration of perfscepter.

The configuration is a yaml file. Environment variables referenced as $VAR or ${VAR} are expanded
before decoding, after loading an optional .env file. Missing values are filled with defaults and the
result is validated.
*/
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/DominicWuest/perfscepter/internal/backend/docker"
	"github.com/DominicWuest/perfscepter/internal/gitrepo"
	"github.com/DominicWuest/perfscepter/internal/store/badgerkv"
	"github.com/DominicWuest/perfscepter/internal/store/rediskv"
	"github.com/DominicWuest/perfscepter/pkg/job"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/DominicWuest/perfscepter/pkg/recovery"
	"github.com/DominicWuest/perfscepter/pkg/scheduler"
	"github.com/DominicWuest/perfscepter/pkg/timing"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of all perfscepter components.
type Config struct {
	Store StoreConfig `yaml:"store"`
	Cache CacheConfig `yaml:"cache"`

	Driver    job.Options             `yaml:"driver"`
	Scheduler scheduler.Options       `yaml:"scheduler"`
	Recovery  recovery.Options        `yaml:"recovery"`
	Timing    timing.EstimatorOptions `yaml:"timing"`
	Isolates  quest.IsolateOptions    `yaml:"isolates"`

	Docker       docker.Config             `yaml:"docker"`
	Results      ResultsConfig             `yaml:"results"`
	Repositories map[string]gitrepo.Config `yaml:"repositories" validate:"dive"`

	Server ServerConfig `yaml:"server"`
	Cron   CronConfig   `yaml:"cron"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Driver string `yaml:"driver" default:"sqlite" validate:"oneof=memory sqlite postgres"`
	DSN    string `yaml:"dsn" default:"perfscepter.db" validate:"required_unless=Driver memory"`
}

// CacheConfig selects the key-value store holding isolates, build states and retry counters.
type CacheConfig struct {
	Driver string           `yaml:"driver" default:"badger" validate:"oneof=memory badger redis"`
	Badger *badgerkv.Config `yaml:"badger" validate:"required_if=Driver badger"`
	Redis  *rediskv.Config  `yaml:"redis" validate:"required_if=Driver redis"`
}

// ResultsConfig configures where task outputs are read from.
type ResultsConfig struct {
	GCS bool `yaml:"gcs"` // Read gs:// result references with the application default credentials
}

// ServerConfig configures the inspection API.
type ServerConfig struct {
	Addr   string   `yaml:"addr" default:":8080"`
	Admins []string `yaml:"admins"` // Users which may cancel any job
}

// CronConfig holds the schedules on which serve runs the triggers, in cron syntax.
// An empty schedule disables the trigger.
type CronConfig struct {
	Tick    string `yaml:"tick" default:"@every 1m"`
	Recover string `yaml:"recover" default:"@every 15m"`
	Fetch   string `yaml:"fetch" default:"@every 10m"` // Fetches all repositories
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration at path, loading a .env file in the working directory first if one exists.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithHint(errors.Wrapf(err, "failed to open configuration %s", path), "Pass the configuration with --config.")
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a configuration in yaml format from r.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration")
	}
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, errors.Wrap(err, "failed to decode configuration")
		}
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set configuration defaults")
	}
	if cfg.Cache.Driver == "badger" && cfg.Cache.Badger == nil {
		cfg.Cache.Badger = &badgerkv.Config{Path: "perfscepter-cache"}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid configuration"), "Check the required fields of the configuration.")
	}
	return cfg, nil
}
