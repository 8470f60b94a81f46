// Package config loads labelmesh settings from YAML and turns them into
// policies, utilities, loggers and human sources.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/labelmesh/distribution"
	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/humansource"
	"github.com/hupe1980/labelmesh/logging"
	"github.com/hupe1980/labelmesh/policy"
	"github.com/hupe1980/labelmesh/utility"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPolicy is returned for a policy name BuildPolicy cannot build.
var ErrUnknownPolicy = errors.New("unknown policy")

// Config is the root configuration structure.
type Config struct {
	Policy  PolicyConfig  `yaml:"policy"`
	Utility UtilityConfig `yaml:"utility"`
	Episode EpisodeConfig `yaml:"episode"`
	Crowd   CrowdConfig   `yaml:"crowd"`
	Logging LoggingConfig `yaml:"logging"`
}

// PolicyConfig selects and tunes the deciding policy.
type PolicyConfig struct {
	// Name is one of threshold, nvote, mcts, exhaustive or random.
	Name string `yaml:"name"`
	// Fallback, when set, names the policy consulted if Name finds no
	// decision.
	Fallback string `yaml:"fallback"`

	Threshold  float64 `yaml:"threshold"`
	Discount   float64 `yaml:"discount"`
	Votes      int     `yaml:"votes"`
	Iterations int     `yaml:"iterations"`
	Workers    int     `yaml:"workers"`
	// Exploration is the UCT constant.
	Exploration float64 `yaml:"exploration"`
	NodeCap     int     `yaml:"node_cap"`
	Seed        uint64  `yaml:"seed"`
}

// UtilityConfig tunes the uncertainty utility.
type UtilityConfig struct {
	// TimeAware charges elapsed time.
	TimeAware         bool    `yaml:"time_aware"`
	QueryCost         float64 `yaml:"query_cost"`
	JobPostingCost    float64 `yaml:"job_posting_cost"`
	TimeCostPerSecond float64 `yaml:"time_cost_per_second"`
}

// EpisodeConfig holds defaults for new episodes.
type EpisodeConfig struct {
	MaxJobPostings int       `yaml:"max_job_postings"`
	Weights        []float64 `yaml:"weights"`
}

// CrowdConfig describes a synthetic crowd.
type CrowdConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	Correctness  float64       `yaml:"correctness"`
	FailureRate  float64       `yaml:"failure_rate"`
	Delay        time.Duration `yaml:"delay"`
	ArrivalDelay time.Duration `yaml:"arrival_delay"`
	Speedup      float64       `yaml:"speedup"`
	Seed         uint64        `yaml:"seed"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Policy: PolicyConfig{
			Name:        "threshold",
			Threshold:   policy.DefaultThresholdOptions.Threshold,
			Discount:    policy.DefaultThresholdOptions.Discount,
			Votes:       policy.DefaultNVoteOptions.Votes,
			Iterations:  policy.DefaultMCTSOptions.Iterations,
			Workers:     policy.DefaultMCTSOptions.Workers,
			Exploration: policy.DefaultMCTSOptions.Exploration,
			NodeCap:     policy.DefaultExhaustiveOptions.NodeCap,
			Seed:        policy.DefaultMCTSOptions.Seed,
		},
		Utility: UtilityConfig{
			QueryCost:         utility.DefaultOptions.QueryCost,
			JobPostingCost:    utility.DefaultOptions.JobPostingCost,
			TimeCostPerSecond: utility.DefaultOptions.TimeCostPerSecond,
		},
		Episode: EpisodeConfig{
			MaxJobPostings: episode.DefaultOptions.MaxJobPostings,
			Weights:        append([]float64(nil), episode.DefaultOptions.Weights...),
		},
		Crowd: CrowdConfig{
			PoolSize:     humansource.DefaultCrowdOptions.PoolSize,
			Correctness:  humansource.DefaultCrowdOptions.Correctness,
			FailureRate:  humansource.DefaultCrowdOptions.FailureRate,
			Delay:        2 * time.Second,
			ArrivalDelay: 500 * time.Millisecond,
			Speedup:      humansource.DefaultCrowdOptions.Speedup,
			Seed:         humansource.DefaultCrowdOptions.Seed,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the defaults if path is
// empty or missing.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// BuildPolicy constructs the configured policy, wrapped with its fallback
// when one is named. prior may be nil; it feeds past answers to nvote.
func (c *Config) BuildPolicy(logger logging.Logger, prior policy.VoteSource) (policy.Policy, error) {
	primary, err := c.buildPolicy(c.Policy.Name, logger, prior)
	if err != nil {
		return nil, err
	}
	if c.Policy.Fallback == "" {
		return primary, nil
	}
	secondary, err := c.buildPolicy(c.Policy.Fallback, logger, prior)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return policy.Fallback(primary, secondary), nil
}

func (c *Config) buildPolicy(name string, logger logging.Logger, prior policy.VoteSource) (policy.Policy, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	p := c.Policy
	switch strings.ToLower(name) {
	case "", "threshold":
		return policy.NewThreshold(func(o *policy.ThresholdOptions) {
			o.Threshold = p.Threshold
			o.Discount = p.Discount
		}), nil
	case "nvote":
		return policy.NewNVote(func(o *policy.NVoteOptions) {
			o.Votes = p.Votes
			o.Prior = prior
		}), nil
	case "mcts":
		return policy.NewMCTS(func(o *policy.MCTSOptions) {
			o.Iterations = p.Iterations
			o.Workers = p.Workers
			o.Exploration = p.Exploration
			o.Seed = p.Seed
			o.Logger = logger
		}), nil
	case "exhaustive":
		return policy.NewExhaustive(func(o *policy.ExhaustiveOptions) {
			o.NodeCap = p.NodeCap
			o.Logger = logger
		}), nil
	case "random":
		return policy.NewRandom(p.Seed), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// BuildUtility constructs the configured uncertainty utility.
func (c *Config) BuildUtility() *utility.Uncertainty {
	u := c.Utility
	opts := func(o *utility.Options) {
		o.QueryCost = u.QueryCost
		o.JobPostingCost = u.JobPostingCost
		o.TimeCostPerSecond = u.TimeCostPerSecond
	}
	if u.TimeAware {
		return utility.NewUncertainty(opts)
	}
	return utility.NewUncertaintyWithoutTime(opts)
}

// BuildLogger constructs the configured structured logger.
func (c *Config) BuildLogger() (*logging.StructuredLogger, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return logging.NewSlogLogger(level, c.Logging.Format, c.Logging.AddSource), nil
}

// BuildCrowd constructs a synthetic crowd answering with groundTruth.
func (c *Config) BuildCrowd(logger logging.Logger, groundTruth []int) *humansource.Crowd {
	cc := c.Crowd
	return humansource.NewCrowd(func(o *humansource.CrowdOptions) {
		o.GroundTruth = groundTruth
		o.PoolSize = cc.PoolSize
		o.Correctness = cc.Correctness
		o.FailureRate = cc.FailureRate
		o.Delay = distribution.Constant{Delay: cc.Delay}
		o.ArrivalDelay = distribution.Constant{Delay: cc.ArrivalDelay}
		o.Speedup = cc.Speedup
		o.Seed = cc.Seed
		if logger != nil {
			o.Logger = logger
		}
	})
}

// EpisodeOptions returns the episode defaults as an option function.
func (c *Config) EpisodeOptions() func(o *episode.Options) {
	e := c.Episode
	return func(o *episode.Options) {
		if e.MaxJobPostings > 0 {
			o.MaxJobPostings = e.MaxJobPostings
		}
		if len(e.Weights) > 0 {
			o.Weights = append([]float64(nil), e.Weights...)
		}
	}
}
