package config

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/labelmesh/core"
	"github.com/hupe1980/labelmesh/episode"
	"github.com/hupe1980/labelmesh/factorgraph"
	"github.com/hupe1980/labelmesh/humansource"
	"github.com/hupe1980/labelmesh/logging"
	"github.com/hupe1980/labelmesh/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "threshold", cfg.Policy.Name)
	assert.Equal(t, 2, cfg.Episode.MaxJobPostings)
	assert.False(t, cfg.Utility.TimeAware)
	assert.Equal(t, 10, cfg.Crowd.PoolSize)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
policy:
  name: mcts
  iterations: 50
  fallback: threshold
utility:
  time_aware: true
episode:
  max_job_postings: 3
  weights: [0.5]
crowd:
  delay: 250ms
logging:
  level: debug
  format: text
`))
	require.NoError(t, err)
	assert.Equal(t, "mcts", cfg.Policy.Name)
	assert.Equal(t, 50, cfg.Policy.Iterations)
	assert.Equal(t, policy.DefaultMCTSOptions.Workers, cfg.Policy.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Crowd.Delay)
	assert.Equal(t, 500*time.Millisecond, cfg.Crowd.ArrivalDelay)

	p, err := cfg.BuildPolicy(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)

	u := cfg.BuildUtility()
	assert.Equal(t, cfg.Utility.TimeCostPerSecond, u.Options().TimeCostPerSecond)

	opts := episode.DefaultOptions
	cfg.EpisodeOptions()(&opts)
	assert.Equal(t, 3, opts.MaxJobPostings)
	assert.Equal(t, []float64{0.5}, opts.Weights)

	logger, err := cfg.BuildLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("policy: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestBuildPolicy(t *testing.T) {
	tests := []struct {
		name string
		want any
	}{
		{"threshold", &policy.Threshold{}},
		{"NVote", &policy.NVote{}},
		{"mcts", &policy.MCTS{}},
		{"exhaustive", &policy.Exhaustive{}},
		{"random", &policy.Random{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Policy.Name = tt.name
			p, err := cfg.BuildPolicy(logging.NoOpLogger{}, nil)
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
		})
	}

	cfg := Default()
	cfg.Policy.Name = "oracle"
	_, err := cfg.BuildPolicy(nil, nil)
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	cfg = Default()
	cfg.Policy.Fallback = "oracle"
	_, err = cfg.BuildPolicy(nil, nil)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestBuildPolicy_DefaultNVoteCollectsEveryVote(t *testing.T) {
	cfg := Default()
	cfg.Policy.Name = "nvote"
	p, err := cfg.BuildPolicy(nil, nil)
	require.NoError(t, err)

	ep := episode.New(factorgraph.New(2), humansource.NewAgreementProvider(), cfg.EpisodeOptions())
	_, err = policy.Simulate(ep, p, cfg.BuildUtility(), rand.New(rand.NewPCG(3, 3)))
	require.NoError(t, err)

	assert.True(t, ep.IsTerminated())
	assert.Equal(t, cfg.Policy.Votes, ep.Attempts(0))
	assert.Greater(t, cfg.Policy.Votes, cfg.Episode.MaxJobPostings)
}

func TestBuildLogger_UnknownLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "chatty"
	_, err := cfg.BuildLogger()
	assert.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "labelmesh.yaml")
	cfg := Default()
	cfg.Policy.Name = "nvote"
	cfg.Policy.Votes = 5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nvote", loaded.Policy.Name)
	assert.Equal(t, 5, loaded.Policy.Votes)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	def, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), def)
}

func TestBuildCrowd(t *testing.T) {
	crowd := Default().BuildCrowd(nil, []int{1})
	assert.Equal(t, 10, crowd.AvailableHumans(core.Task{}))
}
