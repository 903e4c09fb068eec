package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpfbm/pkg/gp"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Positive(t, cfg.Processing.NumCores)
	assert.Len(t, cfg.Simulation.Particles, 2)
	assert.Equal(t, gp.DefaultSettings(), cfg.ModelSettings())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Optimizer, cfg.Optimizer)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gpfbm.yaml")

	cfg := DefaultConfig()
	cfg.Optimizer.Threshold = 1e-6
	cfg.Sampler.Samples = 5000
	cfg.Output.PixelSize = 0.108
	cfg.Output.LengthUnit = "um"
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1e-6, loaded.Optimizer.Threshold)
	assert.Equal(t, 5000, loaded.Sampler.Samples)
	assert.Equal(t, 0.108, loaded.Output.PixelSize)
	assert.Equal(t, "um", loaded.Output.LengthUnit)
	assert.Equal(t, cfg.Simulation.Particles, loaded.Simulation.Particles)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampler:\n  samples: 250\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Sampler.Samples)
	assert.Equal(t, 1e-4, cfg.Optimizer.Threshold)
	assert.Equal(t, 1000, cfg.Sampler.Calibration.BatchSize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("optimizer:\n  threshold: -1\n"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, os.WriteFile(path, []byte("optimizer: [not, a, map]\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"iterations": func(c *Config) { c.Optimizer.MaxIterations = 0 },
		"step":       func(c *Config) { c.Optimizer.Step = 0 },
		"length":     func(c *Config) { c.Model.MinCoupledLength = 0 },
		"samples":    func(c *Config) { c.Sampler.Samples = -1 },
		"batch":      func(c *Config) { c.Sampler.Calibration.BatchSize = 0 },
		"trials":     func(c *Config) { c.Simulation.Trials = 0 },
		"occlusion":  func(c *Config) { c.Simulation.Occlusion = 1 },
		"pixel":      func(c *Config) { c.Output.PixelSize = 0 },
		"particles":  func(c *Config) { c.Simulation.Particles = nil },
		"particle":   func(c *Config) { c.Simulation.Particles[0].A = 2.5 },
		"substrate":  func(c *Config) { c.Simulation.Substrate.D = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "minCoupledLength: 50")
	assert.Contains(t, string(data), "targetAcceptance: 0.25")
}
