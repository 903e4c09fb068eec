// Package config provides configuration loading and management for gpfbm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"gpfbm/pkg/gp"
	"gpfbm/pkg/mcmc"
	"gpfbm/pkg/simulate"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many trials run in parallel
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Simplex optimizer parameters
	Optimizer struct {
		// Threshold is the simplex size at which a fit is accepted
		Threshold float64 `yaml:"threshold"`

		// Step displaces the initial simplex vertices
		Step float64 `yaml:"step"`

		// MaxIterations caps each optimization
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"optimizer"`

	// Model data requirements
	Model struct {
		// MinSingleLength is the fewest samples a single fit accepts
		MinSingleLength int `yaml:"minSingleLength"`

		// MinCoupledLength is the fewest shared frames a coupled fit accepts
		MinCoupledLength int `yaml:"minCoupledLength"`
	} `yaml:"model"`

	// Posterior sampler parameters
	Sampler struct {
		// Samples is the number of posterior draws; zero skips sampling
		Samples int `yaml:"samples"`

		// Workers is the number of chains; zero uses half the CPUs
		Workers int `yaml:"workers"`

		// Seed seeds the chains
		Seed uint64 `yaml:"seed"`

		Calibration mcmc.Calibration `yaml:"calibration"`
	} `yaml:"sampler"`

	// Synthetic experiment parameters
	Simulation struct {
		// Particles lists the dynamics of each simulated particle
		Particles []simulate.Params `yaml:"particles"`

		// Substrate is the shared motion added to every particle
		Substrate simulate.Params `yaml:"substrate"`

		// Occlusion is the probability of dropping each frame
		Occlusion float64 `yaml:"occlusion"`

		// Trials is the number of independent repetitions
		Trials int `yaml:"trials"`

		// Seed seeds the first trial; trial i uses Seed+i
		Seed uint64 `yaml:"seed"`
	} `yaml:"simulation"`

	// Output parameters
	Output struct {
		// PixelSize is the physical length of one pixel
		PixelSize float64 `yaml:"pixelSize"`

		// LengthUnit names the physical length unit
		LengthUnit string `yaml:"lengthUnit"`

		// TimeUnit names the time unit
		TimeUnit string `yaml:"timeUnit"`

		// Verbose enables diagnostic logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	model := gp.DefaultSettings()
	cfg.Optimizer.Threshold = model.Threshold
	cfg.Optimizer.Step = model.Step
	cfg.Optimizer.MaxIterations = model.MaxIterations

	cfg.Model.MinSingleLength = model.MinSingleLength
	cfg.Model.MinCoupledLength = model.MinCoupledLength

	cfg.Sampler.Samples = 0
	cfg.Sampler.Workers = 0
	cfg.Sampler.Seed = 1
	cfg.Sampler.Calibration = mcmc.DefaultCalibration()

	cfg.Simulation.Particles = []simulate.Params{
		{Frames: 150, Dt: 0.5, D: 0.1, A: 0.45, Precision: 0.05},
		{Frames: 150, Dt: 0.5, D: 0.08, A: 0.5, Precision: 0.05},
	}
	cfg.Simulation.Substrate = simulate.Params{Frames: 150, Dt: 0.5, D: 0.5, A: 1.0}
	cfg.Simulation.Occlusion = 0
	cfg.Simulation.Trials = 1
	cfg.Simulation.Seed = 1

	cfg.Output.PixelSize = 1.0
	cfg.Output.LengthUnit = "px"
	cfg.Output.TimeUnit = "s"
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks for values no run can use.
func (c *Config) Validate() error {
	switch {
	case c.Optimizer.Threshold <= 0:
		return fmt.Errorf("%w: optimizer threshold %g", ErrInvalid, c.Optimizer.Threshold)
	case c.Optimizer.Step == 0:
		return fmt.Errorf("%w: optimizer step is zero", ErrInvalid)
	case c.Optimizer.MaxIterations < 1:
		return fmt.Errorf("%w: optimizer maxIterations %d", ErrInvalid, c.Optimizer.MaxIterations)
	case c.Model.MinSingleLength < 1 || c.Model.MinCoupledLength < 1:
		return fmt.Errorf("%w: minimum lengths must be positive", ErrInvalid)
	case c.Sampler.Samples < 0:
		return fmt.Errorf("%w: sampler samples %d", ErrInvalid, c.Sampler.Samples)
	case c.Sampler.Calibration.BatchSize < 1 || c.Sampler.Calibration.InitialStep <= 0:
		return fmt.Errorf("%w: sampler calibration", ErrInvalid)
	case c.Simulation.Trials < 1:
		return fmt.Errorf("%w: simulation trials %d", ErrInvalid, c.Simulation.Trials)
	case c.Simulation.Occlusion < 0 || c.Simulation.Occlusion >= 1:
		return fmt.Errorf("%w: occlusion %g", ErrInvalid, c.Simulation.Occlusion)
	case c.Output.PixelSize <= 0:
		return fmt.Errorf("%w: pixel size %g", ErrInvalid, c.Output.PixelSize)
	}

	if len(c.Simulation.Particles) == 0 {
		return fmt.Errorf("%w: no simulated particles", ErrInvalid)
	}
	for i, p := range c.Simulation.Particles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: particle %d: %v", ErrInvalid, i, err)
		}
	}
	if len(c.Simulation.Particles) > 1 {
		if err := c.Simulation.Substrate.Validate(); err != nil {
			return fmt.Errorf("%w: substrate: %v", ErrInvalid, err)
		}
	}
	return nil
}

// ModelSettings converts the optimizer, model and sampler sections.
func (c *Config) ModelSettings() gp.Settings {
	return gp.Settings{
		Threshold:        c.Optimizer.Threshold,
		Step:             c.Optimizer.Step,
		MaxIterations:    c.Optimizer.MaxIterations,
		MinSingleLength:  c.Model.MinSingleLength,
		MinCoupledLength: c.Model.MinCoupledLength,
		Workers:          c.Sampler.Workers,
		Seed:             c.Sampler.Seed,
		Calibration:      c.Sampler.Calibration,
	}
}
