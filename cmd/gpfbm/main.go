package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gpfbm/internal/logging"
	"gpfbm/internal/models"
	"gpfbm/pkg/batch"
	"gpfbm/pkg/config"
	"gpfbm/pkg/gp"
	"gpfbm/pkg/mcmc"
	"gpfbm/pkg/report"
	"gpfbm/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "gpfbm.yaml", "YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	frames := flag.Int("frames", 0, "Override the number of frames of every simulated particle")
	trials := flag.Int("trials", 0, "Override the number of batch trials")
	samples := flag.Int("samples", -1, "Override the number of posterior samples (0 disables sampling)")
	numCores := flag.Int("cores", 0, "Override the number of CPU cores used by the batch")
	seed := flag.Uint64("seed", 0, "Override the simulation seed")
	pixel := flag.Float64("pixel", 0, "Override the pixel size used in the report")
	output := flag.String("output", "", "Write the JSON report to this file instead of stdout")
	plotFile := flag.String("plot", "", "Write an HTML chart of the first trial to this file")
	verbose := flag.Bool("verbose", false, "Enable diagnostic logging")
	trace := flag.Bool("trace", false, "Enable per-iteration logging")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyOverrides(cfg, *frames, *trials, *samples, *numCores, *seed, *pixel)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	writers := logging.LogWriters{Ops: os.Stderr}
	if *verbose || cfg.Output.Verbose {
		writers.Diag = os.Stderr
	}
	if *trace {
		writers.Trace = os.Stderr
	}
	logging.SetLogWriters(writers)

	fmt.Fprintln(os.Stderr, "================================")
	fmt.Fprintln(os.Stderr, "GP-FBM: particle and substrate dynamics from noisy trajectories")
	fmt.Fprintln(os.Stderr, "================================")

	runner := batch.NewRunner(&batch.Params{
		Particles: cfg.Simulation.Particles,
		Substrate: cfg.Simulation.Substrate,
		Occlusion: cfg.Simulation.Occlusion,
		Trials:    cfg.Simulation.Trials,
		Seed:      cfg.Simulation.Seed,
		NumCores:  cfg.Processing.NumCores,
		Settings:  cfg.ModelSettings(),
	})

	fmt.Fprintf(os.Stderr, "Running %d trial(s) with %d particle(s)...\n", cfg.Simulation.Trials, len(cfg.Simulation.Particles))
	startTime := time.Now()
	if err := runner.Process(); err != nil {
		log.Fatalf("Batch failed: %v", err)
	}
	printMetrics(runner.GetMetrics(), time.Since(startTime))

	// Report on the first trial in full.
	model, err := runner.NewModel(0)
	if err != nil {
		log.Fatalf("Failed to build model: %v", err)
	}

	if cfg.Sampler.Samples > 0 {
		if err := printPosterior(model, cfg.Sampler.Samples); err != nil {
			log.Fatalf("Sampling failed: %v", err)
		}
	}

	if *plotFile != "" {
		trajs, err := runner.Simulate(0)
		if err != nil {
			log.Fatalf("Failed to simulate: %v", err)
		}
		if err := savePlot(*plotFile, model, trajs, cfg.Output.LengthUnit); err != nil {
			log.Printf("Warning: Failed to save plot: %v", err)
		} else {
			fmt.Fprintf(os.Stderr, "Plot saved to: %s\n", *plotFile)
		}
	}

	rep, err := report.Build([]*gp.Model{model}, report.Calibration{
		PixelSize:  cfg.Output.PixelSize,
		LengthUnit: cfg.Output.LengthUnit,
		TimeUnit:   cfg.Output.TimeUnit,
	}, report.Options{
		Substrate: model.NumParticles() > 1,
		Samples:   cfg.Sampler.Samples,
	})
	if err != nil {
		log.Fatalf("Failed to build report: %v", err)
	}

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("Failed to create report file: %v", err)
		}
		defer f.Close()
		out = f
	}
	if err := rep.WriteJSON(out); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
	if *output != "" {
		fmt.Fprintf(os.Stderr, "Report saved to: %s\n", *output)
	}
}

// savePlot charts the observed trajectories and, for coupled models, the
// substrate and the substrate-corrected trajectories.
func savePlot(filename string, m *gp.Model, trajs []*models.Trajectory, unit string) error {
	viewer := visualization.NewViewer("Trial 0", unit)
	for p, t := range trajs {
		if err := viewer.Add(fmt.Sprintf("particle %d", p), t); err != nil {
			return err
		}
	}

	if m.NumParticles() > 1 {
		sub, err := m.Substrate(false)
		if err != nil {
			return err
		}
		if err := viewer.Add("substrate", sub); err != nil {
			return err
		}
		for p, t := range trajs {
			corrected, err := visualization.Subtract(t, sub)
			if err != nil {
				return err
			}
			if err := viewer.Add(fmt.Sprintf("particle %d corrected", p), corrected); err != nil {
				return err
			}
		}
	}

	return viewer.SaveHTML(filename)
}

func applyOverrides(cfg *config.Config, frames, trials, samples, cores int, seed uint64, pixel float64) {
	if frames > 0 {
		for i := range cfg.Simulation.Particles {
			cfg.Simulation.Particles[i].Frames = frames
		}
		cfg.Simulation.Substrate.Frames = frames
	}
	if trials > 0 {
		cfg.Simulation.Trials = trials
	}
	if samples >= 0 {
		cfg.Sampler.Samples = samples
	}
	if cores > 0 {
		cfg.Processing.NumCores = cores
	}
	if seed > 0 {
		cfg.Simulation.Seed = seed
	}
	if pixel > 0 {
		cfg.Output.PixelSize = pixel
	}
}

func printMetrics(m batch.Metrics, elapsed time.Duration) {
	fmt.Fprintf(os.Stderr, "\nBatch %s completed in %.2f seconds\n", m.RunID, elapsed.Seconds())
	fmt.Fprintf(os.Stderr, "Trials: %d, failed: %d\n\n", m.Trials, m.Failures)
	fmt.Fprintf(os.Stderr, "Relative error (mean +- std):\n")
	fmt.Fprintf(os.Stderr, "=============================\n")
	for j, name := range m.Columns {
		fmt.Fprintf(os.Stderr, "%-4s % .4f +- %.4f\n", name, m.Mean[j], m.Std[j])
	}
}

func printPosterior(m *gp.Model, n int) error {
	fmt.Fprintf(os.Stderr, "\nPosterior from %d samples:\n", n)
	for p := 0; p < m.NumParticles(); p++ {
		samples, err := m.SingleDistribution(n, p)
		if err != nil {
			return err
		}
		printSummary(fmt.Sprintf("particle %d", p), []string{"D", "A", "mu_x", "mu_y"}, mcmc.Summarize(samples))
	}
	if m.NumParticles() < 2 {
		return nil
	}

	samples, err := m.CoupledDistribution(n)
	if err != nil {
		return err
	}
	var names []string
	for p := 0; p < m.NumParticles(); p++ {
		names = append(names, fmt.Sprintf("D%d", p), fmt.Sprintf("A%d", p))
	}
	names = append(names, "DR", "AR")
	printSummary("coupled", names, mcmc.Summarize(samples))
	return nil
}

func printSummary(title string, names []string, s mcmc.Summary) {
	fmt.Fprintf(os.Stderr, "%s\n%s\n", title, strings.Repeat("-", len(title)))
	for j, name := range names {
		fmt.Fprintf(os.Stderr, "%-5s mean %.4g std %.4g 95%% [%.4g, %.4g]\n",
			name, s.Mean[j], s.Std[j], s.Lower[j], s.Upper[j])
	}
}
