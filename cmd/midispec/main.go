// Command midispec is a development tool around the generation pipeline: it
// dumps discretized noise schedules, tokenizes MIDI files into the score
// vocabulary and smoke-tests the full sampling loop with a null predictor.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/midispec/midispec"
	"github.com/midispec/midispec/diffusion"
	"github.com/midispec/midispec/version"
	"gopkg.in/yaml.v3"
)

type config struct {
	LogSNRMin  float64 `yaml:"logsnrmin"`
	LogSNRMax  float64 `yaml:"logsnrmax"`
	Steps      int     `yaml:"steps"`
	Weight     float32 `yaml:"weight"`
	FeatureDim int     `yaml:"featuredim"`
	SeqLength  int     `yaml:"seqlength"`
}

func defaultConfig() config {
	return config{
		LogSNRMin:  diffusion.DefaultLogSNRMin,
		LogSNRMax:  diffusion.DefaultLogSNRMax,
		Steps:      diffusion.DefaultSteps,
		Weight:     diffusion.DefaultGuidanceWeight,
		FeatureDim: 128,
		SeqLength:  256,
	}
}

// zeroPredictor predicts zero noise everywhere. It stands in for the real
// model so the sampling pipeline can be exercised without a checkpoint.
type zeroPredictor struct{}

func (zeroPredictor) PredictNoise(score midispec.ScoreBatch, latent *midispec.Tensor, t []float32, side *midispec.Tensor, dropped []bool) (*midispec.Tensor, error) {
	return midispec.NewTensor(latent.Batch, latent.Seq, latent.Feat), nil
}

func main() {
	schedule := flag.Bool("schedule", false, "Dump the discretized noise schedule as YAML to standard output.")
	tokenize := flag.Bool("tokenize", false, "Tokenize the given MIDI files and dump the token sequences as YAML.")
	smoke := flag.Bool("smoke", false, "Run the full sampling loop with a null predictor and write the result as raw float32 data. Checks the pipeline, not the model.")
	configFile := flag.String("c", "", "Read schedule and sampling parameters from this YAML file.")
	steps := flag.Int("steps", 0, "Number of diffusion steps; overrides the config file.")
	seed := flag.Int64("seed", 1, "Random seed for the smoke run.")
	outPath := flag.String("o", "", "Output file for the smoke run. Defaults to standard output.")
	quiet := flag.Bool("q", false, "Do not print progress during the smoke run.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	cfg := defaultConfig()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			fatalf("could not read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fatalf("could not parse config file: %v", err)
		}
	}
	if *steps > 0 {
		cfg.Steps = *steps
	}
	switch {
	case *schedule:
		dumpSchedule(cfg)
	case *tokenize:
		if flag.NArg() == 0 {
			flag.Usage()
			os.Exit(1)
		}
		for _, path := range flag.Args() {
			tokenizeFile(path)
		}
	case *smoke:
		smokeRun(cfg, *seed, *outPath, *quiet)
	default:
		flag.Usage()
		os.Exit(0)
	}
}

func dumpSchedule(cfg config) {
	s := diffusion.Schedule{LogSNRMin: cfg.LogSNRMin, LogSNRMax: cfg.LogSNRMax}
	grid, err := s.Grid(cfg.Steps)
	if err != nil {
		fatalf("could not build the schedule grid: %v", err)
	}
	out, err := yaml.Marshal(struct {
		Times  []float64 `yaml:"times,flow"`
		LogSNR []float64 `yaml:"logsnr,flow"`
		Alpha  []float64 `yaml:"alpha,flow"`
		Var    []float64 `yaml:"var,flow"`
	}{grid.Times, grid.LogSNR, grid.Alpha, grid.Var})
	if err != nil {
		fatalf("could not marshal the schedule: %v", err)
	}
	fmt.Print(string(out))
}

func tokenizeFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		fatalf("could not open %v: %v", path, err)
	}
	defer f.Close()
	events, err := midispec.ReadSMF(f)
	if err != nil {
		fatalf("could not parse %v: %v", path, err)
	}
	score := midispec.Tokenize(events)
	out, err := yaml.Marshal(map[string]midispec.Score{path: score})
	if err != nil {
		fatalf("could not marshal the tokens: %v", err)
	}
	fmt.Print(string(out))
}

func smokeRun(cfg config, seed int64, outPath string, quiet bool) {
	var score midispec.ScoreBatch
	if flag.NArg() > 0 {
		for _, path := range flag.Args() {
			f, err := os.Open(path)
			if err != nil {
				fatalf("could not open %v: %v", path, err)
			}
			events, err := midispec.ReadSMF(f)
			f.Close()
			if err != nil {
				fatalf("could not parse %v: %v", path, err)
			}
			score = append(score, midispec.Tokenize(events))
		}
		l := 0
		for _, sc := range score {
			l = max(l, len(sc))
		}
		for i := range score {
			score[i] = score[i].Pad(l)
		}
	} else {
		score = midispec.ScoreBatch{midispec.Score{midispec.TokenPad}}
	}
	sampler := diffusion.NewSampler(zeroPredictor{}, midispec.NewGaussianSource(seed), cfg.FeatureDim)
	sampler.Schedule = diffusion.Schedule{LogSNRMin: cfg.LogSNRMin, LogSNRMax: cfg.LogSNRMax}
	sampler.Steps = cfg.Steps
	sampler.Weight = cfg.Weight
	opts := diffusion.SampleOptions{Raw: true}
	if !quiet {
		opts.Progress = func(step, total int) {
			fmt.Fprintf(os.Stderr, "\rstep %d/%d", step, total)
			if step == total {
				fmt.Fprintln(os.Stderr)
			}
		}
	}
	spec, err := sampler.Sample(context.Background(), score, cfg.SeqLength, opts)
	if err != nil {
		fatalf("sampling failed: %v", err)
	}
	if spec.HasNonFinite() {
		fatalf("sampled spectrogram contains non-finite values; check the schedule bounds")
	}
	out := os.Stdout
	if outPath != "" {
		if out, err = os.Create(outPath); err != nil {
			fatalf("could not create %v: %v", outPath, err)
		}
		defer out.Close()
	}
	if err := binary.Write(out, binary.LittleEndian, spec.Data); err != nil {
		fatalf("could not write the spectrogram: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] [midifiles]\nSpectrogram generation pipeline tools.\n", os.Args[0])
	flag.PrintDefaults()
}
