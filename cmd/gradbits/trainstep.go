package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradbits/internal/logger"
	"github.com/samcharles93/gradbits/pkg/half"
	"github.com/samcharles93/gradbits/pkg/ops"
	"github.com/samcharles93/gradbits/pkg/optim"
)

func trainStepCmd() *cli.Command {
	var (
		optKind     string
		bits        int64
		blockwise   bool
		dtype       string
		count       int64
		elems       int64
		steps       int64
		lr          float64
		percentile  int64
		maxUnorm    float64
		min8bitSize int64
		overrides   string
		statePath   string
		seed        int64
	)

	return &cli.Command{
		Name:  "train-step",
		Usage: "Step synthetic tensors through an optimizer and report drift",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "optimizer",
				Usage:       "optimizer kind (adam, momentum, rmsprop, adagrad)",
				Value:       "adam",
				Destination: &optKind,
			},
			&cli.Int64Flag{
				Name:        "bits",
				Usage:       "optimizer state width (32 or 8)",
				Value:       8,
				Destination: &bits,
			},
			&cli.BoolFlag{
				Name:        "blockwise",
				Usage:       "use blockwise 8-bit state",
				Value:       true,
				Destination: &blockwise,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "element type (float32, float16)",
				Value:       "float32",
				Destination: &dtype,
			},
			&cli.Int64Flag{
				Name:        "params",
				Usage:       "number of synthetic tensors",
				Value:       4,
				Destination: &count,
			},
			&cli.Int64Flag{
				Name:        "n",
				Usage:       "elements per tensor",
				Value:       1 << 16,
				Destination: &elems,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"s"},
				Usage:       "number of optimizer steps",
				Value:       10,
				Destination: &steps,
			},
			&cli.Float64Flag{
				Name:        "lr",
				Usage:       "learning rate (default per optimizer kind)",
				Destination: &lr,
			},
			&cli.Int64Flag{
				Name:        "percentile-clipping",
				Usage:       "gradient clipping percentile (100 disables)",
				Value:       100,
				Destination: &percentile,
			},
			&cli.Float64Flag{
				Name:        "max-unorm",
				Usage:       "update norm clip (0 disables)",
				Destination: &maxUnorm,
			},
			&cli.Int64Flag{
				Name:        "min-8bit-size",
				Usage:       "tensors below this many elements keep 32-bit state",
				Value:       4096,
				Destination: &min8bitSize,
			},
			&cli.StringFlag{
				Name:        "overrides",
				Usage:       "path to a parameter override file",
				Destination: &overrides,
			},
			&cli.StringFlag{
				Name:        "state",
				Usage:       "optimizer state file (loaded when present, written after stepping)",
				Destination: &statePath,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for synthetic tensors and gradients",
				Value:       42,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			d, ok := ops.ParseDType(dtype)
			if !ok {
				return cli.Exit(fmt.Sprintf("error: unknown dtype %q", dtype), 1)
			}
			k, err := ops.ParseOptimizer(optKind)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if count <= 0 || elems <= 0 || steps <= 0 {
				return cli.Exit("error: --params, --n and --steps must be positive", 1)
			}

			cfg := optim.DefaultConfig(k)
			cfg.Bits = int(bits)
			cfg.Blockwise = blockwise
			cfg.MinSize8bit = int(min8bitSize)
			cfg.PercentileClipping = int(percentile)
			cfg.MaxUnorm = float32(maxUnorm)
			if cmd.IsSet("lr") {
				cfg.LR = float32(lr)
			}

			var set tensorSet
			if d == ops.F16 {
				set = newSynthSet[half.Float16](int(count), int(elems), seed)
			} else {
				set = newSynthSet[float32](int(count), int(elems), seed)
			}

			o, err := optim.New(exec, cfg, set.params())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build optimizer: %v", err), 1)
			}
			defer func() { _ = o.Close() }()
			log.Info("optimizer ready", "id", o.ID, "kind", k.String(), "params", count)

			ovPath := overrides
			if ovPath == "" {
				ovPath = fileCfg.OverridesPath
			}
			if ovPath != "" {
				data, err := os.ReadFile(ovPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read overrides: %v", err), 1)
				}
				m := optim.NewManager()
				if err := m.LoadYAML(data); err != nil {
					return cli.Exit(fmt.Sprintf("error: parse overrides %q: %v", ovPath, err), 1)
				}
				o.UseManager(m)
				log.Info("parameter overrides loaded", "path", ovPath)
			}

			resumed := false
			if statePath != "" {
				f, err := os.Open(statePath)
				switch {
				case err == nil:
					lerr := o.LoadState(f)
					_ = f.Close()
					if lerr != nil {
						return cli.Exit(fmt.Sprintf("error: load state %q: %v", statePath, lerr), 1)
					}
					resumed = true
					log.Info("optimizer state restored", "path", statePath)
				case !os.IsNotExist(err):
					return cli.Exit(fmt.Sprintf("error: open state %q: %v", statePath, err), 1)
				}
			}

			mode := "32-bit"
			if cfg.Bits == 8 {
				mode = "8-bit static"
				if cfg.Blockwise {
					mode = "8-bit blockwise"
				}
			}
			fmt.Println("=== Train Step ===")
			fmt.Printf("Optimizer:  %s (lr %.1e, %s)\n", k, cfg.LR, mode)
			fmt.Printf("Params:     %d x %d %s\n", count, elems, d)
			fmt.Printf("Steps:      %d\n", steps)
			if resumed {
				fmt.Printf("Resumed:    %s\n", statePath)
			}
			fmt.Println()

			start := time.Now()
			for s := range int(steps) {
				set.refreshGrads()
				if err := o.Step(ctx); err != nil {
					return cli.Exit(fmt.Sprintf("error: step %d: %v", s+1, err), 1)
				}
			}
			duration := time.Since(start)

			fmt.Println("=== Params ===")
			fmt.Printf("%-16s %8s %-16s %6s %12s %12s\n", "Name", "Elems", "Engine", "Step", "MaxDelta", "Norm")
			for i, p := range set.params() {
				engine := "-"
				step := 0
				if st, ok := o.StateOf(p.Name); ok {
					engine = st.Engine.String()
					step = st.Step
				}
				fmt.Printf("%-16s %8d %-16s %6d %12.3e %12.4f\n",
					p.Name, p.Len(), engine, step, set.drift(i), set.norm(i))
			}
			fmt.Printf("\nDuration: %s (%.1f steps/s)\n",
				duration.Round(time.Millisecond), float64(steps)/duration.Seconds())

			if statePath != "" {
				f, err := os.Create(statePath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: create state %q: %v", statePath, err), 1)
				}
				if err := o.SaveState(f); err != nil {
					_ = f.Close()
					return cli.Exit(fmt.Sprintf("error: save state: %v", err), 1)
				}
				if err := f.Close(); err != nil {
					return cli.Exit(fmt.Sprintf("error: close state %q: %v", statePath, err), 1)
				}
				if fi, err := os.Stat(statePath); err == nil {
					fmt.Printf("State:    wrote %s (%.1f KB)\n", statePath, float64(fi.Size())/1024)
				}
			}
			return nil
		},
	}
}

// tensorSet hides the element type behind the reporting the action
// needs.
type tensorSet interface {
	params() []*optim.Param
	refreshGrads()
	drift(i int) float64
	norm(i int) float64
}

type synthSet[T ops.Element] struct {
	ps   []*optim.Param
	gs   [][]T
	base [][]float32
	rng  *rand.Rand
}

// newSynthSet builds count named tensors: an embedding table first,
// then transformer-style layer weights.
func newSynthSet[T ops.Element](count, n int, seed int64) *synthSet[T] {
	s := &synthSet[T]{rng: rand.New(rand.NewSource(seed))}
	for i := range count {
		name := "embed.weight"
		if i > 0 {
			name = fmt.Sprintf("layer%d.weight", i-1)
		}
		data := make([]T, n)
		grad := make([]T, n)
		fillNormal(data, s.rng, 0.5)
		s.ps = append(s.ps, makeParam(name, data, grad))
		s.gs = append(s.gs, grad)
		s.base = append(s.base, asFloats(data))
	}
	return s
}

func (s *synthSet[T]) params() []*optim.Param { return s.ps }

func (s *synthSet[T]) refreshGrads() {
	for _, g := range s.gs {
		fillNormal(g, s.rng, 0.1)
	}
}

func (s *synthSet[T]) data(i int) []float32 {
	if p := s.ps[i]; p.Data32 != nil {
		return asFloats(p.Data32)
	}
	return asFloats(s.ps[i].Data16)
}

func (s *synthSet[T]) drift(i int) float64 {
	cur := s.data(i)
	worst := 0.0
	for j, v := range cur {
		d := float64(v) - float64(s.base[i][j])
		if d < 0 {
			d = -d
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}

func (s *synthSet[T]) norm(i int) float64 {
	var sum float64
	for _, v := range s.data(i) {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
