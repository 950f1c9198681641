package main

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradbits/internal/logger"
	"github.com/samcharles93/gradbits/pkg/half"
	"github.com/samcharles93/gradbits/pkg/ops"
	"github.com/samcharles93/gradbits/pkg/optim"
)

func benchCmd() *cli.Command {
	var (
		kind      string
		optKind   string
		bits      int64
		blockwise bool
		dtype     string
		elems     int64
		steps     int64
		warmup    int64
		runs      int64
		seed      int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run standardized kernel benchmarks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "kind",
				Usage:       "benchmark kind (quantize, optimizer)",
				Value:       "optimizer",
				Destination: &kind,
			},
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
				Name:        "n",
				Usage:       "elements per tensor",
				Value:       1 << 20,
				Destination: &elems,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"s"},
				Usage:       "optimizer steps per run",
				Value:       20,
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of warmup runs",
				Value:       1,
				Destination: &warmup,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of benchmark runs",
				Value:       3,
				Destination: &runs,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for synthetic tensors",
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
			if elems <= 0 || steps <= 0 || runs <= 0 {
				return cli.Exit("error: --n, --steps and --runs must be positive", 1)
			}

			var (
				label   string
				runFn   func(context.Context) (runMetrics, error)
				cleanup func()
			)
			switch kind {
			case "quantize":
				label = "quantize"
				if d == ops.F16 {
					runFn = newQuantRunner[half.Float16](int(elems), seed)
				} else {
					runFn = newQuantRunner[float32](int(elems), seed)
				}
			case "optimizer":
				k, err := ops.ParseOptimizer(optKind)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if bits != 8 && bits != 32 {
					return cli.Exit(fmt.Sprintf("error: unsupported bits %d", bits), 1)
				}
				cfg := optim.DefaultConfig(k)
				cfg.Bits = int(bits)
				cfg.Blockwise = blockwise
				cfg.MinSize8bit = 0

				engine := ops.Engine32
				if bits == 8 {
					engine = ops.Engine8Static
					if blockwise {
						engine = ops.Engine8Blockwise
					}
				}
				label = fmt.Sprintf("optimizer (%s, %s)", k, engine)

				var err2 error
				if d == ops.F16 {
					runFn, cleanup, err2 = newOptimRunner[half.Float16](cfg, int(elems), int(steps), seed)
				} else {
					runFn, cleanup, err2 = newOptimRunner[float32](cfg, int(elems), int(steps), seed)
				}
				if err2 != nil {
					return cli.Exit(fmt.Sprintf("error: build optimizer: %v", err2), 1)
				}
			default:
				return cli.Exit(fmt.Sprintf("error: unknown bench kind %q", kind), 1)
			}
			if cleanup != nil {
				defer cleanup()
			}

			fmt.Println("=== GradBits Bench ===")
			fmt.Printf("Kind:     %s\n", label)
			fmt.Printf("DType:    %s\n", d)
			fmt.Printf("Elems:    %d\n", elems)
			if kind == "optimizer" {
				fmt.Printf("Steps:    %d per run\n", steps)
			}
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Workers:  %d\n", exec.Workers())
			fmt.Printf("Warmup:   %d runs\n", warmup)
			fmt.Printf("Runs:     %d\n", runs)
			fmt.Println()

			for i := range int(warmup) {
				log.Info("warmup run", "run", i+1)
				if _, err := runFn(ctx); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			results := make([]runMetrics, 0, runs)
			for i := range int(runs) {
				log.Info("benchmark run", "run", i+1)
				m, err := runFn(ctx)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, m)
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s %12s\n", "Run", "Steps/s", "Melems/s", "Duration")
			var sumSteps, sumMelems float64
			for i, r := range results {
				fmt.Printf("%-6d %12.2f %12.2f %12s\n",
					i+1, r.StepsPerSec, r.MelemsPerSec, r.Duration.Round(time.Microsecond))
				sumSteps += r.StepsPerSec
				sumMelems += r.MelemsPerSec
			}
			n := float64(len(results))
			fmt.Printf("\n%-6s %12.2f %12.2f\n", "Avg", sumSteps/n, sumMelems/n)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}

type runMetrics struct {
	StepsPerSec  float64
	MelemsPerSec float64
	Duration     time.Duration
}

// newQuantRunner counts one full quantize+dequantize round trip as a
// step.
func newQuantRunner[T ops.Element](n int, seed int64) func(context.Context) (runMetrics, error) {
	return func(context.Context) (runMetrics, error) {
		r, err := runQuantRoundTrip[T](n, false, false, seed)
		if err != nil {
			return runMetrics{}, err
		}
		return runMetrics{
			StepsPerSec:  1 / r.duration.Seconds(),
			MelemsPerSec: float64(r.elems) / r.duration.Seconds() / 1e6,
			Duration:     r.duration,
		}, nil
	}
}

func newOptimRunner[T ops.Element](cfg optim.Config, n, steps int, seed int64) (func(context.Context) (runMetrics, error), func(), error) {
	rng := rand.New(rand.NewSource(seed))
	data := make([]T, n)
	grad := make([]T, n)
	fillNormal(data, rng, 0.5)
	fillNormal(grad, rng, 0.1)

	o, err := optim.New(exec, cfg, []*optim.Param{makeParam("bench", data, grad)})
	if err != nil {
		return nil, nil, err
	}
	run := func(ctx context.Context) (runMetrics, error) {
		start := time.Now()
		for range steps {
			if err := o.Step(ctx); err != nil {
				return runMetrics{}, err
			}
		}
		d := time.Since(start)
		return runMetrics{
			StepsPerSec:  float64(steps) / d.Seconds(),
			MelemsPerSec: float64(n) * float64(steps) / d.Seconds() / 1e6,
			Duration:     d,
		}, nil
	}
	cleanup := func() { _ = o.Close() }
	return run, cleanup, nil
}
