package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradbits/internal/logger"
	"github.com/samcharles93/gradbits/pkg/half"
	"github.com/samcharles93/gradbits/pkg/ops"
)

func quantizeCmd() *cli.Command {
	var (
		elems      int64
		dtype      string
		blocksize  int64
		codebook   string
		stochastic bool
		seed       int64
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Round-trip a synthetic tensor through the 8-bit blockwise codec",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "n",
				Usage:       "number of elements",
				Value:       1 << 20,
				Destination: &elems,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "element type (float32, float16)",
				Value:       "float32",
				Destination: &dtype,
			},
			&cli.Int64Flag{
				Name:        "blocksize",
				Usage:       "elements per absmax scale block",
				Value:       ops.QuantBlockSize,
				Destination: &blocksize,
			},
			&cli.StringFlag{
				Name:        "codebook",
				Usage:       "codebook source (dynamic, estimate)",
				Value:       "dynamic",
				Destination: &codebook,
			},
			&cli.BoolFlag{
				Name:        "stochastic",
				Usage:       "round stochastically instead of to nearest",
				Destination: &stochastic,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for synthetic data and rounding noise",
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
			if elems <= 0 {
				return cli.Exit("error: --n must be positive", 1)
			}
			if blocksize != ops.QuantBlockSize {
				return cli.Exit(fmt.Sprintf("error: unsupported blocksize %d (kernels scale in %d-element blocks)",
					blocksize, ops.QuantBlockSize), 1)
			}
			estimate := false
			switch codebook {
			case "dynamic":
			case "estimate":
				estimate = true
			default:
				return cli.Exit(fmt.Sprintf("error: unknown codebook %q", codebook), 1)
			}

			log.Info("quantize round trip", "elems", elems, "dtype", d, "codebook", codebook, "stochastic", stochastic)

			var (
				r   quantReport
				err error
			)
			switch d {
			case ops.F16:
				r, err = runQuantRoundTrip[half.Float16](int(elems), stochastic, estimate, seed)
			default:
				r, err = runQuantRoundTrip[float32](int(elems), stochastic, estimate, seed)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}

			melems := float64(r.elems) / r.duration.Seconds() / 1e6
			fmt.Println("=== Quantize Round Trip ===")
			fmt.Printf("Elems:      %d %s (%d blocks of %d)\n", r.elems, d, r.blocks, ops.QuantBlockSize)
			fmt.Printf("Codebook:   %s, %d codes (%d used)\n", codebook, ops.CodebookSize, r.codes)
			fmt.Printf("Stochastic: %v\n", stochastic)
			fmt.Printf("Duration:   %s (%.1f Melems/s)\n", r.duration.Round(time.Microsecond), melems)
			fmt.Println()
			fmt.Println("=== Error ===")
			fmt.Printf("Max abs:    %.3e\n", r.maxErr)
			fmt.Printf("Mean abs:   %.3e\n", r.meanErr)
			fmt.Printf("Max / peak: %.3e\n", r.relErr)
			return nil
		},
	}
}

type quantReport struct {
	elems    int
	blocks   int
	codes    int
	maxErr   float64
	meanErr  float64
	relErr   float64
	duration time.Duration
}

func runQuantRoundTrip[T ops.Element](n int, stochastic, estimate bool, seed int64) (quantReport, error) {
	stream := exec.NewStream()
	defer func() { _ = stream.Close() }()

	rng := rand.New(rand.NewSource(seed))
	in := make([]T, n)
	fillNormal(in, rng, 0.1)

	blocks := (n + ops.QuantBlockSize - 1) / ops.QuantBlockSize
	code := ops.CreateDynamicMap(true)
	if estimate {
		code = make([]float32, ops.CodebookSize)
		if err := ops.EstimateQuantiles(stream, in, code, 1.0/512); err != nil {
			return quantReport{}, err
		}
		if err := stream.Sync(); err != nil {
			return quantReport{}, err
		}
		// The blockwise codec expects a codebook spanning [-1, 1];
		// scale the raw quantiles to fit.
		maxAbs := float32(0)
		for _, v := range code {
			if v < 0 {
				v = -v
			}
			if v > maxAbs {
				maxAbs = v
			}
		}
		if maxAbs > 0 {
			for i := range code {
				code[i] /= maxAbs
			}
		}
	}
	absmax := make([]float32, blocks)
	packed := make([]uint8, n)
	out := make([]T, n)

	var rnd []float32
	if stochastic {
		rnd = make([]float32, 1024)
		for i := range rnd {
			rnd[i] = rng.Float32()
		}
	}

	start := time.Now()
	if err := ops.QuantizeBlockwise(stream, code, in, absmax, packed, rnd, 0); err != nil {
		return quantReport{}, err
	}
	if err := ops.DequantizeBlockwise(stream, code, packed, absmax, out, ops.QuantBlockSize); err != nil {
		return quantReport{}, err
	}
	if err := stream.Sync(); err != nil {
		return quantReport{}, err
	}
	duration := time.Since(start)

	var used [ops.CodebookSize]bool
	for _, b := range packed {
		used[b] = true
	}
	codes := 0
	for _, u := range used {
		if u {
			codes++
		}
	}

	src := asFloats(in)
	got := asFloats(out)
	var maxErr, sumErr, peak float64
	for i := range src {
		diff := float64(src[i]) - float64(got[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > maxErr {
			maxErr = diff
		}
		sumErr += diff
		abs := float64(src[i])
		if abs < 0 {
			abs = -abs
		}
		if abs > peak {
			peak = abs
		}
	}
	rel := 0.0
	if peak > 0 {
		rel = maxErr / peak
	}

	return quantReport{
		elems:    n,
		blocks:   blocks,
		codes:    codes,
		maxErr:   maxErr,
		meanErr:  sumErr / float64(n),
		relErr:   rel,
		duration: duration,
	}, nil
}
