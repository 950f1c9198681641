package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradbits/internal/version"
	"github.com/samcharles93/gradbits/pkg/ops"
)

func envCmd() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Print runtime and kernel table information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("=== GradBits Environment ===")
			fmt.Printf("Version:    %s\n", version.String())
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Workers:    %d\n", exec.Workers())
			fmt.Printf("AVX2:       %v\n", ops.HasAVX2())
			fmt.Printf("DTypes:     %s, %s\n", ops.F32, ops.F16)
			fmt.Println()

			combos := ops.Combos()
			fmt.Println("=== Kernel Table ===")
			if err := ops.VerifyKernelTable(exec); err != nil {
				fmt.Printf("Check:      FAILED: %v\n", err)
			} else {
				fmt.Printf("Check:      ok (%d combinations probed)\n", len(combos))
			}
			fmt.Printf("%-16s %-10s %-8s\n", "Engine", "Optimizer", "DType")
			for _, c := range combos {
				fmt.Printf("%-16s %-10s %-8s\n", c.Engine, c.Kind, c.DType)
			}
			return nil
		},
	}
}
