package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradbits/internal/logger"
	"github.com/samcharles93/gradbits/internal/version"
	"github.com/samcharles93/gradbits/pkg/device"
	"github.com/samcharles93/gradbits/pkg/ops"
)

// Shared by every command action. Populated by setup before the
// command runs. execOwned marks an executor built for --workers, which
// teardown must close; the process-wide default is left running.
var (
	exec      *device.Executor
	execOwned bool
	fileCfg   Config
)

func main() {
	app := &cli.Command{
		Name:    "gradbits",
		Usage:   "8-bit optimizer and quantization toolkit CLI",
		Version: version.String(),
		Flags:   globalFlags(),
		Before:  setup,
		After:   teardown,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			quantizeCmd(),
			benchCmd(),
			trainStepCmd(),
			envCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		device.Fatal(err)
	}
}

// setup runs before every command: config file, logger, executor, and
// a probe of every kernel table entry so dispatch gaps surface at
// startup rather than mid-run.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return ctx, fmt.Errorf("load config: %w", err)
	}
	fileCfg = cfg
	applyGlobalConfig(cmd, cfg)

	log := logger.Setup(os.Stderr, logFormat, logLevel)
	ctx = logger.WithContext(ctx, log)

	if workers > 0 {
		exec = device.New(int(workers))
		execOwned = true
	} else {
		exec = device.Default()
	}
	if err := ops.VerifyKernelTable(exec); err != nil {
		return ctx, fmt.Errorf("kernel self-check: %w", err)
	}
	return ctx, nil
}

func teardown(ctx context.Context, cmd *cli.Command) error {
	if execOwned {
		exec.Close()
	}
	return nil
}
