// The lamp command runs the SLAM back end standalone: it loads a JSON
// configuration, optionally reattaches to a saved graph archive, and spins
// the estimate and publish loops until interrupted.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/lamp"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/rpgo"
)

const (
	exitInitFailure    = 1
	exitSolverFailure  = 2
	exitCorruptArchive = 3
)

func main() {
	app := &cli.App{
		Name:  "lamp",
		Usage: "multi-robot LiDAR SLAM back end",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "JSON configuration file"},
			&cli.StringFlag{Name: "load", Usage: "graph archive to reattach to"},
			&cli.StringFlag{Name: "save-on-exit", Usage: "archive path written on shutdown"},
			&cli.StringFlag{Name: "log-file", Usage: "also write JSON logs to this file"},
			&cli.BoolFlag{Name: "debug", Usage: "verbose logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		code := exitInitFailure
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		golog.Global().Errorw("exiting", "error", err)
		os.Exit(code)
	}
}

func loadConfig(path string) (lamp.Config, error) {
	cfg := lamp.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}

// addFileLogger tees the logger's core into a JSON file, for headless runs.
func addFileLogger(logger golog.Logger, path string) (golog.Logger, func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening log file")
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f),
		zap.InfoLevel,
	)
	l := logger.Desugar()
	l = l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return l.Sugar(), func() { _ = f.Close() }, nil
}

func run(c *cli.Context) error {
	logger := golog.NewLogger("lamp")
	if c.Bool("debug") {
		logger = golog.NewDebugLogger("lamp")
	}
	if path := c.String("log-file"); path != "" {
		fileLogger, closeLog, err := addFileLogger(logger, path)
		if err != nil {
			return cli.Exit(err.Error(), exitInitFailure)
		}
		defer closeLog()
		logger = fileLogger
	}

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitInitFailure)
	}
	l, err := lamp.New(cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitInitFailure)
	}

	if path := c.String("load"); path != "" {
		key, err := l.LoadGraph(path)
		if err != nil {
			if errors.Is(err, posegraph.ErrCorruptArchive) {
				return cli.Exit(err.Error(), exitCorruptArchive)
			}
			return cli.Exit(err.Error(), exitInitFailure)
		}
		logger.Infow("reattached to saved graph", "last_key", key.String())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l.Start(ctx)
	<-ctx.Done()

	if err := l.Close(); err != nil {
		if errors.Is(err, rpgo.ErrSolverFailure) {
			return cli.Exit(err.Error(), exitSolverFailure)
		}
		return cli.Exit(err.Error(), exitInitFailure)
	}
	if path := c.String("save-on-exit"); path != "" {
		if err := l.SaveGraph(path); err != nil {
			return cli.Exit(err.Error(), exitInitFailure)
		}
	}
	return nil
}
