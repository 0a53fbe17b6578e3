package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/drblury/streamsink"
)

const (
	exitOK              = 0
	exitStartupFailure  = 1
	exitShutdownTimeout = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("streamsink", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	streamsink.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitStartupFailure
	}

	conf, err := streamsink.LoadConfig(*configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitStartupFailure
	}
	logger := streamsink.NewTextLogger(os.Stderr, conf.Log.Level, conf.Log.Format == "json")

	svc, err := streamsink.NewService(conf, logger, streamsink.Dependencies{
		Hooks: streamsink.LoggingHooks(logger),
	})
	if err != nil {
		logger.Error("Invalid configuration", err, nil)
		return exitStartupFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Error("Startup failed", err, nil)
		return exitStartupFailure
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received", streamsink.LogFields{"grace": conf.ShutdownGrace.String()})

	if err := svc.Stop(context.Background()); err != nil {
		if errors.Is(err, streamsink.ErrShutdownTimeout) {
			logger.Error("Shutdown grace period exceeded; unfinished entries stay pending", err, nil)
			return exitShutdownTimeout
		}
		logger.Error("Shutdown finished with errors", err, nil)
	}
	return exitOK
}
