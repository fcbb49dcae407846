package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/marmos91/parsecfs/internal/logger"
)

func runServe(g *globals, args []string) error {
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, release, err := g.openCore(ctx)
	if err != nil {
		return err
	}

	if err := c.Start(ctx); err != nil {
		return errors.Join(err, release())
	}
	logger.Info("parsecfs is running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, shutting down gracefully...", sig)
	case <-c.Done():
		runErr = c.Err()
		if runErr != nil {
			logger.Error("Background workers stopped: %v", runErr)
		}
	}

	if err := release(); err != nil {
		logger.Error("Shutdown error: %v", err)
		return errors.Join(runErr, err)
	}
	logger.Info("parsecfs stopped")
	return runErr
}
