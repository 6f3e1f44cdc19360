// Command naclproxy is a bidirectional, non-blocking TCP forwarding proxy
// with optional per-side authenticated public-key encryption.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/proxycore/naclproxy/internal/config"
	"github.com/proxycore/naclproxy/internal/logging"
	"github.com/proxycore/naclproxy/internal/proxy"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	driver, err := proxy.NewDriver(&proxy.Config{
		BindAddr:          cfg.BindAddr,
		BindPort:          cfg.BindPort,
		UpstreamAddr:      cfg.UpstreamAddr,
		UpstreamPort:      cfg.UpstreamPort,
		EncryptDownstream: cfg.EncryptDownstream,
		EncryptUpstream:   cfg.EncryptUpstream,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize proxy driver", "err", err)
		return 1
	}

	var runFlag atomic.Bool
	runFlag.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		runFlag.Store(false)
	}()

	if err := driver.Run(&runFlag); err != nil {
		logger.Error("proxy loop exited with error", "err", err)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}
