package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/paddock/pkg/catalog"
	"github.com/odvcencio/paddock/pkg/config"
	"github.com/odvcencio/paddock/pkg/gateway"
	"github.com/odvcencio/paddock/pkg/logging"
	"github.com/odvcencio/paddock/pkg/runtime"
	"github.com/odvcencio/paddock/pkg/storage"
	"github.com/odvcencio/paddock/pkg/supervisor"
	"github.com/odvcencio/paddock/pkg/web"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultConfigPath = "paddock.env"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			if err := runServe(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "paddock serve: %v\n", err)
				os.Exit(1)
			}
			return
		case "version", "--version", "-v":
			fmt.Printf("paddock %s (%s, built %s)\n", version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	if err := runSupervise(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "paddock: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`paddock - gateway and supervisor for a local model runtime

Usage:
  paddock [flags]              run the supervisor and admin server
  paddock serve --port N       run the API server in-process
  paddock version              print version information

Flags:
  --config path                env config file (default paddock.env)
`)
}

// runSupervise is the default mode: bootstrap on first run, spawn the API
// worker, and serve the admin API until interrupted.
func runSupervise(args []string) error {
	fs := flag.NewFlagSet("paddock", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "env config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	hasAdmin, err := store.HasAdmin()
	if err != nil {
		return err
	}
	if !hasAdmin {
		if err := runFirstRunBootstrap(cfg, store); err != nil {
			return err
		}
	}

	runtimeClient := runtime.NewClient(cfg.RuntimeCommand, cfg.RuntimeTimeout, logger)

	sup := supervisor.New(cfg.Port, supervisor.SelfCommandFactory(*configPath), supervisor.SystemPortOwnerLookup{}, logger)
	if err := sup.Start(); err != nil {
		return err
	}

	adminServer := web.NewAdminServer(cfg, store, runtimeClient, sup, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- adminServer.Serve(cfg.AdminPort)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(logging.CategorySupervisor, "shutdown_signal", sig.String(), nil)
	case err := <-errCh:
		if err != nil {
			_ = sup.Stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
	if err := sup.Stop(); err != nil {
		return err
	}
	return nil
}

// runServe runs the API server in-process. This is the subcommand the
// supervisor spawns as its worker.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", 0, "listen port (overrides config)")
	configPath := fs.String("config", defaultConfigPath, "env config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger, err := logging.NewLogger(cfg.LogDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runtimeClient := runtime.NewClient(cfg.RuntimeCommand, cfg.RuntimeTimeout, logger)
	gw := gateway.New(store, runtimeClient, cfg.MaxCompletions, logger)
	cat := catalog.NewHTTPClient("", logger)

	server := web.NewServer(store, gw, runtimeClient, cat, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(cfg.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(logging.CategoryNetwork, "shutdown_signal", sig.String(), nil)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
