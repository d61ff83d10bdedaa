// Command gatekeeperd is the daemon entrypoint: it wires the normalizer,
// analyzer, allowlist, approval manager, policy evaluator, and executor
// into a Run Orchestrator and exposes it behind a reference JSON-over-HTTP
// transport, with a WebSocket stream of exec.* events for
// gatekeeperctl watch.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"cmdgate/allowlist"
	"cmdgate/approval"
	"cmdgate/config"
	"cmdgate/events"
	"cmdgate/executor"
	"cmdgate/gatekeeper"
	"cmdgate/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "gatekeeperd: error loading .env file: %v\n", err)
	}

	cmd := &cli.Command{
		Name:  "gatekeeperd",
		Usage: "run the command execution gatekeeper daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8787", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "config", Value: "", Usage: "path to config file (defaults to the XDG config location)"},
			&cli.StringFlag{Name: "allowlist", Value: "", Usage: "path to allowlist file (defaults to the XDG config location)"},
			&cli.DurationFlag{Name: "approval-ttl", Value: 10 * time.Minute, Usage: "how long a pending approval stays open"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeperd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := logger.Get()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("gatekeeperd: recovered from panic")
		}
	}()

	configPath := cmd.String("config")
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	allowlistPath := cmd.String("allowlist")
	if allowlistPath == "" {
		allowlistPath = allowlist.DefaultPath()
	}

	loader, err := config.NewLoader(configPath, log)
	if err != nil {
		return fmt.Errorf("gatekeeperd: load config: %w", err)
	}

	store, err := allowlist.Open(allowlistPath, log)
	if err != nil {
		return fmt.Errorf("gatekeeperd: open allowlist: %w", err)
	}

	approvalMgr := approval.NewManager(cmd.Duration("approval-ttl"))
	runner := executor.NewLocalRunner(log)

	stateDir, err := logger.StateDir()
	if err != nil {
		return fmt.Errorf("gatekeeperd: state dir: %w", err)
	}
	fileSink, err := events.NewFileSink(stateDir, "exec-events-", 14)
	if err != nil {
		return fmt.Errorf("gatekeeperd: open event log: %w", err)
	}
	defer fileSink.Close()

	hub := newEventHub()
	sink := events.MultiSink{Sinks: []events.Sink{events.NewConsoleSink(log), fileSink, hub}}

	orch := &gatekeeper.Orchestrator{
		Allowlist:     store,
		Approval:      approvalMgr,
		Executor:      runner,
		Sink:          sink,
		ResolvePolicy: loader.ResolvePolicy,
		IsWindows:     runtime.GOOS == "windows",
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := loader.Watch(runCtx); err != nil {
			log.Warn().Err(err).Msg("config watcher stopped")
		}
	}()
	go func() {
		if err := store.WatchForExternalEdits(runCtx); err != nil {
			log.Warn().Err(err).Msg("allowlist watcher stopped")
		}
	}()

	srv := &http.Server{
		Addr:    cmd.String("addr"),
		Handler: newServer(orch, approvalMgr, hub, log).routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("gatekeeperd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("gatekeeperd shutting down")
	case err := <-errCh:
		return fmt.Errorf("gatekeeperd: server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
