package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"dtk/internal/rpc"
	"dtk/internal/slogutil"
)

func main() {
	os.Exit(run())
}

func run() int {
	if rpcMode() {
		return runRPC()
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dtk: %v\n", err)
		if !commandStarted {
			return 2 // usage error: unknown command, bad flags, wrong arity
		}
		return 1
	}
	return 0
}

// rpcMode decides whether the process speaks JSON-RPC on stdio. The
// MCP_VERSION env var or a --mcp flag force it; otherwise a piped stdin
// with no CLI arguments selects it.
func rpcMode() bool {
	if os.Getenv("MCP_VERSION") != "" {
		return true
	}
	for _, arg := range os.Args[1:] {
		if arg == "--mcp" {
			return true
		}
	}
	if len(os.Args) > 1 {
		return false
	}
	return !isatty.IsTerminal(os.Stdin.Fd())
}

func runRPC() int {
	// Stdout carries the wire protocol, so logs must go to stderr.
	logger := slogutil.NewStderrLogger(slogutil.LevelFromVerbosity(verbosity))

	a, err := buildApp(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dtk: %v\n", err)
		return 1
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rpc.NewServer(os.Stdin, os.Stdout, a.service, logger).Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "dtk: %v\n", err)
		return 1
	}
	return 0
}
