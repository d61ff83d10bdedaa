// Command gatekeeperctl is the operator CLI for gatekeeperd: list pending
// approvals, resolve them (allow-once / allow-always / deny), and watch the
// live exec event stream.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "gatekeeperctl",
		Usage: "operator CLI for the command execution gatekeeper",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:8787", Usage: "gatekeeperd base URL"},
			&cli.StringFlag{Name: "operator", Value: envOr("USER", "operator"), Usage: "identity recorded as resolvedBy"},
		},
		Commands: []*cli.Command{
			listCommand(),
			approveCommand(),
			watchCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeperctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
