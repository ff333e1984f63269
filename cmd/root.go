package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usage = `gochat-gateway is an OpenAI-compatible proxy with a persistent
WebSocket gateway for concurrent chat completion exchanges.

Usage:
  gochat-gateway serve [flags]

Commands:
  serve    Start the HTTP server and WebSocket gateway

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
