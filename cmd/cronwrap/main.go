package main

import (
	"fmt"
	"io"
	"os"

	"cronwrap/internal/config"
)

const usage = `usage: cronwrap [global flags] <command> [flags]

commands:
  tick    evaluate every task once and spawn the due ones
  run     execute one task (the entry point spawned by tick)
  list    show tasks with their recorded state
  serve   run the minute trigger and the HTTP API
  mcp     serve MCP tools over stdio

global flags:
  --state-dir, --runtime-dir, --registry, --registry-kind, --log-level,
  --log-file, --hash, --use-utc, --history-keep, --addr, --shutdown-grace
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, rest, err := config.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "cronwrap: %v\n\n%s", err, usage)
		return 2
	}
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "tick":
		return cmdTick(cfg, cmdArgs, stdout, stderr)
	case "run":
		return cmdRun(cfg, cmdArgs, stdout, stderr)
	case "list":
		return cmdList(cfg, cmdArgs, stdout, stderr)
	case "serve":
		return cmdServe(cfg, cmdArgs, stdout, stderr)
	case "mcp":
		return cmdMCP(cfg, cmdArgs, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "cronwrap: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}
