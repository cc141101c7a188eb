package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// version is set by goreleaser at build time.
var version = "dev"

const usage = `usage: stagewatch <command> [flags]

commands:
  serve    run the JSON-RPC/SSE server and optional MCP endpoints
  layout   print the layout of a stage recipe as JSON or Mermaid
  status   print the stage table of a session
  watch    stream step changes of a session; with -stage and -iteration,
           exit once that stage run completes
  export   print the JSON export of a session
  version  print version and exit
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return flag.ErrHelp
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(ctx, rest, stdout)
	case "layout":
		return runLayout(ctx, rest, stdout)
	case "status":
		return runStatus(ctx, rest, stdout)
	case "watch":
		return runWatch(ctx, rest, stdout)
	case "export":
		return runExport(ctx, rest, stdout)
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

// newFlagSet returns a FlagSet that reports errors instead of exiting.
func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("stagewatch "+name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// clientFlags are shared by the commands that talk to a running server.
type clientFlags struct {
	Server    string
	SessionID string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.Server, "server", "http://localhost:8420", "base URL of a running stagewatch server")
	fs.StringVar(&c.SessionID, "session", "", "session id (required)")
}

func (c *clientFlags) validate() error {
	if c.SessionID == "" {
		return errors.New("-session is required")
	}
	return nil
}
