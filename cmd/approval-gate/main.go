// approval-gate is the host hook and operator CLI for protected-action
// approvals. Hooks read a JSON payload on stdin, write one JSON decision on
// stdout and exit 0 to allow or 2 to block.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/codex-k8s/approval-gate/internal/app"
	"github.com/codex-k8s/approval-gate/internal/config"
	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/log"
)

var version = "dev"

// exitError carries a process exit code without an error message.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func (e exitError) ExitCode() int { return e.code }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(constants.ExitError)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return exitError{code: constants.ExitError}
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	case "--version", "version":
		fmt.Fprintf(stdout, "approval-gate %s\n", version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := log.New(cfg.LogLevel, stderr)
	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	c := &cli{app: application, stdin: stdin, stdout: stdout, stderr: stderr}

	command, rest := args[0], args[1:]
	switch command {
	case "hook":
		return c.hook(ctx, rest)
	case "approve":
		return c.approve(ctx, rest)
	case "status":
		return c.status(ctx, rest)
	case "list":
		return c.list(ctx, rest)
	case "bypass":
		return c.bypass(ctx, rest)
	case "commit-gate":
		return c.commitGate(ctx, rest)
	case "init-secret":
		return c.initSecret(rest)
	case "init-config":
		return c.initConfig(rest)
	case "serve":
		return application.Serve(ctx, version)
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: approval-gate <command> [flags]

Commands:
  hook pre-tool-use        decide a tool call read from stdin (exit 0 allow, 2 block)
  hook user-prompt         verify "APPROVE <PHRASE> <CODE>" lines in a prompt read from stdin
  approve [--delegated] <line>
                           verify one approval line typed by a human
  status <CODE>            show the state of an approval code
  list                     list protected actions and their phrases
  bypass request --reason  request a one-time command guard bypass
  commit-gate [--diff-stdin]
                           run the commit review gate (pre-commit)
  init-secret              create the signing key if it does not exist
  init-config [--example NAME] [--list]
                           write an example protected-actions registry
  serve                    run the read-only MCP status server on stdio
`)
}
