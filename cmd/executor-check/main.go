// Command executor-check loads the warehouse configuration, opens every
// configured executor and reports whether each one answers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"warehousecore/internal/bootstrap"
	"warehousecore/internal/config"
	"warehousecore/internal/logging"

	"go.uber.org/zap"
)

var exitFunc = os.Exit

// main runs the command-line interface using the program arguments and exits
// the process with the status code returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("executor-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath string
		timeout    time.Duration
		sample     bool
		envHelp    bool
	)
	fs.StringVar(&configPath, "config", "", "path to warehouse yaml; empty reads the environment only")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "time allowed for opening and pinging executors")
	fs.BoolVar(&sample, "sample", false, "print a sample configuration and exit")
	fs.BoolVar(&envHelp, "env-help", false, "list the environment variables and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	switch {
	case sample:
		if err := config.Sample().WriteYAML(stdout); err != nil {
			fmt.Fprintf(stderr, "write sample: %v\n", err)
			return 1
		}
		return 0
	case envHelp:
		help, err := config.EnvHelp()
		if err != nil {
			fmt.Fprintf(stderr, "env help: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, help)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := run(ctx, configPath, stdout); err != nil {
		fmt.Fprintf(stderr, "Executor check failed: %s\n", logging.SanitizeError(err))
		return 1
	}
	fmt.Fprintln(stdout, "Executor check passed.")
	return 0
}

func run(ctx context.Context, configPath string, stdout io.Writer) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rt, err := bootstrap.Build(ctx, cfg, bootstrap.WithLogger(zap.NewNop()))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close executors: %w", cerr)
		}
	}()
	failed := 0
	for _, h := range rt.Ping(ctx) {
		status := "ok"
		if h.Err != nil {
			failed++
			status = "error: " + logging.SanitizeError(h.Err)
		}
		fmt.Fprintf(stdout, "%-16s %-28s %s\n", h.Name, h.Identity, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d executor(s) unreachable", failed)
	}
	return nil
}
