// Command ahctl is the operator CLI for tinyauction: history backups and
// retention, plus one-shot ingestion and item cache updates.
//
// Usage:
//
//	ahctl [-config config.yaml] <command> [arguments]
//
// Run "ahctl help" for the command list.
//
// The badger backend holds an exclusive lock on its directory, so stop
// the server before running ahctl against the same badger path. MySQL
// and memory backends have no such restriction.
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

	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/server"
)

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("ahctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to YAML config file")
	global.Usage = func() { printUsage(stderr) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	if rest[0] == "help" {
		printUsage(stdout)
		return exitOK
	}
	if _, ok := lookup(rest[0]); !ok {
		fmt.Fprintln(stderr, errorStyle.Render(fmt.Sprintf("unknown command %q", rest[0])))
		printUsage(stderr)
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render(err.Error()))
		return exitFailure
	}
	log, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render(err.Error()))
		return exitFailure
	}
	defer func() { _ = log.Sync() }()

	store, err := server.InitializeStorage(cfg.Storage, log)
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render(err.Error()))
		if cfg.Storage.Backend == "badger" {
			fmt.Fprintln(stderr, badgerLockNote)
		}
		return exitFailure
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Storage close failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:     cfg,
		engines: server.InitializeEngines(cfg, store, nil, log),
		out:     stdout,
		confirm: promptConfirm,
	}
	if err := a.exec(ctx, rest); err != nil {
		fmt.Fprintln(stderr, errorStyle.Render("error: "+err.Error()))
		var ue usageError
		if errors.As(err, &ue) {
			return exitUsage
		}
		return exitFailure
	}
	return exitOK
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, titleStyle.Render("ahctl"))
	fmt.Fprintln(w, "Usage: ahctl [-config file] <command> [arguments]")
	fmt.Fprintln(w)
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-36s %s\n", c.name+" "+c.args, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, badgerLockNote)
}

const badgerLockNote = "Note: with storage.backend=badger, stop the server first; badger locks its directory."
