package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/retention"
	"github.com/nicktill/tinyauction/pkg/server"
)

// usageError marks bad arguments; it exits with status 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

type app struct {
	cfg     *config.Config
	engines *server.Engines
	out     io.Writer

	// confirm asks a yes/no question. Replaced in tests.
	confirm func(title string) (bool, error)
}

type command struct {
	name    string
	args    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

func commands() []command {
	return []command{
		{"backup", "", "Copy the full history into a new backup", runBackup},
		{"list-backups", "", "List backups, newest first", runListBackups},
		{"restore", "<name> [--yes]", "Replace history with a backup", runRestore},
		{"delete-backup", "<name>", "Drop a backup", runDeleteBackup},
		{"remove-outliers", "[--no-backup]", "Delete rows matching the outlier rules", runRemoveOutliers},
		{"downsample-daily", "[--no-backup]", "Keep the cheapest row per item and day", runDownsampleDaily},
		{"purge-older-than", "<days> [--no-backup]", "Delete rows older than the horizon", runPurgeOlderThan},
		{"preview", "", "Show what each operation would delete", runPreview},
		{"stats", "", "Show history statistics", runStats},
		{"all", "[--yes]", "Remove outliers, downsample, then purge", runAll},
		{"fetch", "", "Run one ingestion cycle", runFetch},
		{"update-items", "", "Resolve items missing from the catalog", runUpdateItems},
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands() {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func (a *app) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("no command given")
	}
	c, ok := lookup(args[0])
	if !ok {
		return usagef("unknown command %q", args[0])
	}
	return c.run(ctx, a, args[1:])
}

// parseFlags parses command flags. Flags may follow positional arguments.
func parseFlags(name string, args []string, setup func(fs *flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if setup != nil {
		setup(fs)
	}
	if err := fs.Parse(reorderArgs(args)); err != nil {
		return nil, usagef("%s: %v", name, err)
	}
	return fs.Args(), nil
}

// reorderArgs moves flags ahead of positional arguments. All command flags
// are booleans so no flag consumes the next argument.
func reorderArgs(args []string) []string {
	var flags, positional []string
	for i, arg := range args {
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
		} else {
			positional = append(positional, arg)
		}
	}
	out := append(flags, "--")
	return append(out, positional...)
}

func exactArgs(name string, args []string, n int) error {
	if len(args) != n {
		return usagef("%s: expected %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func backupName(name, arg string) (market.BackupName, error) {
	b, err := market.ParseBackupName(arg)
	if err != nil {
		return "", usagef("%s: %v", name, err)
	}
	return b, nil
}

func runBackup(ctx context.Context, a *app, args []string) error {
	rest, err := parseFlags("backup", args, nil)
	if err != nil {
		return err
	}
	if err := exactArgs("backup", rest, 0); err != nil {
		return err
	}
	rep, err := a.engines.Retention.Backup(ctx)
	if err != nil {
		return err
	}
	renderBackup(a.out, rep)
	return nil
}

func runListBackups(ctx context.Context, a *app, args []string) error {
	rest, err := parseFlags("list-backups", args, nil)
	if err != nil {
		return err
	}
	if err := exactArgs("list-backups", rest, 0); err != nil {
		return err
	}
	backups, err := a.engines.Retention.ListBackups(ctx)
	if err != nil {
		return err
	}
	renderBackupList(a.out, backups)
	return nil
}

func runRestore(ctx context.Context, a *app, args []string) error {
	var yes bool
	rest, err := parseFlags("restore", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&yes, "yes", false, "skip confirmation")
	})
	if err != nil {
		return err
	}
	if err := exactArgs("restore", rest, 1); err != nil {
		return err
	}
	name, err := backupName("restore", rest[0])
	if err != nil {
		return err
	}

	if !yes {
		ok, err := a.confirm(fmt.Sprintf("Replace all history with %s?", name))
		if err != nil {
			return err
		}
		if !ok {
			renderAborted(a.out)
			return nil
		}
	}

	rep, err := a.engines.Retention.Restore(ctx, name)
	if err != nil {
		return err
	}
	renderRestore(a.out, rep)
	return nil
}

func runDeleteBackup(ctx context.Context, a *app, args []string) error {
	rest, err := parseFlags("delete-backup", args, nil)
	if err != nil {
		return err
	}
	if err := exactArgs("delete-backup", rest, 1); err != nil {
		return err
	}
	name, err := backupName("delete-backup", rest[0])
	if err != nil {
		return err
	}
	if err := a.engines.Retention.DeleteBackup(ctx, name); err != nil {
		return err
	}
	fmt.Fprintln(a.out, okStyle.Render("Deleted "+name.String()))
	return nil
}

// pruneCommand runs a backup-guarded prune that takes only --no-backup.
func pruneCommand(name string, op func(context.Context, retention.Options) (*retention.Report, error)) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, args []string) error {
		var opts retention.Options
		rest, err := parseFlags(name, args, func(fs *flag.FlagSet) {
			fs.BoolVar(&opts.SkipBackup, "no-backup", false, "skip the pre-operation backup")
		})
		if err != nil {
			return err
		}
		if err := exactArgs(name, rest, 0); err != nil {
			return err
		}
		rep, err := op(ctx, opts)
		if err != nil {
			return err
		}
		renderReport(a.out, rep)
		return nil
	}
}

func runRemoveOutliers(ctx context.Context, a *app, args []string) error {
	return pruneCommand(retention.OpRemoveOutliers, a.engines.Retention.RemoveOutliers)(ctx, a, args)
}

func runDownsampleDaily(ctx context.Context, a *app, args []string) error {
	return pruneCommand(retention.OpDownsampleDaily, a.engines.Retention.DownsampleDaily)(ctx, a, args)
}

func runPurgeOlderThan(ctx context.Context, a *app, args []string) error {
	var opts retention.Options
	rest, err := parseFlags("purge-older-than", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&opts.SkipBackup, "no-backup", false, "skip the pre-operation backup")
	})
	if err != nil {
		return err
	}
	if err := exactArgs("purge-older-than", rest, 1); err != nil {
		return err
	}
	days, err := strconv.Atoi(rest[0])
	if err != nil || days <= 0 {
		return usagef("purge-older-than: days must be a positive integer, got %q", rest[0])
	}

	rep, err := a.engines.Retention.PurgeOlderThan(ctx, time.Duration(days)*24*time.Hour, opts)
	if err != nil {
		return err
	}
	renderReport(a.out, rep)
	return nil
}

func runPreview(ctx context.Context, a *app, args []string) error {
	rest, err := parseFlags("preview", args, nil)
	if err != nil {
		return err
	}
	if err := exactArgs("preview", rest, 0); err != nil {
		return err
	}
	p, err := a.engines.Retention.Preview(ctx)
	if err != nil {
		return err
	}
	renderPreview(a.out, p)
	return nil
}

func runStats(ctx context.Context, a *app, args []string) error {
	rest, err := parseFlags("stats", args, nil)
	if err != nil {
		return err
	}
	if err := exactArgs("stats", rest, 0); err != nil {
		return err
	}
	s, err := a.engines.Retention.Stats(ctx)
	if err != nil {
		return err
	}
	renderStats(a.out, s)
	return nil
}

func runAll(ctx context.Context, a *app, args []string) error {
	var yes bool
	rest, err := parseFlags("all", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&yes, "yes", false, "skip confirmation")
	})
	if err != nil {
		return err
	}
	if err := exactArgs("all", rest, 0); err != nil {
		return err
	}

	if !yes {
		p, err := a.engines.Retention.Preview(ctx)
		if err != nil {
			return err
		}
		renderPreview(a.out, p)
		ok, err := a.confirm("Run outlier removal, daily downsampling and purge?")
		if err != nil {
			return err
		}
		if !ok {
			renderAborted(a.out)
			return nil
		}
	}

	reports, err := a.engines.Retention.RunAll(ctx)
	for i := range reports {
		renderReport(a.out, &reports[i])
	}
	return err
}

func runFetch(ctx context.Context, a *app, args []string) error {
	rest, err := parseFlags("fetch", args, nil)
	if err != nil {
		return err
	}
	if err := exactArgs("fetch", rest, 0); err != nil {
		return err
	}
	if err := a.cfg.RequireUpstream(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Ingest.Timeout)
	defer cancel()
	rep, err := a.engines.Collector.RunCycle(ctx)
	if rep != nil {
		renderCycle(a.out, rep)
	}
	return err
}

func runUpdateItems(ctx context.Context, a *app, args []string) error {
	rest, err := parseFlags("update-items", args, nil)
	if err != nil {
		return err
	}
	if err := exactArgs("update-items", rest, 0); err != nil {
		return err
	}
	if err := a.cfg.RequireUpstream(); err != nil {
		return err
	}

	n, err := a.engines.Resolver.ResolveUnknown(ctx)
	fmt.Fprintln(a.out, okStyle.Render(fmt.Sprintf("Added %d item(s) to the catalog", n)))
	if err != nil {
		return errors.Wrap(err, "some items could not be resolved")
	}
	return nil
}

// promptConfirm asks on the terminal.
func promptConfirm(title string) (bool, error) {
	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).Run()
	if err != nil {
		return false, errors.Wrap(err, "confirmation prompt")
	}
	return ok, nil
}
