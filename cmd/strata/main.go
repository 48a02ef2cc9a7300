package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/StrataLabs/strata/engine"
	"github.com/StrataLabs/strata/flush"
	"github.com/StrataLabs/strata/fork"
	"github.com/StrataLabs/strata/loader"
)

const defaultConfig = "strata.yaml"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: strata [--config file] <command> [args]

commands:
  workspaces                        list workspaces
  import <dir> <name> [--read-only] import a directory as a new workspace
  flush <workspace> <dir>           materialize a workspace into a directory
  fork <workspace> <name>           fork a workspace
  merge <fork> [strategy]           merge a fork back (auto, prefer_fork, prefer_target, manual)
  watch <workspace> <dir>           watch a materialized directory and sync edits back
  gc                                purge tombstones and unreferenced content
`)
	os.Exit(1)
}

func main() {
	args := os.Args[1:]

	cfgPath := defaultConfig
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			if i+1 >= len(args) {
				slog.Error("--config requires a path argument")
				os.Exit(1)
			}
			cfgPath = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	if len(rest) == 0 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	eng, err := engine.New(ctx, cfgPath, logger)
	if err != nil {
		slog.Error("failed to initialize engine", "config", cfgPath, "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	if err := run(ctx, eng, rest); err != nil {
		slog.Error("command failed", "command", rest[0], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, eng *engine.Engine, args []string) error {
	switch args[0] {
	case "workspaces":
		return cmdWorkspaces(ctx, eng)
	case "import":
		return cmdImport(ctx, eng, args[1:])
	case "flush":
		return cmdFlush(ctx, eng, args[1:])
	case "fork":
		return cmdFork(ctx, eng, args[1:])
	case "merge":
		return cmdMerge(ctx, eng, args[1:])
	case "watch":
		return cmdWatch(ctx, eng, args[1:])
	case "gc":
		return cmdGC(ctx, eng)
	default:
		usage()
		return nil
	}
}

func cmdWorkspaces(ctx context.Context, eng *engine.Engine) error {
	workspaces, err := eng.VFS().ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		fmt.Printf("%s  %-20s %-10s %s\n", ws.ID, ws.Name, ws.Kind, ws.Source)
	}
	return nil
}

func cmdImport(ctx context.Context, eng *engine.Engine, args []string) error {
	var dir, name string
	opts := loader.Options{HonorIgnoreFiles: true}
	for _, a := range args {
		switch {
		case a == "--read-only":
			opts.ReadOnly = true
		case dir == "":
			dir = a
		case name == "":
			name = a
		}
	}
	if dir == "" || name == "" {
		usage()
	}

	report, err := eng.Loader().ImportProject(ctx, dir, name, opts)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d files (%d bytes) in %d directories, %d errors\n",
		report.FilesImported, report.BytesImported, report.DirectoriesImported, len(report.Errors))
	return nil
}

func cmdFlush(ctx context.Context, eng *engine.Engine, args []string) error {
	if len(args) < 2 {
		usage()
	}
	ws, err := eng.VFS().GetWorkspaceByName(ctx, args[0])
	if err != nil {
		return err
	}
	report, err := eng.Flush().Flush(ctx, ws.ID, flush.All(), eng.FlushOptions(args[1]))
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d files (%d bytes), deleted %d, %d conflicts, %d errors\n",
		report.FilesWritten, report.BytesWritten, report.FilesDeleted,
		len(report.Conflicts), len(report.Errors))
	for _, p := range report.Conflicts {
		fmt.Printf("  conflict: %s\n", p)
	}
	return nil
}

func cmdFork(ctx context.Context, eng *engine.Engine, args []string) error {
	if len(args) < 2 {
		usage()
	}
	source, err := eng.VFS().GetWorkspaceByName(ctx, args[0])
	if err != nil {
		return err
	}
	f, err := eng.Forks().CreateFork(ctx, source.ID, args[1])
	if err != nil {
		return err
	}
	fmt.Printf("forked %s -> %s (%s)\n", source.Name, f.Name, f.ID)
	return nil
}

func cmdMerge(ctx context.Context, eng *engine.Engine, args []string) error {
	if len(args) < 1 {
		usage()
	}
	f, err := eng.VFS().GetWorkspaceByName(ctx, args[0])
	if err != nil {
		return err
	}
	strategy := fork.MergeAuto
	if len(args) > 1 {
		strategy = fork.MergeStrategy(args[1])
	}
	report, err := eng.Forks().MergeFork(ctx, f.ID, strategy)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d changes, %d conflicts (%d auto-resolved)\n",
		report.ChangesApplied, report.ConflictCount, report.AutoResolved)
	for _, c := range report.Conflicts {
		if c.Resolution == nil {
			fmt.Printf("  unresolved: %s\n", c.Path)
		}
	}
	return nil
}

func cmdWatch(ctx context.Context, eng *engine.Engine, args []string) error {
	if len(args) < 2 {
		usage()
	}
	ws, err := eng.VFS().GetWorkspaceByName(ctx, args[0])
	if err != nil {
		return err
	}

	w, err := eng.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Watch(ws.ID, args[1]); err != nil {
		return err
	}

	go func() {
		for batch := range w.Batches() {
			if err := w.SyncToVFS(ctx, batch); err != nil {
				slog.Error("sync failed", "events", len(batch), "error", err)
				continue
			}
			slog.Info("synced", "events", len(batch))
		}
	}()

	slog.Info("watching; press ctrl-c to stop", "workspace", ws.Name, "dir", args[1])
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdGC(ctx context.Context, eng *engine.Engine) error {
	report, err := eng.VFS().GarbageCollect(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d tombstones, purged %d payloads (%d bytes)\n",
		report.TombstonesRemoved, report.PayloadsPurged, report.BytesReclaimed)
	return nil
}
