package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/nexusdoc/snapshot"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: snapshot-util <list|validate|prune> -dir <snapshot_dir> [flags]")
	fmt.Fprintln(os.Stderr, "  validate takes snapshot file paths as arguments")
	fmt.Fprintln(os.Stderr, "  prune accepts -keep N and -older-than DURATION")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	dir := fs.String("dir", "", "The directory containing snapshot files (e.g. <data_dir>/snapshots)")
	keep := fs.Int("keep", 0, "prune: always keep the N newest snapshots")
	olderThan := fs.Duration("older-than", 0, "prune: delete snapshots older than this")
	fs.Parse(os.Args[2:])

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	manager := snapshot.NewManager(snapshot.ManagerOptions{Dir: *dir, Logger: logger})

	var err error
	switch cmd {
	case "list":
		err = list(os.Stdout, manager)
	case "validate":
		err = validate(context.Background(), os.Stdout, manager, fs.Args())
	case "prune":
		err = prune(context.Background(), os.Stdout, manager, snapshot.PruneOptions{KeepN: *keep, PruneOlderThan: *olderThan})
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func list(out io.Writer, manager *snapshot.Manager) error {
	snapshots, err := manager.List()
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(out, "No snapshots found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED AT\tSEQ\tCOLLECTIONS\tDOCUMENTS\tSIZE (MB)")
	fmt.Fprintln(w, "--\t----------\t---\t-----------\t---------\t---------")
	for _, s := range snapshots {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.2f\n",
			s.ID,
			s.CreatedAt.Format(time.RFC3339),
			s.Seq,
			s.Collections,
			s.Documents,
			float64(s.Size)/(1024*1024),
		)
	}
	return w.Flush()
}

func validate(ctx context.Context, out io.Writer, manager *snapshot.Manager, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("validate needs at least one snapshot file")
	}
	failed := 0
	for _, p := range paths {
		if err := manager.Validate(ctx, p); err != nil {
			fmt.Fprintf(out, "INVALID %s: %v\n", p, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "OK      %s\n", p)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d snapshots failed validation", failed, len(paths))
	}
	return nil
}

func prune(ctx context.Context, out io.Writer, manager *snapshot.Manager, opts snapshot.PruneOptions) error {
	removed, err := manager.Prune(ctx, opts)
	if err != nil {
		return fmt.Errorf("pruning snapshots: %w", err)
	}
	for _, id := range removed {
		fmt.Fprintf(out, "removed %s\n", id)
	}
	fmt.Fprintf(out, "%d snapshot(s) removed\n", len(removed))
	return nil
}
