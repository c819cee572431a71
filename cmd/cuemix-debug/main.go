package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/cuemix/pkg/preset"
	"github.com/astromechza/cuemix/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "presets.db", "the sqlite preset database")
	svgVar := flag.Bool("svg", false, "also render the history to an svg in the temp dir")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the preset name")
	}
	name := flag.Arg(0)

	store, err := preset.OpenSQLite(*dbVar)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	doc, err := store.History(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	slog.Info("loaded doc", "name", name, "heads", doc.Heads())

	revs, err := viz.Revisions(doc)
	if err != nil {
		return err
	}
	for i, rev := range revs {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", rev.Hash, "actor", rev.Actor, "message", rev.Message, "dep", rev.Deps)
	}

	if err := viz.WriteDot(os.Stdout, revs); err != nil {
		return fmt.Errorf("failed to write dot: %w", err)
	}

	if *svgVar {
		svgPath, err := viz.RenderToTemp(revs)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "name", name, "path", "file://"+svgPath)
	}
	return nil
}
