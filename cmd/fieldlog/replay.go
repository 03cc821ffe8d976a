package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fieldlog/internal/fusion"
	"github.com/banshee-data/fieldlog/internal/replay"
)

type replayOptions struct {
	outDir string
	html   bool
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Run a recorded sensor log through the fusion filter and plot it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "output directory (default <log name>-replay next to the log)")
	cmd.Flags().BoolVar(&opts.html, "html", true, "also write an interactive heading.html chart")
	return cmd
}

func runReplay(cmd *cobra.Command, root *rootOptions, opts *replayOptions, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	events, err := replay.LoadEvents(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	tr, err := replay.Run(events, fusion.ConfigFromTuning(root.tuning))
	if err != nil {
		return err
	}

	dir := opts.outDir
	if dir == "" {
		dir = strings.TrimSuffix(path, filepath.Ext(path)) + "-replay"
	}
	paths, err := replay.SavePlots(tr, dir)
	if err != nil {
		return err
	}
	if opts.html {
		chart := filepath.Join(dir, "heading.html")
		out, err := os.Create(chart)
		if err != nil {
			return err
		}
		err = replay.RenderChart(tr, filepath.Base(path), out)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		paths = append(paths, chart)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "events=%d fixes=%d skipped=%d samples=%d duration=%v mean_compass_error=%.2f\n",
		tr.Events, tr.Fixes, tr.Skipped, len(tr.Samples), tr.Duration(), tr.MeanCompassError())
	for _, p := range paths {
		fmt.Fprintln(w, p)
	}
	return nil
}
