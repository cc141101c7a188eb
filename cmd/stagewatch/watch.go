package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/rpc"
)

func runWatch(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		flags     clientFlags
		stage     string
		iteration int
	)

	fs := newFlagSet("watch", stdout)
	flags.register(fs)
	fs.StringVar(&stage, "stage", "", "only watch this stage")
	fs.IntVar(&iteration, "iteration", -1, "only watch this iteration (-1 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := flags.validate(); err != nil {
		return err
	}

	// One stage run is watched through its observer, which ends the stream
	// once the work completes or someone dismisses it.
	client := rpc.NewHTTPClient(flags.Server)
	var events <-chan rpc.StreamEvent
	var err error
	if stage != "" && iteration >= 0 {
		events, err = client.Observe(ctx, progress.Key{SessionID: flags.SessionID, StageSlug: stage, Iteration: iteration})
	} else {
		events, err = client.Stream(ctx, flags.SessionID, stage, iteration)
	}
	if err != nil {
		return err
	}

	var last progress.Key
	for ev := range events {
		if ev.Err != nil {
			return ev.Err
		}
		if ev.Dismissal != nil {
			fmt.Fprintf(stdout, "%s closed: %s\n", progress.FormatKeyHeader(ev.Dismissal.Key), ev.Dismissal.Reason)
			return nil
		}
		printChange(stdout, *ev.Change, &last)
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printChange writes one change, preceded by a header whenever the key
// differs from the previous one.
func printChange(w io.Writer, c progress.Change, last *progress.Key) {
	if c.Key != *last {
		fmt.Fprintln(w, progress.FormatKeyHeader(c.Key))
		*last = c.Key
	}

	// Snapshot frames carry no step; print every step of the entry.
	if c.StepKey == "" {
		keys := make([]string, 0, len(c.Progress.StepStatuses))
		for k := range c.Progress.StepStatuses {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintln(w, progress.FormatStep(k, c.Progress.StepStatuses[k], ""))
		}
		return
	}

	if c.Rejected || !c.StepChanged() {
		return
	}
	message := ""
	if c.Event != nil && c.Event.Failure != nil {
		message = c.Event.Failure.Message
	}
	fmt.Fprintln(w, progress.FormatStep(c.StepKey, c.Current, message))
}
