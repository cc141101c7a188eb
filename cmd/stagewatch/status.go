package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/rollup"
	"github.com/dusk-indust/stagewatch/internal/rpc"
)

func runStatus(ctx context.Context, args []string, stdout io.Writer) error {
	var flags clientFlags

	fs := newFlagSet("status", stdout)
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := flags.validate(); err != nil {
		return err
	}

	client := rpc.NewHTTPClient(flags.Server, rpc.WithTimeout(10*time.Second))
	project, err := client.GetProject(ctx, flags.SessionID)
	if err != nil {
		return err
	}
	busy, err := client.SessionBusy(ctx, flags.SessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Session: %s\n\n", flags.SessionID)
	printStageTable(stdout, project)
	if busy.Busy {
		fmt.Fprintf(stdout, "\n  %d job(s) in flight\n", len(busy.JobsInFlight))
	}
	return nil
}

func printStageTable(w io.Writer, p *rollup.UnifiedProjectProgress) {
	if !p.HasData {
		fmt.Fprintln(w, "No stages configured.")
		return
	}

	for _, d := range p.StageDetails {
		marker := "  "
		if d.StageSlug == p.CurrentStageSlug && d.StageStatus != progress.StatusCompleted {
			marker = "->"
		}
		fmt.Fprintf(w, "  %s %-26s [%s]\n", marker, d.StageSlug, d.StageStatus)
	}

	fmt.Fprintf(w, "\n  %d/%d stages complete (%d%%)\n", p.CompletedStages, p.TotalStages, p.OverallPercentage)
	if p.ProjectStatus == progress.StatusCompleted {
		fmt.Fprintln(w, "  All stages complete.")
	}
}
