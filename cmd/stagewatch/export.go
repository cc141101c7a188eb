package main

import (
	"context"
	"io"
	"time"

	"github.com/dusk-indust/stagewatch/internal/export"
	"github.com/dusk-indust/stagewatch/internal/rpc"
)

func runExport(ctx context.Context, args []string, stdout io.Writer) error {
	var flags clientFlags

	fs := newFlagSet("export", stdout)
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := flags.validate(); err != nil {
		return err
	}

	exp, err := rpc.NewHTTPClient(flags.Server, rpc.WithTimeout(10*time.Second)).Export(ctx, flags.SessionID)
	if err != nil {
		return err
	}
	return export.WriteJSON(stdout, exp)
}
