package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dusk-indust/stagewatch/internal/config"
	"github.com/dusk-indust/stagewatch/internal/export"
	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/rs/zerolog"
)

type layoutFlags struct {
	ConfigDir   string
	RecipeDir   string
	Stage       string
	Format      string
	Orientation string
	Width       float64
	Height      float64
}

func runLayout(ctx context.Context, args []string, stdout io.Writer) error {
	var flags layoutFlags

	fs := newFlagSet("layout", stdout)
	fs.StringVar(&flags.ConfigDir, "config-dir", ".", "directory holding stagewatch.yml and .env")
	fs.StringVar(&flags.RecipeDir, "recipes", "", "recipe directory (overrides config)")
	fs.StringVar(&flags.Stage, "stage", "", "stage slug (required)")
	fs.StringVar(&flags.Format, "format", "json", "output format: json or mermaid")
	fs.StringVar(&flags.Orientation, "orientation", "vertical", "mermaid orientation: horizontal or vertical")
	fs.Float64Var(&flags.Width, "width", 0, "viewport width for scaling (json only)")
	fs.Float64Var(&flags.Height, "height", 0, "viewport height for scaling (json only)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if flags.Stage == "" {
		return errors.New("-stage is required")
	}

	cfg, err := config.LoadAll(flags.ConfigDir)
	if err != nil {
		return err
	}
	if flags.RecipeDir != "" {
		cfg.RecipeDir = flags.RecipeDir
	}

	reg := recipe.NewRegistry(recipe.NewFileProvider(cfg.RecipeDir), zerolog.Nop())
	r, err := reg.Fetch(ctx, flags.Stage)
	if err != nil {
		return err
	}

	switch flags.Format {
	case "json":
		var viewport *layout.Viewport
		if flags.Width > 0 && flags.Height > 0 {
			viewport = &layout.Viewport{Width: flags.Width, Height: flags.Height}
		}
		return export.WriteJSON(stdout, layout.Compute(r.Steps, r.Edges, viewport, cfg.Layout))
	case "mermaid":
		orientation := layout.OrientationVertical
		if flags.Orientation == string(layout.OrientationHorizontal) {
			orientation = layout.OrientationHorizontal
		}
		_, err := fmt.Fprint(stdout, export.GenerateMermaid(r, nil, orientation))
		return err
	default:
		return fmt.Errorf("unknown format %q (want json or mermaid)", flags.Format)
	}
}
