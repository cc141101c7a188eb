package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dusk-indust/stagewatch/internal/config"
	"github.com/dusk-indust/stagewatch/internal/logging"
	"github.com/dusk-indust/stagewatch/internal/mcptools"
	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/dusk-indust/stagewatch/internal/rpc"
	"github.com/dusk-indust/stagewatch/internal/tracker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type serveFlags struct {
	ConfigDir string
	Addr      string
	MCPAddr   string
	MCPStdio  bool
	RecipeDir string
}

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	var flags serveFlags

	fs := newFlagSet("serve", stdout)
	fs.StringVar(&flags.ConfigDir, "config-dir", ".", "directory holding stagewatch.yml and .env")
	fs.StringVar(&flags.Addr, "addr", "", "JSON-RPC/SSE listen address (overrides config)")
	fs.StringVar(&flags.MCPAddr, "mcp-addr", "", "MCP streamable HTTP listen address (overrides config)")
	fs.BoolVar(&flags.MCPStdio, "mcp-stdio", false, "serve MCP over stdin/stdout")
	fs.StringVar(&flags.RecipeDir, "recipes", "", "recipe directory (overrides config)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadAll(flags.ConfigDir)
	if err != nil {
		return err
	}
	if flags.Addr != "" {
		cfg.ListenAddr = flags.Addr
	}
	if flags.MCPAddr != "" {
		cfg.MCPListenAddr = flags.MCPAddr
	}
	if flags.RecipeDir != "" {
		cfg.RecipeDir = flags.RecipeDir
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	provider, closeProvider, err := newProvider(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeProvider()

	tr := tracker.New(recipe.NewRegistry(provider, log), tracker.Options{
		Stages: cfg.Stages,
		Layout: cfg.Layout,
		Logger: log,
	})
	if err := tr.Preload(ctx); err != nil {
		return err
	}

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("mcpAddr", cfg.MCPListenAddr).
		Bool("mcpStdio", flags.MCPStdio).
		Strs("stages", cfg.Stages).
		Msg("stagewatch serving")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rpc.NewServer(tr, log).ListenAndServe(gctx, cfg.ListenAddr)
	})

	svc := mcptools.NewProgressService(tr)
	if cfg.MCPListenAddr != "" {
		g.Go(func() error {
			return mcptools.RunHTTP(gctx, svc, cfg.MCPListenAddr)
		})
	}
	if flags.MCPStdio {
		g.Go(func() error {
			return mcptools.RunStdio(gctx, svc)
		})
	}

	return g.Wait()
}

// newProvider builds the file provider, wrapped in a Redis cache when a
// Redis URL is configured.
func newProvider(ctx context.Context, cfg *config.ProjectConfig, log zerolog.Logger) (recipe.Provider, func(), error) {
	files := recipe.NewFileProvider(cfg.RecipeDir)
	if cfg.RedisURL == "" {
		return files, func() {}, nil
	}

	cache, err := recipe.NewRedisCache(ctx, cfg.RedisURL, files, cfg.RedisTTL, log)
	if err != nil {
		return nil, nil, fmt.Errorf("recipe cache: %w", err)
	}
	return cache, func() {
		if err := cache.Close(); err != nil {
			log.Warn().Err(err).Msg("close recipe cache")
		}
	}, nil
}
