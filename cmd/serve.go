package cmd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"

	"aigroup/internal/catalog"
	"aigroup/internal/config"
	"aigroup/internal/generation"
	"aigroup/internal/models"
	"aigroup/internal/observability"
	"aigroup/internal/plugin"
	"aigroup/internal/server"
	"aigroup/internal/store"
)

const serveUsage = `Usage:
  aigroup serve --config <path> [--port <port>] [--db-path <path>] [--log-level <level>]

Flags:
  --config    string   Path to YAML configuration file (required)
  --port      int      Override server port from configuration
  --db-path   string   Override store.path; messages stay in memory when both are empty
  --log-level string   debug, info, warn or error (default info)`

type staticPreferences config.Preferences

func (p staticPreferences) Preferences() config.Preferences {
	return config.Preferences(p)
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	var overridePort int
	fs.IntVar(&overridePort, "port", 0, "override server port")
	var dbPath string
	fs.StringVar(&dbPath, "db-path", "", "path to the SQLite message database")

	if ok, err := parseFlags(fs, serveUsage, args); !ok {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	client := httpClient(cfg)
	rt := newRouter(cfg, client)

	cache := catalog.New(rt.Models, cfg.Catalog.TTL)
	scheduler, err := cache.Schedule(ctx, cfg.Catalog.RefreshSchedule, rt.Providers)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	registry, err := plugin.Builtin(toolbox(cfg, client), cfg.Plugins.Enabled)
	if err != nil {
		return err
	}
	coordinator, err := models.ParseModelCode(cfg.Plugins.Coordinator)
	if err != nil {
		return err
	}
	messages, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	executor := plugin.NewExecutor(ctx, registry, messages, staticPreferences(cfg.Preferences), rt, coordinator)
	defer executor.Close()

	srv, err := server.New(cfg, server.Deps{
		Router:   rt,
		Catalog:  cache,
		Messages: messages,
		Executor: executor,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func openStore(cfg config.StoreConfig) (store.Store, func(), error) {
	if cfg.Path == "" {
		slog.Info("keeping messages in memory")
		return store.NewMemory(), func() {}, nil
	}
	db, err := store.NewSQLite(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("persisting messages", "path", cfg.Path)
	return db, func() {
		if err := db.Close(); err != nil {
			slog.Warn("closing message store failed", "error", err)
		}
	}, nil
}

// toolbox builds the plugin collaborators. Generators are only set when their
// credential exists, so an absent one stays a nil interface.
func toolbox(cfg config.Config, client *http.Client) plugin.Toolbox {
	tb := plugin.Toolbox{
		ImageModel:     cfg.Plugins.ImageModel,
		VideoModel:     cfg.Plugins.VideoModel,
		SearchEndpoint: cfg.Plugins.Search.Endpoint,
		SearchKey:      cfg.Plugins.Search.APIKey,
		HTTP:           client,
		EffectInterval: cfg.Plugins.EffectInterval,
	}
	if images, err := generation.NewDashScope("", cfg.Tokens.DashScope, client); err == nil {
		tb.Images = images
	}
	if videos, err := generation.NewZhipu("", cfg.Tokens.Zhipu, client); err == nil {
		tb.Videos = videos
	}
	return tb
}
