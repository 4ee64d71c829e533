package cmd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"aigroup/internal/catalog"
	"aigroup/internal/translator"
)

const modelsUsage = `Usage:
  aigroup models --config <path> [--provider <key>]

Flags:
  --config    string   Path to YAML configuration file (required)
  --provider  string   Only list this provider, e.g. anthropic or custom:local
  --log-level string   debug, info, warn or error (default info)`

func listModels(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	var only string
	fs.StringVar(&only, "provider", "", "provider key to list")

	if ok, err := parseFlags(fs, modelsUsage, args); !ok {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}

	rt := newRouter(cfg, httpClient(cfg))
	cache := catalog.New(rt.Models, cfg.Catalog.TTL)

	keys := rt.Providers()
	if only != "" {
		keys = []string{only}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tOWNER")
	for _, key := range keys {
		list, err := cache.Models(ctx, key)
		if err != nil {
			if only != "" {
				return err
			}
			slog.Warn("skipping provider catalog", "provider", key, "error", err)
			continue
		}
		for _, entry := range translator.FromCatalog(key, list) {
			fmt.Fprintf(w, "%s\t%s\n", entry.ID, entry.OwnedBy)
		}
	}
	return w.Flush()
}
