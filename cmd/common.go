package cmd

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"aigroup/internal/config"
	"aigroup/internal/observability"
	"aigroup/internal/provider/transport"
	"aigroup/internal/router"
)

// commonFlags are accepted by every command that reads the configuration.
type commonFlags struct {
	configPath string
	logLevel   string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func parseFlags(fs *flag.FlagSet, usage string, args []string) (bool, error) {
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, nil
		}
		return false, fmt.Errorf("parse %s flags: %w", fs.Name(), err)
	}
	return true, nil
}

func (f *commonFlags) load() (config.Config, error) {
	if err := observability.SetupLogging(f.logLevel); err != nil {
		return config.Config{}, err
	}
	if f.configPath == "" {
		return config.Config{}, errors.New("--config <path> is required")
	}
	return config.Load(f.configPath)
}

func httpClient(cfg config.Config) *http.Client {
	retry := transport.DefaultRetryPolicy
	if n := cfg.HTTP.Retry.MaxRetries; n != nil {
		retry.MaxRetries = *n
	}
	if d := cfg.HTTP.Retry.BaseDelay; d > 0 {
		retry.BaseDelay = d
	}
	if d := cfg.HTTP.Retry.MaxDelay; d > 0 {
		retry.MaxDelay = d
	}
	return transport.NewHTTPClient(transport.Settings{
		ConnectTimeout: cfg.HTTP.ConnectTimeout,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Retry:          retry,
	})
}

func newRouter(cfg config.Config, client *http.Client) *router.Router {
	return router.New(cfg, router.StaticTokens(cfg.Tokens), client)
}
