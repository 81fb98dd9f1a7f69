package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/omarques/ceg/internal/config"
	"github.com/omarques/ceg/internal/daemon"
	"github.com/omarques/ceg/internal/paths"
	"go.uber.org/fx"
)

func main() {
	dataFlag := flag.String("data", "", "data directory (default ~/.ceg)")
	endpointFlag := flag.String("endpoint", "", "base URL of the remote check-in API (overrides config)")
	listenFlag := flag.String("listen", "", "local HTTP API address (overrides config)")
	flag.Parse()

	dataDir := *dataFlag
	if dataDir == "" {
		dataDir = paths.BaseDir()
	}

	cfg, err := resolveConfig(dataDir, *endpointFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.ListenAddr = *listenFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: dataDir, Config: cfg}),
	)

	app.Run()
}

// resolveConfig loads config.toml from the data dir. On first run a config is
// created from defaults, which requires -endpoint to be given.
func resolveConfig(dataDir, endpoint string) (*config.Config, error) {
	cfgPath := paths.ConfigPath(dataDir)

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		if endpoint == "" {
			return nil, fmt.Errorf("no config at %s; run with -endpoint to create one", cfgPath)
		}
		cfg = config.Default(endpoint)
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if endpoint != "" {
		cfg.EndpointBase = endpoint
		cfg.ProbeURL = endpoint + "/api/health"
	}
	if cfg.EndpointBase == "" {
		return nil, fmt.Errorf("endpoint_base not set in %s and no -endpoint given", cfgPath)
	}
	return cfg, nil
}
