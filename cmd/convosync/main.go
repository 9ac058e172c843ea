package main

import (
	"context"
	"net"
	"strconv"

	"github.com/joho/godotenv"

	"convosync/internal/app"
	"convosync/pkg/config"
	"convosync/pkg/logger"
	"convosync/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	flags := config.ParseFlags()

	// config file path: flag wins over env
	cfgPath := config.ResolveConfigPath(flags.Config, flags.Set["config"])

	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		logger.Init()
		shutdown.Abort("invalid configuration", err, "", 0)
	}

	// explicit flags win over env/config
	if flags.Set["addr"] {
		if h, p, err := net.SplitHostPort(flags.Addr); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = flags.Addr
		}
	}
	if flags.Set["db"] {
		cfg.Storage.DBPath = flags.DB
	}

	logger.InitWithLevel(cfg.Logging.Level)

	source := "config"
	if envUsed {
		source = "config+env"
	}
	if len(flags.Set) > 0 {
		source += "+flags"
	}

	a, err := app.New(cfg, source, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup failed", err, cfg.Storage.DBPath)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("daemon exited with error", err, cfg.Storage.DBPath)
	}
	logger.Info("daemon_exit_clean")
}
