package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Garsondee/fleet-command/internal/config"
	"github.com/Garsondee/fleet-command/internal/game"
	"github.com/Garsondee/fleet-command/internal/logging"
	"github.com/Garsondee/fleet-command/internal/metrics"
	"github.com/Garsondee/fleet-command/internal/store"
	"github.com/hajimehoshi/ebiten/v2"
)

func main() {
	var configDir string
	flag.StringVar(&configDir, "config", "", "directory holding "+config.FileName+" (default: working directory, then the executable's)")
	flag.Parse()

	dir, err := resolveConfigDir(configDir)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		log.Fatal(err)
	}

	logger, closeLog, err := logging.Setup(cfg.Logging(), os.Stdout)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()
	if cfg.File == "" {
		logger.Info().Str("dir", dir).Msg("No config file found, using defaults")
	} else {
		logger.Info().Str("file", cfg.File).Msg("Loaded config")
	}

	provider, err := metrics.NewProvider(cfg.Metrics.OTel)
	if err != nil {
		logger.Warn().Err(err).Msg("OpenTelemetry metrics disabled")
	} else if provider.Enabled() {
		logger.Info().Str("file", cfg.Metrics.OTel.File).Msg("Exporting OpenTelemetry metrics")
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("Failed to flush metrics")
			}
		}()
	}

	rec, err := metrics.NewRecorder(nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create metrics recorder")
	}
	svc := game.Services{Log: logger, Metrics: rec}

	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Battle store disabled")
		} else {
			svc.Store = st
			defer st.Close()
		}
	}
	if cfg.Metrics.Influx.Enabled {
		svc.Influx = metrics.NewInfluxSink(cfg.Metrics.Influx, logger)
		defer svc.Influx.Close()
	}

	ebiten.SetWindowTitle(cfg.Window.Title)
	ebiten.SetWindowSize(cfg.Window.Width, cfg.Window.Height)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	if err := ebiten.RunGame(game.New(cfg, svc)); err != nil {
		logger.Error().Err(err).Msg("Game exited with error")
		return
	}
	logger.Info().Msg("Goodbye")
}

// resolveConfigDir returns dir when set. Otherwise it prefers the working
// directory when it holds a config file and falls back to the executable's
// directory.
func resolveConfigDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	if _, err := os.Stat(config.FileName); err == nil {
		return ".", nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("error getting executable directory: %w", err)
	}
	return filepath.Dir(exe), nil
}
