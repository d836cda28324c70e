package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/app"
	"github.com/dokzlo13/lampsync/internal/config"
)

func main() {
	var configPath, script string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	flag.StringVar(&script, "script", "", "Lua hook script, overrides server.script")
	port := flag.Int("port", 0, "Lamp port, overrides server.port")
	resetState := flag.Bool("reset-state", false, "Forget stored settings and preview before starting")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if script != "" {
		cfg.Server.Script = script
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	setupLogging(cfg.Log)
	log.Info().Str("config", configPath).Msg("Starting lampsim")

	os.Exit(run(cfg, *resetState))
}

func run(cfg *config.Config, resetState bool) int {
	application, err := app.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create simulator")
		return 1
	}

	if resetState {
		if err := application.ClearState(); err != nil {
			log.Warn().Err(err).Msg("Continuing with previous lamp state")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start simulator")
		application.Stop()
		return 1
	}

	code := 0
	if err := application.Wait(); err != nil {
		log.Error().Err(err).Msg("Lamp server failed")
		code = 1
	}
	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		code = 1
	}
	return code
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.UseJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
