// Package cli implements lampctl, a command line front end for the settings
// engine.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dokzlo13/lampsync/internal/config"
)

// App holds global flags and the loaded configuration.
type App struct {
	ConfigPath string
	Lamp       string
	JSON       bool
	NoColor    bool
	Verbose    bool
	Wait       time.Duration

	cfg *config.Config
	out *output
}

// NewRootCmd builds the lampctl command tree.
func NewRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:          "lampctl",
		Short:        "Edit and preview lamp settings",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Show stored settings
  lampctl get
  lampctl get lamp.brightness

  # Change a value, previewing it live, then save
  lampctl set lamp.brightness 40

  # Dim one base pixel
  lampctl knockout 7 20

  # Flash a color on the shade for two seconds
  lampctl preview "#ff8800" --target shade --hold 2s
`),
	}

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(app.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if app.Lamp != "" {
			cfg.Persistence.BaseURL = "http://" + app.Lamp
			cfg.Live.URL = "ws://" + app.Lamp + "/ws"
		}
		app.cfg = cfg
		app.out = newOutput(cmd.OutOrStdout(), app.JSON, app.NoColor)
		setupLogging(app.Verbose)
		return nil
	}

	cmd.PersistentFlags().StringVarP(&app.ConfigPath, "config", "c", envOr("LAMPSYNC_CONFIG", "lampsync.yaml"), "Path to configuration file")
	cmd.PersistentFlags().StringVar(&app.Lamp, "lamp", os.Getenv("LAMPSYNC_LAMP"), "Lamp host[:port], overrides both configured endpoints")
	cmd.PersistentFlags().BoolVar(&app.JSON, "json", false, "Emit JSON")
	cmd.PersistentFlags().BoolVar(&app.NoColor, "no-color", os.Getenv("NO_COLOR") != "", "Disable colored output")
	cmd.PersistentFlags().BoolVarP(&app.Verbose, "verbose", "v", false, "Debug logging")
	cmd.PersistentFlags().DurationVar(&app.Wait, "wait", 5*time.Second, "How long to wait for the live channel")

	cmd.AddCommand(newGetCmd(app))
	cmd.AddCommand(newSetCmd(app))
	cmd.AddCommand(newKnockoutCmd(app))
	cmd.AddCommand(newTabCmd(app))
	cmd.AddCommand(newPreviewCmd(app))
	cmd.AddCommand(newTestExpressionCmd(app))
	cmd.AddCommand(newResetCmd(app))
	cmd.AddCommand(newStatusCmd(app))
	cmd.AddCommand(newWatchCmd(app))

	return cmd
}

func setupLogging(verbose bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	})
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
