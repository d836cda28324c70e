package cli

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dokzlo13/lampsync/internal/engine"
	"github.com/dokzlo13/lampsync/internal/settings"
)

func newGetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get [path]",
		Short: "Print the stored settings, or one value by dotted path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := app.client()
			defer client.Close()

			doc, err := client.Load(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := doc.Marshal()
			if err != nil {
				return err
			}
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return err
			}

			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			v, ok := lookup(decoded, path)
			if !ok {
				return fmt.Errorf("%s: not set", path)
			}
			return app.out.EmitJSON(v)
		},
	}
}

func newSetCmd(app *App) *cobra.Command {
	var noSave bool
	cmd := &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Change one setting, preview it live and save",
		Long: strings.TrimSpace(`
Values are parsed as JSON; anything that is not valid JSON is taken as a
string. Use null to unset a field.`),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.eng.UpdateSetting(args[0], parseValue(args[1])); err != nil {
				return err
			}
			return app.finish(cmd, s, noSave, "Set "+args[0])
		},
	}
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Preview only, do not persist")
	return cmd
}

func newKnockoutCmd(app *App) *cobra.Command {
	var noSave bool
	cmd := &cobra.Command{
		Use:   "knockout <pixel> <brightness>",
		Short: "Set the brightness override of one base pixel (100 clears it)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pixel, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("pixel: %w", err)
			}
			brightness, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("brightness: %w", err)
			}

			s, err := app.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.eng.SetKnockoutBrightness(pixel, brightness); err != nil {
				return err
			}
			return app.finish(cmd, s, noSave, fmt.Sprintf("Pixel %d at %d%%", pixel, brightness))
		},
	}
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Preview only, do not persist")
	return cmd
}

// finish flushes the live preview and saves unless noSave is set.
func (a *App) finish(cmd *cobra.Command, s *session, noSave bool, msg string) error {
	s.eng.Flush()
	if noSave {
		a.out.Success(msg + " (not saved)")
		return nil
	}
	if err := s.eng.Save(cmd.Context()); err != nil {
		return err
	}
	if a.JSON {
		return a.out.EmitJSON(map[string]any{"status": "ok", "saved": true})
	}
	a.out.Success(msg)
	return nil
}

func newTabCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:       "tab <" + strings.Join(engine.Tabs, "|") + ">",
		Short:     "Switch the tab shown on the lamp",
		Args:      cobra.ExactArgs(1),
		ValidArgs: engine.Tabs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(engine.Tabs, args[0]) {
				return fmt.Errorf("unknown tab %q, want one of %s", args[0], strings.Join(engine.Tabs, ", "))
			}
			s, err := app.openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.close()

			if !s.eng.SetActiveTab(args[0]) {
				return errNotConnected
			}
			app.out.Success("Tab " + args[0])
			return nil
		},
	}
}

func newPreviewCmd(app *App) *cobra.Command {
	var (
		target string
		hold   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "preview <color>",
		Short: "Show a color on the lamp for a while, then restore the saved colors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := settings.ParseTarget(target)
			if err != nil {
				return err
			}
			s, err := app.openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.eng.PreviewExpressionColor(args[0], t); err != nil {
				return err
			}
			s.eng.Flush()
			app.out.Success(fmt.Sprintf("Previewing %s on %s", args[0], t))

			// Restore even when interrupted.
			waitErr := sleepCtx(cmd.Context(), hold)
			s.eng.RestoreColorsAfterPreview()
			s.eng.Flush()
			return waitErr
		},
	}
	cmd.Flags().StringVar(&target, "target", "both", "Zones to preview on (shade|base|both)")
	cmd.Flags().DurationVar(&hold, "hold", 2*time.Second, "How long to show the color")
	return cmd
}

func newTestExpressionCmd(app *App) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "test-expression <type>",
		Short: "Run an expression once on the lamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.close()

			s.eng.TestExpression(args[0])
			s.eng.Flush()
			app.out.Success("Testing " + args[0])

			waitErr := sleepCtx(cmd.Context(), duration)
			s.eng.TestExpressionComplete()
			s.eng.Flush()
			return waitErr
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 3*time.Second, "How long to let the expression run")
	return cmd
}

func newResetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Push the stored settings back to the lamp preview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.eng.Reset(); err != nil {
				return err
			}
			app.out.Success("Lamp preview reset to stored settings")
			return nil
		},
	}
}
