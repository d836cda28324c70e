package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dokzlo13/lampsync/internal/engine"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lamp reachability and engine state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.close()

			st := s.eng.Status()
			doc := s.eng.Settings()
			name := ""
			if doc.Lamp != nil && doc.Lamp.Name != nil {
				name = *doc.Lamp.Name
			}

			if app.JSON {
				return app.out.EmitJSON(statusJSON(st, name))
			}

			out := app.out
			out.Field("lamp", name)
			out.Field("settings", app.cfg.Persistence.BaseURL)
			out.Field("live", app.cfg.Live.URL)
			out.Field("loaded", out.Flag(st.Loaded, true))
			out.Field("connected", fmt.Sprintf("%s %s", out.Flag(st.Connected, true), out.Dim("("+st.LiveState.String()+")")))
			out.Field("brightness", fmt.Sprintf("%d%%", doc.Lamp.EffectiveBrightness()))
			out.Field("home mode", out.Flag(doc.Lamp.HomeModeOn(), true))
			out.Field("shade", fmt.Sprint(doc.ShadeColors()))
			out.Field("base", fmt.Sprint(doc.BaseColors()))
			out.Field("expressions", fmt.Sprint(len(doc.Expressions)))
			if !st.Connected {
				out.Warn("Live preview unavailable")
			}
			return nil
		},
	}
}

func statusJSON(st engine.Status, name string) map[string]any {
	out := map[string]any{
		"name":        name,
		"loaded":      st.Loaded,
		"connected":   st.Connected,
		"disabled":    st.Disabled,
		"live_state":  st.LiveState.String(),
		"has_changes": st.HasChanges,
		"active_tab":  st.ActiveTab,
	}
	if st.LoadError != nil {
		out["load_error"] = st.LoadError.Error()
	}
	if st.SaveError != nil {
		out["save_error"] = st.SaveError.Error()
	}
	return out
}
