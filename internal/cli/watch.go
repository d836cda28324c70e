package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dokzlo13/lampsync/internal/eventbus"
)

func newWatchCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Hold the live channel open and print connection events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.close()

			events := make(chan eventbus.Event, 16)
			s.bus.Subscribe(eventbus.Any, func(e eventbus.Event) {
				select {
				case events <- e:
				default:
				}
			})

			st := s.eng.Status()
			app.out.Print(fmt.Sprintf("%s live channel %s", app.out.Dim(st.LiveState.String()), app.cfg.Live.URL))

			for {
				select {
				case <-cmd.Context().Done():
					if errors.Is(cmd.Context().Err(), context.Canceled) {
						return nil
					}
					return cmd.Context().Err()
				case e := <-events:
					if app.JSON {
						if err := app.out.EmitJSON(map[string]any{"type": e.Type, "time": e.Time, "data": e.Data}); err != nil {
							return err
						}
					} else {
						app.out.Print(formatEvent(app.out, e))
					}
					if e.Type == eventbus.EventConnectionExhausted {
						return fmt.Errorf("lamp unreachable: %s", e.String("error"))
					}
				}
			}
		},
	}
}

func formatEvent(out *output, e eventbus.Event) string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Data[k]))
	}
	return fmt.Sprintf("%s %-22s %s", out.Dim(e.Time.Format("15:04:05.000")), e.Type, strings.Join(parts, " "))
}
