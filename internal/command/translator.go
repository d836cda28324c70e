package command

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/settings"
)

// Settings paths that have a live effect. Every other path is persisted only.
const (
	PathBrightness         = "lamp.brightness"
	PathHomeModeBrightness = "lamp.homeModeBrightness"
	PathHomeMode           = "lamp.homeMode"
	PathShadeColors        = "shade.colors"
	PathBaseColors         = "base.colors"
)

// Sender is the live channel as seen by the translator.
type Sender interface {
	Send(msgs ...any)
	Connected() bool
}

// Translate returns the live command implied by a mutation at path, reading
// values from s after the mutation has been applied.
func Translate(path string, s *settings.Settings) (Command, bool) {
	switch path {
	case PathBrightness:
		if s.Lamp == nil || s.Lamp.HomeModeOn() || s.Lamp.Brightness == nil {
			return Command{}, false
		}
		return Bright(*s.Lamp.Brightness), true

	case PathHomeModeBrightness:
		if !s.Lamp.HomeModeOn() || s.Lamp.HomeModeBrightness == nil { // HomeModeOn is false for a nil lamp
			return Command{}, false
		}
		return Bright(*s.Lamp.HomeModeBrightness), true

	case PathHomeMode:
		if s.Lamp.HomeModeOn() {
			return Bright(s.Lamp.HomeModeBrightnessOrDefault()), true
		}
		return Bright(s.Lamp.BrightnessOrDefault()), true

	case PathShadeColors:
		return Shade(s.ShadeColors()), true

	case PathBaseColors:
		return Base(s.BaseColors()), true
	}
	return Command{}, false
}

// Translator emits live commands for settings mutations.
type Translator struct {
	sender Sender
}

// NewTranslator creates a translator writing to sender.
func NewTranslator(sender Sender) *Translator {
	return &Translator{sender: sender}
}

// Setting emits the command for a mutation at path, if the path is live.
// It reports whether a command was emitted.
func (t *Translator) Setting(path string, s *settings.Settings) bool {
	cmd, ok := Translate(path, s)
	if !ok {
		log.Debug().Str("path", path).Msg("Persisted-only setting, no live command")
		return false
	}
	t.sender.Send(cmd)
	return true
}

// Knockout emits a knockout command. It is sent even when the pixel returns
// to full brightness so the lamp clears its override.
func (t *Translator) Knockout(pixel, brightness int) {
	t.sender.Send(Knockout(pixel, brightness))
}

// Tab emits a tab command when the channel is connected.
func (t *Translator) Tab(tab string) bool {
	if !t.sender.Connected() {
		return false
	}
	t.sender.Send(Tab(tab))
	return true
}
