package engine

import (
	"github.com/dokzlo13/lampsync/internal/command"
	"github.com/dokzlo13/lampsync/internal/settings"
)

// Named setters for the common fields. All of them go through UpdateSetting.

func (e *Engine) SetLampName(name string) error {
	return e.UpdateSetting("lamp.name", name)
}

func (e *Engine) SetLampPassword(password string) error {
	return e.UpdateSetting("lamp.password", password)
}

func (e *Engine) SetBrightness(brightness int) error {
	return e.UpdateSetting(command.PathBrightness, brightness)
}

func (e *Engine) SetHomeMode(enabled bool) error {
	return e.UpdateSetting(command.PathHomeMode, enabled)
}

func (e *Engine) SetHomeModeBrightness(brightness int) error {
	return e.UpdateSetting(command.PathHomeModeBrightness, brightness)
}

func (e *Engine) SetHomeModeSSID(ssid string) error {
	return e.UpdateSetting("lamp.homeModeSSID", ssid)
}

func (e *Engine) SetShadeColors(colors []string) error {
	return e.UpdateSetting(command.PathShadeColors, colors)
}

func (e *Engine) SetBaseColors(colors []string) error {
	return e.UpdateSetting(command.PathBaseColors, colors)
}

// SetBaseActiveColor selects which base color the lamp edits.
func (e *Engine) SetBaseActiveColor(index int) error {
	return e.UpdateSetting("base.ac", index)
}

func (e *Engine) SetBasePixelCount(count int) error {
	return e.UpdateSetting("base.px", count)
}

func (e *Engine) SetExpressions(expressions []settings.Expression) error {
	return e.UpdateSetting("expressions", expressions)
}
