package lampserver

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/dokzlo13/lampsync/internal/command"
	"github.com/dokzlo13/lampsync/internal/knockout"
)

// Preview is what the simulated lamp is currently showing. It is driven only
// by live commands and never touches the stored settings.
type Preview struct {
	Brightness     int         `json:"brightness"`
	Shade          []string    `json:"shade"`
	Base           []string    `json:"base"`
	Knockout       map[int]int `json:"knockout"`
	Tab            string      `json:"tab"`
	TestExpression string      `json:"testExpression,omitempty"`
	Commands       int64       `json:"commands"`
}

func newPreview() Preview {
	return Preview{
		Brightness: 100,
		Shade:      []string{},
		Base:       []string{},
		Knockout:   map[int]int{},
		Tab:        "home",
	}
}

// Apply updates the preview with one command.
func (p *Preview) Apply(cmd command.Command) {
	if p.Knockout == nil {
		p.Knockout = map[int]int{}
	}

	switch cmd.Action {
	case command.ActionBright:
		p.Brightness = cmd.Brightness
	case command.ActionShade:
		p.Shade = slices.Clone(cmd.Colors)
	case command.ActionBase:
		p.Base = slices.Clone(cmd.Colors)
	case command.ActionKnockout:
		if cmd.PixelLevel >= knockout.Full {
			delete(p.Knockout, cmd.Pixel)
		} else {
			p.Knockout[cmd.Pixel] = cmd.PixelLevel
		}
	case command.ActionTab:
		p.Tab = cmd.Tab
	case command.ActionTestExpression:
		p.TestExpression = cmd.ExpressionType
	case command.ActionTestExpressionComplete:
		p.TestExpression = ""
		p.Shade = slices.Clone(cmd.ShadeColors)
		p.Base = slices.Clone(cmd.BaseColors)
	}
	p.Commands++
}

// Clone returns a deep copy.
func (p Preview) Clone() Preview {
	p.Shade = slices.Clone(p.Shade)
	p.Base = slices.Clone(p.Base)
	p.Knockout = maps.Clone(p.Knockout)
	return p
}

// Map returns the preview as decoded JSON, the shape scripts see.
func (p Preview) Map() map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
