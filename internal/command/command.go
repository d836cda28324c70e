// Package command defines the live-channel messages sent to the lamp and the
// rules deciding which settings mutations produce one.
package command

import (
	"encoding/json"
	"fmt"
)

// Action is the value of the "a" field on the wire.
type Action string

const (
	ActionBright                 Action = "bright"
	ActionShade                  Action = "shade"
	ActionBase                   Action = "base"
	ActionKnockout               Action = "knockout"
	ActionTab                    Action = "tab"
	ActionTestExpression         Action = "test_expression"
	ActionTestExpressionComplete Action = "test_expression_complete"
)

// Command is a single live-channel message. Only the fields relevant to
// Action are encoded.
type Command struct {
	Action Action

	Brightness int      // bright: v
	Tab        string   // tab: v
	Colors     []string // shade, base: c

	Pixel      int // knockout: p
	PixelLevel int // knockout: b

	ExpressionType string   // test_expression: type
	ShadeColors    []string // test_expression_complete
	BaseColors     []string // test_expression_complete
}

func Bright(v int) Command { return Command{Action: ActionBright, Brightness: v} }

func Shade(colors []string) Command {
	return Command{Action: ActionShade, Colors: copyColors(colors)}
}

func Base(colors []string) Command {
	return Command{Action: ActionBase, Colors: copyColors(colors)}
}

func Knockout(pixel, brightness int) Command {
	return Command{Action: ActionKnockout, Pixel: pixel, PixelLevel: brightness}
}

func Tab(tab string) Command { return Command{Action: ActionTab, Tab: tab} }

func TestExpression(expressionType string) Command {
	return Command{Action: ActionTestExpression, ExpressionType: expressionType}
}

// TestExpressionComplete tells the lamp to end an expression test and return
// to the given committed colors.
func TestExpressionComplete(shade, base []string) Command {
	return Command{
		Action:      ActionTestExpressionComplete,
		ShadeColors: copyColors(shade),
		BaseColors:  copyColors(base),
	}
}

func (c Command) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("command(%s)", c.Action)
	}
	return string(data)
}

// MarshalJSON encodes the command in the lamp's compact wire format.
func (c Command) MarshalJSON() ([]byte, error) {
	switch c.Action {
	case ActionBright:
		return json.Marshal(struct {
			A Action `json:"a"`
			V int    `json:"v"`
		}{c.Action, c.Brightness})
	case ActionTab:
		return json.Marshal(struct {
			A Action `json:"a"`
			V string `json:"v"`
		}{c.Action, c.Tab})
	case ActionShade, ActionBase:
		return json.Marshal(struct {
			A Action   `json:"a"`
			C []string `json:"c"`
		}{c.Action, nonNil(c.Colors)})
	case ActionKnockout:
		return json.Marshal(struct {
			A Action `json:"a"`
			P int    `json:"p"`
			B int    `json:"b"`
		}{c.Action, c.Pixel, c.PixelLevel})
	case ActionTestExpression:
		return json.Marshal(struct {
			A    Action `json:"a"`
			Type string `json:"type"`
		}{c.Action, c.ExpressionType})
	case ActionTestExpressionComplete:
		return json.Marshal(struct {
			A           Action   `json:"a"`
			ShadeColors []string `json:"shadeColors"`
			BaseColors  []string `json:"baseColors"`
		}{c.Action, nonNil(c.ShadeColors), nonNil(c.BaseColors)})
	}
	return nil, fmt.Errorf("unknown action %q", c.Action)
}

// UnmarshalJSON decodes a wire message. Used by the lamp simulator.
func (c *Command) UnmarshalJSON(data []byte) error {
	var w struct {
		A           Action          `json:"a"`
		V           json.RawMessage `json:"v"`
		C           []string        `json:"c"`
		P           int             `json:"p"`
		B           int             `json:"b"`
		Type        string          `json:"type"`
		ShadeColors []string        `json:"shadeColors"`
		BaseColors  []string        `json:"baseColors"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Command{Action: w.A}
	switch w.A {
	case ActionBright:
		if err := json.Unmarshal(w.V, &out.Brightness); err != nil {
			return fmt.Errorf("bright: invalid value: %w", err)
		}
	case ActionTab:
		if err := json.Unmarshal(w.V, &out.Tab); err != nil {
			return fmt.Errorf("tab: invalid value: %w", err)
		}
	case ActionShade, ActionBase:
		out.Colors = w.C
	case ActionKnockout:
		out.Pixel, out.PixelLevel = w.P, w.B
	case ActionTestExpression:
		out.ExpressionType = w.Type
	case ActionTestExpressionComplete:
		out.ShadeColors, out.BaseColors = w.ShadeColors, w.BaseColors
	default:
		return fmt.Errorf("unknown action %q", w.A)
	}

	*c = out
	return nil
}

func copyColors(colors []string) []string {
	if colors == nil {
		return nil
	}
	out := make([]string, len(colors))
	copy(out, colors)
	return out
}

func nonNil(colors []string) []string {
	if colors == nil {
		return []string{}
	}
	return colors
}
