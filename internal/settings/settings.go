// Package settings defines the lamp configuration document.
//
// The same document drives the live preview and the persisted copy on the lamp.
// Optional fields are pointers so that "unset" and "zero" stay distinguishable
// on the wire.
package settings

import (
	"encoding/json"
	"fmt"
)

// Brightness defaults used when a field has never been set.
const (
	DefaultBrightness         = 100
	DefaultHomeModeBrightness = 80
)

// MaxBaseLEDs is the largest pixel count a lamp base can carry.
const MaxBaseLEDs = 50

// Target selects which physical zone(s) an expression drives.
type Target int

const (
	TargetShade Target = 1
	TargetBase  Target = 2
	TargetBoth  Target = 3
)

// Shade reports whether the target includes the shade.
func (t Target) Shade() bool {
	return t == TargetShade || t == TargetBoth
}

// Base reports whether the target includes the base.
func (t Target) Base() bool {
	return t == TargetBase || t == TargetBoth
}

// Valid reports whether t is one of the known targets.
func (t Target) Valid() bool {
	return t == TargetShade || t == TargetBase || t == TargetBoth
}

func (t Target) String() string {
	switch t {
	case TargetShade:
		return "shade"
	case TargetBase:
		return "base"
	case TargetBoth:
		return "both"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// ParseTarget parses "shade", "base" or "both".
func ParseTarget(s string) (Target, error) {
	switch s {
	case "shade", "1":
		return TargetShade, nil
	case "base", "2":
		return TargetBase, nil
	case "both", "3":
		return TargetBoth, nil
	}
	return 0, fmt.Errorf("unknown target %q", s)
}

// Settings is the full lamp document.
type Settings struct {
	Lamp        *Lamp        `json:"lamp,omitempty"`
	Shade       *Shade       `json:"shade,omitempty"`
	Base        *Base        `json:"base,omitempty"`
	Expressions []Expression `json:"expressions,omitempty"`
}

// Lamp holds identity, network and brightness settings.
type Lamp struct {
	Name               *string `json:"name,omitempty"`
	Password           *string `json:"password,omitempty"`
	Brightness         *int    `json:"brightness,omitempty"`
	HomeMode           *bool   `json:"homeMode,omitempty"`
	HomeModeBrightness *int    `json:"homeModeBrightness,omitempty"`
	HomeModeSSID       *string `json:"homeModeSSID,omitempty"`
}

// Shade is the upper light zone.
type Shade struct {
	Px     *int     `json:"px,omitempty"`
	Colors []string `json:"colors,omitempty"`
}

// Base is the lower light zone. It additionally carries the active color
// index and the sparse knockout list.
type Base struct {
	Px       *int     `json:"px,omitempty"`
	Colors   []string `json:"colors,omitempty"`
	AC       *int     `json:"ac,omitempty"`
	Knockout []Pixel  `json:"knockout,omitempty"`
}

// MarshalJSON writes an empty knockout list as [] and omits a nil one.
func (b Base) MarshalJSON() ([]byte, error) {
	type plain Base
	if b.Knockout == nil {
		return json.Marshal(plain(b))
	}
	return json.Marshal(struct {
		plain
		Knockout []Pixel `json:"knockout"`
	}{plain(b), b.Knockout})
}

// Pixel is a per-LED brightness override on the base. P is a pointer because
// documents coming back from the lamp may carry entries without an index.
type Pixel struct {
	P *int `json:"p"`
	B int  `json:"b"`
}

// Expression is a single effect configuration.
type Expression struct {
	Type             string   `json:"type"`
	Enabled          bool     `json:"enabled"`
	Target           Target   `json:"target"`
	Colors           []string `json:"colors"`
	IntervalMin      *int     `json:"intervalMin,omitempty"`
	IntervalMax      *int     `json:"intervalMax,omitempty"`
	Duration         *int     `json:"duration,omitempty"`
	DurationMin      *int     `json:"durationMin,omitempty"`
	DurationMax      *int     `json:"durationMax,omitempty"`
	ShiftDurationMin *int     `json:"shiftDurationMin,omitempty"`
	ShiftDurationMax *int     `json:"shiftDurationMax,omitempty"`
	FadeDuration     *int     `json:"fadeDuration,omitempty"`
	PulseSpeed       *float64 `json:"pulseSpeed,omitempty"`
}

// HomeModeOn reports whether home mode is enabled. A nil lamp is off.
func (l *Lamp) HomeModeOn() bool {
	return l != nil && l.HomeMode != nil && *l.HomeMode
}

// BrightnessOrDefault returns the normal brightness, or 100 if unset.
func (l *Lamp) BrightnessOrDefault() int {
	if l == nil || l.Brightness == nil {
		return DefaultBrightness
	}
	return *l.Brightness
}

// HomeModeBrightnessOrDefault returns the home-mode brightness, or 80 if unset.
func (l *Lamp) HomeModeBrightnessOrDefault() int {
	if l == nil || l.HomeModeBrightness == nil {
		return DefaultHomeModeBrightness
	}
	return *l.HomeModeBrightness
}

// EffectiveBrightness is the brightness the lamp should currently show:
// the home-mode value while home mode is on, the normal value otherwise.
func (l *Lamp) EffectiveBrightness() int {
	if l.HomeModeOn() {
		return l.HomeModeBrightnessOrDefault()
	}
	return l.BrightnessOrDefault()
}

// ShadeColors returns the shade colors, nil when the section is absent.
func (s *Settings) ShadeColors() []string {
	if s.Shade == nil {
		return nil
	}
	return s.Shade.Colors
}

// BaseColors returns the base colors, nil when the section is absent.
func (s *Settings) BaseColors() []string {
	if s.Base == nil {
		return nil
	}
	return s.Base.Colors
}

// EnsureBase returns the base section, creating it if needed.
func (s *Settings) EnsureBase() *Base {
	if s.Base == nil {
		s.Base = &Base{}
	}
	return s.Base
}

// Marshal returns the canonical serialization used for baselines and for the
// persisted document. Field order is fixed by the struct layout, so equal
// documents always serialize to equal bytes.
func (s *Settings) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Parse decodes a settings document.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &s, nil
}

// Clone returns a deep copy of s.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return &Settings{}
	}
	out := &Settings{}
	if s.Lamp != nil {
		out.Lamp = &Lamp{
			Name:               clonePtr(s.Lamp.Name),
			Password:           clonePtr(s.Lamp.Password),
			Brightness:         clonePtr(s.Lamp.Brightness),
			HomeMode:           clonePtr(s.Lamp.HomeMode),
			HomeModeBrightness: clonePtr(s.Lamp.HomeModeBrightness),
			HomeModeSSID:       clonePtr(s.Lamp.HomeModeSSID),
		}
	}
	if s.Shade != nil {
		out.Shade = &Shade{
			Px:     clonePtr(s.Shade.Px),
			Colors: cloneSlice(s.Shade.Colors),
		}
	}
	if s.Base != nil {
		out.Base = &Base{
			Px:     clonePtr(s.Base.Px),
			Colors: cloneSlice(s.Base.Colors),
			AC:     clonePtr(s.Base.AC),
		}
		if s.Base.Knockout != nil {
			out.Base.Knockout = make([]Pixel, len(s.Base.Knockout))
			for i, px := range s.Base.Knockout {
				out.Base.Knockout[i] = Pixel{P: clonePtr(px.P), B: px.B}
			}
		}
	}
	if s.Expressions != nil {
		out.Expressions = make([]Expression, len(s.Expressions))
		for i, e := range s.Expressions {
			out.Expressions[i] = Expression{
				Type:             e.Type,
				Enabled:          e.Enabled,
				Target:           e.Target,
				Colors:           cloneSlice(e.Colors),
				IntervalMin:      clonePtr(e.IntervalMin),
				IntervalMax:      clonePtr(e.IntervalMax),
				Duration:         clonePtr(e.Duration),
				DurationMin:      clonePtr(e.DurationMin),
				DurationMax:      clonePtr(e.DurationMax),
				ShiftDurationMin: clonePtr(e.ShiftDurationMin),
				ShiftDurationMax: clonePtr(e.ShiftDurationMax),
				FadeDuration:     clonePtr(e.FadeDuration),
				PulseSpeed:       clonePtr(e.PulseSpeed),
			}
		}
	}
	return out
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
