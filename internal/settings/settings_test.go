package settings

import (
	"errors"
	"testing"
)

func TestSet_CreatesIntermediateSections(t *testing.T) {
	s := &Settings{}

	if err := s.Set("lamp.brightness", 42); err != nil {
		t.Fatalf("set: %v", err)
	}
	if s.Lamp == nil || s.Lamp.Brightness == nil || *s.Lamp.Brightness != 42 {
		t.Fatalf("brightness not set: %+v", s.Lamp)
	}

	if err := s.Set("shade.colors", []string{"#ff0000", "#00ff00"}); err != nil {
		t.Fatalf("set colors: %v", err)
	}
	if got := s.ShadeColors(); len(got) != 2 || got[1] != "#00ff00" {
		t.Fatalf("shade colors = %v", got)
	}
}

func TestSet_PreservesSiblings(t *testing.T) {
	s := &Settings{Lamp: &Lamp{Name: Ptr("desk"), Brightness: Ptr(70)}}

	if err := s.Set("lamp.homeMode", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if *s.Lamp.Name != "desk" || *s.Lamp.Brightness != 70 {
		t.Fatalf("siblings lost: %+v", s.Lamp)
	}
	if !s.Lamp.HomeModeOn() {
		t.Fatal("home mode should be on")
	}
}

func TestSet_NilUnsets(t *testing.T) {
	s := &Settings{Lamp: &Lamp{HomeModeSSID: Ptr("home-wifi")}}

	if err := s.Set("lamp.homeModeSSID", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if s.Lamp.HomeModeSSID != nil {
		t.Fatalf("ssid should be unset, got %q", *s.Lamp.HomeModeSSID)
	}
}

func TestSet_ListIndex(t *testing.T) {
	s := &Settings{Expressions: []Expression{
		{Type: "breathing", Target: TargetShade},
		{Type: "glitchy", Target: TargetBase},
	}}

	if err := s.Set("expressions.1.enabled", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if s.Expressions[0].Enabled || !s.Expressions[1].Enabled {
		t.Fatalf("wrong expression updated: %+v", s.Expressions)
	}

	if err := s.Set("expressions.5.enabled", true); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("out of range index: got %v, want ErrInvalidPath", err)
	}
}

func TestSet_Errors(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		value any
		want  error
	}{
		{"empty path", "", 1, ErrInvalidPath},
		{"empty segment", "lamp..brightness", 1, ErrInvalidPath},
		{"unknown section", "bogus.value", 1, ErrInvalidPath},
		{"unknown field", "lamp.volume", 1, ErrInvalidPath},
		{"through scalar", "lamp.brightness.low", 1, ErrInvalidPath},
		{"wrong type", "lamp.brightness", "bright", ErrInvalidValue},
		{"fractional int", "lamp.brightness", 50.5, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Settings{Lamp: &Lamp{Brightness: Ptr(10)}}
			before, _ := s.Marshal()

			err := s.Set(tt.path, tt.value)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Set(%q) error = %v, want %v", tt.path, err, tt.want)
			}

			after, _ := s.Marshal()
			if string(before) != string(after) {
				t.Errorf("document changed on error: %s -> %s", before, after)
			}
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	s := &Settings{
		Lamp:  &Lamp{Brightness: Ptr(50)},
		Shade: &Shade{Colors: []string{"#111111"}},
		Base: &Base{
			Colors:   []string{"#222222"},
			Knockout: []Pixel{{P: Ptr(3), B: 20}},
		},
		Expressions: []Expression{{Type: "pulse", Colors: []string{"#333333"}}},
	}

	c := s.Clone()
	*c.Lamp.Brightness = 1
	c.Shade.Colors[0] = "#000000"
	*c.Base.Knockout[0].P = 9
	c.Expressions[0].Colors[0] = "#000000"

	if *s.Lamp.Brightness != 50 {
		t.Error("brightness shared with clone")
	}
	if s.Shade.Colors[0] != "#111111" {
		t.Error("shade colors shared with clone")
	}
	if *s.Base.Knockout[0].P != 3 {
		t.Error("knockout shared with clone")
	}
	if s.Expressions[0].Colors[0] != "#333333" {
		t.Error("expression colors shared with clone")
	}
}

func TestMarshal_RoundTripStable(t *testing.T) {
	in := []byte(`{"lamp":{"name":"desk","brightness":80,"homeMode":false},"base":{"px":50,"ac":1,"knockout":[{"p":4,"b":30}]}}`)

	s, err := Parse(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a, _ := s.Marshal()
	b, _ := s.Clone().Marshal()
	if string(a) != string(b) {
		t.Fatalf("clone serializes differently:\n%s\n%s", a, b)
	}
}

func TestMarshal_KnockoutList(t *testing.T) {
	tests := []struct {
		name string
		base *Base
		want string
	}{
		{"nil list omitted", &Base{Px: Ptr(10)}, `{"base":{"px":10}}`},
		{"empty list kept", &Base{Px: Ptr(10), Knockout: []Pixel{}}, `{"base":{"px":10,"knockout":[]}}`},
		{"entries", &Base{Knockout: []Pixel{{P: Ptr(2), B: 5}}}, `{"base":{"knockout":[{"p":2,"b":5}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (&Settings{Base: tt.base}).Marshal()
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLamp_EffectiveBrightness(t *testing.T) {
	var nilLamp *Lamp
	if got := nilLamp.EffectiveBrightness(); got != DefaultBrightness {
		t.Errorf("nil lamp = %d, want %d", got, DefaultBrightness)
	}

	l := &Lamp{HomeMode: Ptr(true)}
	if got := l.EffectiveBrightness(); got != DefaultHomeModeBrightness {
		t.Errorf("home mode default = %d, want %d", got, DefaultHomeModeBrightness)
	}

	l = &Lamp{HomeMode: Ptr(false), Brightness: Ptr(0)}
	if got := l.EffectiveBrightness(); got != 0 {
		t.Errorf("explicit zero = %d, want 0", got)
	}
}

func TestParseTarget(t *testing.T) {
	for in, want := range map[string]Target{"shade": TargetShade, "base": TargetBase, "both": TargetBoth, "3": TargetBoth} {
		got, err := ParseTarget(in)
		if err != nil || got != want {
			t.Errorf("ParseTarget(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseTarget("ceiling"); err == nil {
		t.Error("expected error for unknown target")
	}
}
