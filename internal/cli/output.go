package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
)

type output struct {
	w    io.Writer
	json bool

	green  *color.Color
	yellow *color.Color
	red    *color.Color
	gray   *color.Color
	bold   *color.Color
}

func newOutput(w io.Writer, jsonOut, noColor bool) *output {
	if noColor {
		color.NoColor = true
	}
	return &output{
		w:      w,
		json:   jsonOut,
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
		gray:   color.New(color.FgHiBlack),
		bold:   color.New(color.Bold),
	}
}

func (o *output) Success(msg string) {
	if o.json {
		return
	}
	fmt.Fprintln(o.w, o.green.Sprint(msg))
}

func (o *output) Warn(msg string) {
	if o.json {
		return
	}
	fmt.Fprintln(o.w, o.yellow.Sprint(msg))
}

func (o *output) Print(msg string) {
	fmt.Fprintln(o.w, msg)
}

// Field prints an aligned "label: value" line.
func (o *output) Field(label, value string) {
	fmt.Fprintf(o.w, "%s %s\n", o.bold.Sprintf("%-12s", label+":"), value)
}

// Flag renders a boolean as colored yes/no. good selects which answer is
// green.
func (o *output) Flag(v, good bool) string {
	s := "no"
	if v {
		s = "yes"
	}
	if v == good {
		return o.green.Sprint(s)
	}
	return o.red.Sprint(s)
}

func (o *output) Dim(s string) string {
	return o.gray.Sprint(s)
}

func (o *output) EmitJSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
