// Package knockout maintains the sparse per-pixel brightness override list
// carried on the lamp base.
//
// A pixel at full brightness is the default and never needs an entry. Live
// editing may leave entries that compaction would drop; Compact runs at save
// time and is the only place the persisted invariant is enforced.
package knockout

import (
	"errors"
	"fmt"

	"github.com/dokzlo13/lampsync/internal/settings"
)

// Full is the default brightness of a pixel without an override.
const Full = 100

var (
	ErrBrightnessRange = errors.New("knockout brightness out of range")
	ErrPixelRange      = errors.New("knockout pixel out of range")
)

// Get returns the override brightness for pixel, or Full if there is none.
func Get(s *settings.Settings, pixel int) int {
	if s.Base == nil {
		return Full
	}
	if i := find(s.Base.Knockout, pixel); i >= 0 {
		return s.Base.Knockout[i].B
	}
	return Full
}

// Set records brightness for pixel. Full removes any existing entry;
// anything lower replaces the entry's brightness or appends a new one.
func Set(s *settings.Settings, pixel, brightness int) error {
	if pixel < 0 || pixel >= settings.MaxBaseLEDs {
		return fmt.Errorf("%w: %d", ErrPixelRange, pixel)
	}
	if brightness < 0 || brightness > Full {
		return fmt.Errorf("%w: %d", ErrBrightnessRange, brightness)
	}

	if brightness == Full && s.Base == nil {
		return nil
	}

	base := s.EnsureBase()
	i := find(base.Knockout, pixel)

	if brightness == Full {
		if i >= 0 {
			base.Knockout = append(base.Knockout[:i], base.Knockout[i+1:]...)
		}
		return nil
	}

	if i >= 0 {
		base.Knockout[i].B = brightness
		return nil
	}
	base.Knockout = append(base.Knockout, settings.Pixel{P: settings.Ptr(pixel), B: brightness})
	return nil
}

// Compact drops entries without a pixel index and entries at or above Full.
// The base and its knockout list always exist afterwards, possibly empty.
func Compact(s *settings.Settings) {
	if s.Base == nil {
		s.Base = &settings.Base{}
	}
	kept := make([]settings.Pixel, 0, len(s.Base.Knockout))
	for _, px := range s.Base.Knockout {
		if px.P == nil || px.B >= Full {
			continue
		}
		kept = append(kept, px)
	}
	s.Base.Knockout = kept
}

func find(list []settings.Pixel, pixel int) int {
	for i, px := range list {
		if px.P != nil && *px.P == pixel {
			return i
		}
	}
	return -1
}
