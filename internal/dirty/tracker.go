// Package dirty compares the live settings document against the last
// persisted baseline.
package dirty

import (
	"bytes"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampsync/internal/settings"
)

// Tracker holds the serialized baseline. It is not safe for concurrent use;
// the engine serializes access.
type Tracker struct {
	baseline []byte
}

// Reset takes a fresh baseline from s.
func (t *Tracker) Reset(s *settings.Settings) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	t.baseline = data
	return nil
}

// Advance sets the baseline to an already serialized document, typically
// the exact bytes that were just persisted.
func (t *Tracker) Advance(serialized []byte) {
	t.baseline = bytes.Clone(serialized)
}

// Baseline returns a copy of the current baseline bytes.
func (t *Tracker) Baseline() []byte {
	return bytes.Clone(t.baseline)
}

// HasChanges reports whether s differs from the baseline. Sequences are
// compared in order, so reordering colors counts as a change.
func (t *Tracker) HasChanges(s *settings.Settings) bool {
	current, err := s.Marshal()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to serialize settings for comparison")
		return true
	}
	return !bytes.Equal(current, t.baseline)
}

// Restore returns a deep copy of the baseline document. An empty baseline
// restores an empty document.
func (t *Tracker) Restore() (*settings.Settings, error) {
	if len(t.baseline) == 0 {
		return &settings.Settings{}, nil
	}
	return settings.Parse(t.baseline)
}
