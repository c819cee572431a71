package console

import (
	"fmt"
)

// Store owns one State. It is not safe for concurrent use: the hub loop is its only caller, and that single-writer
// discipline is what makes ApplyFieldUpdate and ReplaceAll indivisible.
type Store struct {
	state State
}

func NewStore(initial State) (*Store, error) {
	s := &Store{}
	if err := s.ReplaceAll(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyFieldUpdate patches one channel. Bounds are checked against the state as it is now, not as it was when the
// message was sent. The returned patch is the normalized one that was stored.
func (s *Store) ApplyFieldUpdate(mixIndex, channelIndex int, patch Patch) (Patch, error) {
	if patch.IsEmpty() {
		return Patch{}, ErrEmptyPatch
	}
	if !s.state.InBounds(mixIndex, channelIndex) {
		return Patch{}, fmt.Errorf("%w: mix %d channel %d (console is %d x %d)",
			ErrOutOfRange, mixIndex, channelIndex, len(s.state), s.state.ChannelCount())
	}
	normalized, err := patch.Normalized()
	if err != nil {
		return Patch{}, err
	}
	s.state[mixIndex][channelIndex] = normalized.Apply(s.state[mixIndex][channelIndex])
	return normalized, nil
}

// ReplaceAll swaps the whole tree. Invalid shapes are rejected and leave the current state in place.
func (s *Store) ReplaceAll(next State) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.state = next.Normalized()
	return nil
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *Store) Snapshot() State {
	return s.state.Clone()
}

func (s *Store) Shape() (mixes, channels int) {
	return len(s.state), s.state.ChannelCount()
}
