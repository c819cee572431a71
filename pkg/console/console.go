// Package console holds the mixer state tree: mixes of channels, the patches that edit them, and the single-owner
// Store the hub mutates.
package console

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	MinFader  = 0.0
	MaxFader  = 100.0
	MinPan    = 0.0
	MaxPan    = 100.0
	CenterPan = 50.0

	DefaultFader    = 70.0
	DefaultMixes    = 4
	DefaultChannels = 8
	MaxChannels     = 64
	MaxMixes        = 16
	MaxNameLength   = 8
)

var (
	ErrOutOfRange = errors.New("index out of range")
	ErrShape      = errors.New("invalid console shape")
	ErrEmptyPatch = errors.New("empty patch")
)

type Channel struct {
	Name       string  `json:"name"`
	FaderValue float64 `json:"faderValue"`
	PanValue   float64 `json:"panValue"`
	IsMuted    bool    `json:"isMuted"`
	IsHidden   bool    `json:"isHidden"`
}

type Mix []Channel

// State is the whole console. Every mix has the same number of channels.
type State []Mix

// Patch is a partial channel update. Nil fields are left untouched.
type Patch struct {
	Name       *string  `json:"name,omitempty"`
	FaderValue *float64 `json:"faderValue,omitempty"`
	PanValue   *float64 `json:"panValue,omitempty"`
	IsMuted    *bool    `json:"isMuted,omitempty"`
	IsHidden   *bool    `json:"isHidden,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.FaderValue == nil && p.PanValue == nil && p.IsMuted == nil && p.IsHidden == nil
}

// Normalized returns a copy with numeric fields clamped and the name truncated. NaN values are an error since they
// have no sensible clamp.
func (p Patch) Normalized() (Patch, error) {
	out := Patch{IsMuted: cloneBool(p.IsMuted), IsHidden: cloneBool(p.IsHidden)}
	if p.Name != nil {
		n := TruncateName(*p.Name)
		out.Name = &n
	}
	if p.FaderValue != nil {
		if math.IsNaN(*p.FaderValue) {
			return Patch{}, fmt.Errorf("faderValue: not a number")
		}
		v := ClampFader(*p.FaderValue)
		out.FaderValue = &v
	}
	if p.PanValue != nil {
		if math.IsNaN(*p.PanValue) {
			return Patch{}, fmt.Errorf("panValue: not a number")
		}
		v := ClampPan(*p.PanValue)
		out.PanValue = &v
	}
	return out, nil
}

// Apply merges the set fields of p over c without normalizing them.
func (p Patch) Apply(c Channel) Channel {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.FaderValue != nil {
		c.FaderValue = *p.FaderValue
	}
	if p.PanValue != nil {
		c.PanValue = *p.PanValue
	}
	if p.IsMuted != nil {
		c.IsMuted = *p.IsMuted
	}
	if p.IsHidden != nil {
		c.IsHidden = *p.IsHidden
	}
	return c
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func ClampFader(v float64) float64 {
	return math.Max(MinFader, math.Min(MaxFader, v))
}

func ClampPan(v float64) float64 {
	return math.Max(MinPan, math.Min(MaxPan, v))
}

func TruncateName(s string) string {
	if utf8.RuneCountInString(s) <= MaxNameLength {
		return s
	}
	r := []rune(s)
	return string(r[:MaxNameLength])
}

func (c Channel) Normalized() Channel {
	c.Name = TruncateName(c.Name)
	if math.IsNaN(c.FaderValue) {
		c.FaderValue = DefaultFader
	}
	if math.IsNaN(c.PanValue) {
		c.PanValue = CenterPan
	}
	c.FaderValue = ClampFader(c.FaderValue)
	c.PanValue = ClampPan(c.PanValue)
	return c
}

func DefaultChannel(index int) Channel {
	return Channel{
		Name:       fmt.Sprintf("CH %d", index+1),
		FaderValue: DefaultFader,
		PanValue:   CenterPan,
	}
}

// NewState builds a console of mixes x channels filled with default channels.
func NewState(mixes, channels int) (State, error) {
	if mixes < 1 || mixes > MaxMixes {
		return nil, fmt.Errorf("%w: mix count %d not in 1..%d", ErrShape, mixes, MaxMixes)
	}
	if channels < 1 || channels > MaxChannels {
		return nil, fmt.Errorf("%w: channel count %d not in 1..%d", ErrShape, channels, MaxChannels)
	}
	s := make(State, mixes)
	for m := range s {
		s[m] = make(Mix, channels)
		for c := range s[m] {
			s[m][c] = DefaultChannel(c)
		}
	}
	return s, nil
}

// ChannelCount returns the shared mix length, or 0 for an empty state.
func (s State) ChannelCount() int {
	if len(s) == 0 {
		return 0
	}
	return len(s[0])
}

// Validate checks the uniform-length invariant and the size bounds.
func (s State) Validate() error {
	if len(s) < 1 || len(s) > MaxMixes {
		return fmt.Errorf("%w: mix count %d not in 1..%d", ErrShape, len(s), MaxMixes)
	}
	n := len(s[0])
	if n < 1 || n > MaxChannels {
		return fmt.Errorf("%w: channel count %d not in 1..%d", ErrShape, n, MaxChannels)
	}
	for i, m := range s {
		if len(m) != n {
			return fmt.Errorf("%w: mix %d has %d channels, mix 0 has %d", ErrShape, i, len(m), n)
		}
	}
	return nil
}

func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for i, m := range s {
		out[i] = append(Mix(nil), m...)
	}
	return out
}

// Normalized returns a deep copy with every channel clamped.
func (s State) Normalized() State {
	out := s.Clone()
	for _, m := range out {
		for c := range m {
			m[c] = m[c].Normalized()
		}
	}
	return out
}

// InBounds reports whether the cell exists in s.
func (s State) InBounds(mixIndex, channelIndex int) bool {
	return mixIndex >= 0 && mixIndex < len(s) && channelIndex >= 0 && channelIndex < len(s[mixIndex])
}

func SetName(name string) Patch { return Patch{Name: &name} }

func SetFader(v float64) Patch { return Patch{FaderValue: &v} }

func SetPan(v float64) Patch { return Patch{PanValue: &v} }

func SetMuted(muted bool) Patch { return Patch{IsMuted: &muted} }

func SetHidden(hidden bool) Patch { return Patch{IsHidden: &hidden} }
