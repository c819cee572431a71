// Package midibridge turns applied console changes into MIDI control messages for a DAW.
//
// Mix m drives MIDI channel m. Channel c drives CC 20+c for its fader, CC 80+c for its pan, and note 60+c for its mute.
package midibridge

import (
	"fmt"
	"log/slog"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/astromechza/cuemix/pkg/console"
)

const (
	FaderBase = 20
	PanBase   = 80
	MuteBase  = 60

	maxChannel = 15
	maxData    = 127
)

type Bridge struct {
	send func(msg midi.Message) error
}

// New wraps a raw send function. Use Open for a real port.
func New(send func(msg midi.Message) error) *Bridge {
	return &Bridge{send: send}
}

func Open(port drivers.Out) (*Bridge, error) {
	send, err := midi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("open output port: %w", err)
	}
	return New(send), nil
}

// FindOutPort returns the first output port whose name contains substr, ignoring case. An empty substr picks the first
// port.
func FindOutPort(substr string) (drivers.Out, error) {
	lower := strings.ToLower(substr)
	for _, port := range midi.GetOutPorts() {
		if strings.Contains(strings.ToLower(port.String()), lower) {
			return port, nil
		}
	}
	return nil, fmt.Errorf("no MIDI output port matching %q", substr)
}

// Scale maps a 0-100 console value onto the 0-127 MIDI data range.
func Scale(v float64) uint8 {
	out := int(v / 100 * maxData)
	if out < 0 {
		return 0
	} else if out > maxData {
		return maxData
	}
	return uint8(out)
}

func midiChannel(mixIndex int) uint8 {
	if mixIndex > maxChannel {
		return maxChannel
	}
	return uint8(mixIndex)
}

// Messages returns what a patch to one channel emits. Names and visibility have no MIDI form.
func Messages(mixIndex, channelIndex int, patch console.Patch) []midi.Message {
	ch := midiChannel(mixIndex)
	var out []midi.Message
	if patch.FaderValue != nil && FaderBase+channelIndex <= maxData {
		out = append(out, midi.ControlChange(ch, uint8(FaderBase+channelIndex), Scale(*patch.FaderValue)))
	}
	if patch.PanValue != nil && PanBase+channelIndex <= maxData {
		out = append(out, midi.ControlChange(ch, uint8(PanBase+channelIndex), Scale(*patch.PanValue)))
	}
	if patch.IsMuted != nil && MuteBase+channelIndex <= maxData {
		key := uint8(MuteBase + channelIndex)
		if *patch.IsMuted {
			out = append(out, midi.NoteOn(ch, key, maxData))
		} else {
			out = append(out, midi.NoteOff(ch, key))
		}
	}
	return out
}

func (b *Bridge) emit(msgs []midi.Message) {
	for _, msg := range msgs {
		if err := b.send(msg); err != nil {
			slog.Error("failed to send midi", "msg", msg.String(), "err", err)
			return
		}
	}
}

func (b *Bridge) FieldUpdated(mixIndex, channelIndex int, patch console.Patch) {
	b.emit(Messages(mixIndex, channelIndex, patch))
}

// StateReplaced re-sends every fader, pan and mute so the DAW matches the new state.
func (b *Bridge) StateReplaced(state console.State) {
	for m, mix := range state {
		for c, channel := range mix {
			b.emit(Messages(m, c, console.Patch{
				FaderValue: &channel.FaderValue,
				PanValue:   &channel.PanValue,
				IsMuted:    &channel.IsMuted,
			}))
		}
	}
	slog.Debug("resent midi state", "mixes", len(state), "channels", state.ChannelCount())
}
