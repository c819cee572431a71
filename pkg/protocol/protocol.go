// Package protocol defines the websocket event frames exchanged between the hub and its clients. Every frame is a JSON
// object {"event": name, "data": payload}; Decode turns one into a typed Message and rejects anything malformed before
// it can reach the console store.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/cuemix/pkg/console"
)

const (
	EventSyncState     = "sync_state"
	EventUpdateChannel = "update_channel"
	EventStateUpdated  = "state_updated"
	EventInitSetup     = "init_setup"
	EventSavePreset    = "save_preset"
	EventLoadPreset    = "load_preset"
	EventDeletePreset  = "delete_preset"
	EventGetPresets    = "get_presets"
	EventPresetsList   = "presets_list"
	EventError         = "error"
)

const MaxPresetNameLength = 64

var ErrInvalid = errors.New("invalid message")

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is one of the typed event variants below.
type Message interface {
	Event() string
}

type SyncState struct {
	State console.State
}

type UpdateChannel struct {
	MixIndex     int           `json:"mixIndex"`
	ChannelIndex int           `json:"channelIndex"`
	Update       console.Patch `json:"update"`
}

// StateUpdated carries the same delta as UpdateChannel, going the other way.
type StateUpdated struct {
	MixIndex     int           `json:"mixIndex"`
	ChannelIndex int           `json:"channelIndex"`
	Update       console.Patch `json:"update"`
}

type InitSetup struct {
	Count int `json:"count"`
}

type SavePreset struct{ Name string }

type LoadPreset struct{ Name string }

type DeletePreset struct{ Name string }

type GetPresets struct{}

type PresetsList struct {
	Names []string
}

// Error is the rejection sent to the originator of a message that failed validation or whose operation failed.
type Error struct {
	For     string `json:"event"`
	Message string `json:"message"`
}

func (SyncState) Event() string     { return EventSyncState }
func (UpdateChannel) Event() string { return EventUpdateChannel }
func (StateUpdated) Event() string  { return EventStateUpdated }
func (InitSetup) Event() string     { return EventInitSetup }
func (SavePreset) Event() string    { return EventSavePreset }
func (LoadPreset) Event() string    { return EventLoadPreset }
func (DeletePreset) Event() string  { return EventDeletePreset }
func (GetPresets) Event() string    { return EventGetPresets }
func (PresetsList) Event() string   { return EventPresetsList }
func (Error) Event() string         { return EventError }

// Encode wraps a message in a frame.
func Encode(m Message) (Frame, error) {
	var payload interface{}
	switch v := m.(type) {
	case SyncState:
		payload = v.State
	case SavePreset:
		payload = v.Name
	case LoadPreset:
		payload = v.Name
	case DeletePreset:
		payload = v.Name
	case GetPresets:
		return Frame{Event: m.Event()}, nil
	case PresetsList:
		names := v.Names
		if names == nil {
			names = []string{}
		}
		payload = names
	default:
		payload = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s: %w", m.Event(), err)
	}
	return Frame{Event: m.Event(), Data: raw}, nil
}

// Marshal encodes a message straight to frame bytes.
func Marshal(m Message) ([]byte, error) {
	f, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Unmarshal parses frame bytes and decodes the message inside.
func Unmarshal(raw []byte) (Message, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: bad frame: %v", ErrInvalid, err)
	}
	return Decode(f)
}

type wireDelta struct {
	MixIndex     *int           `json:"mixIndex"`
	ChannelIndex *int           `json:"channelIndex"`
	Update       *console.Patch `json:"update"`
}

func (w wireDelta) check(event string) (int, int, console.Patch, error) {
	if w.MixIndex == nil || w.ChannelIndex == nil || w.Update == nil {
		return 0, 0, console.Patch{}, fmt.Errorf("%w: %s requires mixIndex, channelIndex and update", ErrInvalid, event)
	}
	if *w.MixIndex < 0 || *w.ChannelIndex < 0 {
		return 0, 0, console.Patch{}, fmt.Errorf("%w: %s has a negative index", ErrInvalid, event)
	}
	if w.Update.IsEmpty() {
		return 0, 0, console.Patch{}, fmt.Errorf("%w: %s has an empty update", ErrInvalid, event)
	}
	return *w.MixIndex, *w.ChannelIndex, *w.Update, nil
}

// Decode validates the payload shape of a frame and returns the typed message. It does not check indexes against any
// console; that happens when the store applies the message.
func Decode(f Frame) (Message, error) {
	switch f.Event {
	case EventSyncState:
		var st console.State
		if err := decodeData(f, &st); err != nil {
			return nil, err
		}
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, f.Event, err)
		}
		return SyncState{State: st}, nil
	case EventUpdateChannel, EventStateUpdated:
		var w wireDelta
		if err := decodeData(f, &w); err != nil {
			return nil, err
		}
		mix, ch, patch, err := w.check(f.Event)
		if err != nil {
			return nil, err
		}
		if f.Event == EventStateUpdated {
			return StateUpdated{MixIndex: mix, ChannelIndex: ch, Update: patch}, nil
		}
		return UpdateChannel{MixIndex: mix, ChannelIndex: ch, Update: patch}, nil
	case EventInitSetup:
		var w struct {
			Count *int `json:"count"`
		}
		if err := decodeData(f, &w); err != nil {
			return nil, err
		}
		if w.Count == nil {
			return nil, fmt.Errorf("%w: %s requires count", ErrInvalid, f.Event)
		}
		if *w.Count < 1 || *w.Count > console.MaxChannels {
			return nil, fmt.Errorf("%w: %s count %d not in 1..%d", ErrInvalid, f.Event, *w.Count, console.MaxChannels)
		}
		return InitSetup{Count: *w.Count}, nil
	case EventSavePreset, EventLoadPreset, EventDeletePreset:
		name, err := decodeName(f)
		if err != nil {
			return nil, err
		}
		switch f.Event {
		case EventSavePreset:
			return SavePreset{Name: name}, nil
		case EventLoadPreset:
			return LoadPreset{Name: name}, nil
		default:
			return DeletePreset{Name: name}, nil
		}
	case EventGetPresets:
		return GetPresets{}, nil
	case EventPresetsList:
		var names []string
		if err := decodeData(f, &names); err != nil {
			return nil, err
		}
		return PresetsList{Names: names}, nil
	case EventError:
		var e Error
		if err := decodeData(f, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "":
		return nil, fmt.Errorf("%w: missing event", ErrInvalid)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalid, f.Event)
	}
}

func decodeData(f Frame, into interface{}) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return fmt.Errorf("%w: %s requires data", ErrInvalid, f.Event)
	}
	if err := json.Unmarshal(f.Data, into); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, f.Event, err)
	}
	return nil
}

func decodeName(f Frame) (string, error) {
	var name string
	if err := decodeData(f, &name); err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("%w: %s requires a non-empty name", ErrInvalid, f.Event)
	}
	if len(name) > MaxPresetNameLength {
		return "", fmt.Errorf("%w: %s name longer than %d bytes", ErrInvalid, f.Event, MaxPresetNameLength)
	}
	return name, nil
}
