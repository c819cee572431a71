// Package mirror is the client-side copy of the console. Local edits are applied immediately and forwarded to the hub;
// deltas from other clients are merged over the same cells, last hub-applied write wins; snapshots replace everything.
//
// A local edit that races with a remote edit to the same field can be overwritten by the remote value even when the
// hub applied the local one last. There is no causality token to detect this; the next edit or snapshot corrects it.
package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/cuemix/pkg/console"
	"github.com/astromechza/cuemix/pkg/protocol"
)

var ErrLoading = errors.New("console not loaded yet")

// Sender forwards a message to the hub. It must not call back into the Mirror.
type Sender func(msg protocol.Message) error

// Adapter is what the presentation layer gets: read access to the visible channels and one callback to request a
// change. It never touches hub state directly.
type Adapter interface {
	Loading() bool
	SelectedMix() int
	Channels() []ChannelView
	RequestChange(mixIndex, channelIndex int, patch console.Patch) error
}

// ChannelView is a channel plus its index in the mix, since hidden channels leave gaps.
type ChannelView struct {
	Index int
	console.Channel
}

type Mirror struct {
	mu         sync.RWMutex
	state      console.State
	presets    []string
	lastErr    *protocol.Error
	selected   int
	showHidden bool
	send       Sender

	listenersMu sync.Mutex
	listeners   []func()
}

var _ Adapter = (*Mirror)(nil)

func New(send Sender) *Mirror {
	return &Mirror{send: send}
}

// OnChange registers fn to be called after every change to the mirror, local or remote.
func (m *Mirror) OnChange(fn func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Mirror) notify() {
	m.listenersMu.Lock()
	listeners := append([]func(){}, m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (m *Mirror) Loading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == nil
}

func (m *Mirror) SelectedMix() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selected
}

// SelectMix changes which mix local edits and views refer to. It is never sent to the hub.
func (m *Mirror) SelectMix(index int) error {
	m.mu.Lock()
	if index < 0 || (m.state != nil && index >= len(m.state)) {
		m.mu.Unlock()
		return fmt.Errorf("%w: mix %d", console.ErrOutOfRange, index)
	}
	m.selected = index
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Mirror) ShowHidden() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.showHidden
}

// SetShowHidden toggles the local rendering rule over the shared isHidden field.
func (m *Mirror) SetShowHidden(show bool) {
	m.mu.Lock()
	m.showHidden = show
	m.mu.Unlock()
	m.notify()
}

// Channels returns the selected mix in channel order, without hidden channels unless ShowHidden is set. It is empty
// while loading.
func (m *Mirror) Channels() []ChannelView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil || m.selected >= len(m.state) {
		return nil
	}
	out := make([]ChannelView, 0, len(m.state[m.selected]))
	for i, c := range m.state[m.selected] {
		if c.IsHidden && !m.showHidden {
			continue
		}
		out = append(out, ChannelView{Index: i, Channel: c})
	}
	return out
}

func (m *Mirror) Channel(mixIndex, channelIndex int) (console.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.state.InBounds(mixIndex, channelIndex) {
		return console.Channel{}, false
	}
	return m.state[mixIndex][channelIndex], true
}

// State returns a copy of the whole mirror, nil while loading.
func (m *Mirror) State() console.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

func (m *Mirror) Presets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.presets...)
}

// LastError returns the most recent rejection the hub sent this client.
func (m *Mirror) LastError() (protocol.Error, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastErr == nil {
		return protocol.Error{}, false
	}
	return *m.lastErr, true
}

// ApplyLocalIntent edits a channel of the selected mix.
func (m *Mirror) ApplyLocalIntent(channelIndex int, patch console.Patch) error {
	return m.RequestChange(m.SelectedMix(), channelIndex, patch)
}

// RequestChange applies the patch locally and forwards it without waiting for any acknowledgement. The patch is
// normalized the same way the hub will normalize it, so the local value matches what other clients receive. If the
// update cannot be forwarded the local edit is rolled back.
func (m *Mirror) RequestChange(mixIndex, channelIndex int, patch console.Patch) error {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return ErrLoading
	}
	if patch.IsEmpty() {
		m.mu.Unlock()
		return console.ErrEmptyPatch
	}
	if !m.state.InBounds(mixIndex, channelIndex) {
		m.mu.Unlock()
		return fmt.Errorf("%w: mix %d channel %d", console.ErrOutOfRange, mixIndex, channelIndex)
	}
	normalized, err := patch.Normalized()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	previous := m.state[mixIndex][channelIndex]
	m.state[mixIndex][channelIndex] = normalized.Apply(previous)
	// held across send so forwarded order matches local apply order, and so nothing merges in before a rollback
	if err := m.send(protocol.UpdateChannel{MixIndex: mixIndex, ChannelIndex: channelIndex, Update: normalized}); err != nil {
		// the hub will never see this edit, so keeping it would leave this replica diverged
		m.state[mixIndex][channelIndex] = previous
		m.mu.Unlock()
		return fmt.Errorf("failed to forward update: %w", err)
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// MergeRemote applies a delta that another client made.
func (m *Mirror) MergeRemote(mixIndex, channelIndex int, patch console.Patch) error {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return ErrLoading
	}
	if !m.state.InBounds(mixIndex, channelIndex) {
		m.mu.Unlock()
		return fmt.Errorf("%w: mix %d channel %d", console.ErrOutOfRange, mixIndex, channelIndex)
	}
	normalized, err := patch.Normalized()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state[mixIndex][channelIndex] = normalized.Apply(m.state[mixIndex][channelIndex])
	m.mu.Unlock()
	m.notify()
	return nil
}

// ReplaceSnapshot discards the mirror, including any optimistic edits, and adopts state.
func (m *Mirror) ReplaceSnapshot(state console.State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = state.Normalized()
	if m.selected >= len(m.state) {
		m.selected = 0
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// Reset puts the mirror back into the loading state, as after a disconnect.
func (m *Mirror) Reset() {
	m.mu.Lock()
	m.state = nil
	m.mu.Unlock()
	m.notify()
}

// Handle applies one message from the hub.
func (m *Mirror) Handle(msg protocol.Message) error {
	switch v := msg.(type) {
	case protocol.SyncState:
		return m.ReplaceSnapshot(v.State)
	case protocol.StateUpdated:
		return m.MergeRemote(v.MixIndex, v.ChannelIndex, v.Update)
	case protocol.PresetsList:
		m.mu.Lock()
		m.presets = append([]string(nil), v.Names...)
		m.mu.Unlock()
		m.notify()
		return nil
	case protocol.Error:
		slog.Warn("hub rejected request", "event", v.For, "message", v.Message)
		m.mu.Lock()
		m.lastErr = &v
		m.mu.Unlock()
		m.notify()
		return nil
	default:
		return fmt.Errorf("%w: %s is not sent by the hub", protocol.ErrInvalid, msg.Event())
	}
}

func (m *Mirror) HandleFrame(raw []byte) error {
	msg, err := protocol.Unmarshal(raw)
	if err != nil {
		return err
	}
	return m.Handle(msg)
}

// structural operations are never applied locally; the hub answers with a snapshot.
func (m *Mirror) structural(msg protocol.Message) error {
	if m.Loading() {
		return ErrLoading
	}
	return m.send(msg)
}

func (m *Mirror) InitSetup(count int) error {
	if count < 1 || count > console.MaxChannels {
		return fmt.Errorf("%w: channel count %d", console.ErrShape, count)
	}
	return m.structural(protocol.InitSetup{Count: count})
}

func (m *Mirror) SavePreset(name string) error {
	return m.structural(protocol.SavePreset{Name: name})
}

func (m *Mirror) LoadPreset(name string) error {
	return m.structural(protocol.LoadPreset{Name: name})
}

func (m *Mirror) DeletePreset(name string) error {
	return m.structural(protocol.DeletePreset{Name: name})
}

func (m *Mirror) RefreshPresets() error {
	return m.send(protocol.GetPresets{})
}
