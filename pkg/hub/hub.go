// Package hub is the authoritative side of console synchronization. A Hub owns the console store and processes every
// inbound message on a single goroutine: each message is applied and its result broadcast before the next one starts,
// so no session ever observes half of a structural replace or half of another session's edit.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/cuemix/pkg/console"
	"github.com/astromechza/cuemix/pkg/preset"
	"github.com/astromechza/cuemix/pkg/protocol"
)

var (
	ErrClosed         = errors.New("hub closed")
	ErrPersistTimeout = errors.New("preset storage timed out")
)

const (
	DefaultPersistTimeout = 2 * time.Second
	DefaultOutboxSize     = 64
	inboxSize             = 256
)

// Observer is told about every change the hub applies to the store. Calls happen on the hub goroutine and must not
// block for long.
type Observer interface {
	FieldUpdated(mixIndex, channelIndex int, patch console.Patch)
	StateReplaced(state console.State)
}

type Options struct {
	// Mixes is the number of mixes init_setup creates.
	Mixes          int
	PersistTimeout time.Duration
	OutboxSize     int
	Observers      []Observer
}

type Hub struct {
	store    *console.Store
	presets  preset.Store
	opts     Options
	inbox    chan func(ctx context.Context)
	done     chan struct{}
	sessions map[*Session]struct{}
}

// New takes ownership of the initial state. Nothing else may hold a mutable reference to it afterwards.
func New(initial console.State, presets preset.Store, opts Options) (*Hub, error) {
	store, err := console.NewStore(initial)
	if err != nil {
		return nil, fmt.Errorf("invalid initial state: %w", err)
	}
	if opts.Mixes <= 0 {
		opts.Mixes, _ = store.Shape()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	return &Hub{
		store:    store,
		presets:  presets,
		opts:     opts,
		inbox:    make(chan func(ctx context.Context), inboxSize),
		done:     make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Run processes the inbox until ctx is cancelled. All sessions are closed on exit.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		for s := range h.sessions {
			h.remove(s, "hub stopped")
		}
	}()
	slog.Info("hub running", "mixes", h.opts.Mixes)
	for {
		select {
		case fn := <-h.inbox:
			fn(ctx)
		case <-ctx.Done():
			slog.Info("hub stopping")
			return nil
		}
	}
}

// enqueue hands fn to the hub goroutine.
func (h *Hub) enqueue(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case h.inbox <- fn:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// query runs fn on the hub goroutine and waits for its result.
func query[T any](ctx context.Context, h *Hub, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	var zero T
	out := make(chan result, 1)
	if err := h.enqueue(ctx, func(ctx context.Context) {
		v, err := fn(ctx)
		out <- result{v, err}
	}); err != nil {
		return zero, err
	}
	select {
	case r := <-out:
		return r.value, r.err
	case <-h.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Snapshot returns the current state as seen between two processed messages.
func (h *Hub) Snapshot(ctx context.Context) (console.State, error) {
	return query(ctx, h, func(context.Context) (console.State, error) {
		return h.store.Snapshot(), nil
	})
}

func (h *Hub) Presets(ctx context.Context) ([]string, error) {
	return query(ctx, h, h.listPresets)
}

// ReadPreset loads a stored preset for display without touching the console. It runs beside the hub goroutine, under
// the same deadline as every other storage call.
func (h *Hub) ReadPreset(ctx context.Context, name string) (console.State, error) {
	return withTimeout(ctx, h.opts.PersistTimeout, func(ctx context.Context) (console.State, error) {
		return h.presets.Load(ctx, name)
	})
}

func (h *Hub) SessionCount(ctx context.Context) (int, error) {
	return query(ctx, h, func(context.Context) (int, error) {
		return len(h.sessions), nil
	})
}

// withTimeout runs a storage call off the hub goroutine so a stuck disk or database surfaces as an error instead of
// stalling every session. A call that times out may still complete later in the background.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	type result struct {
		value T
		err   error
	}
	out := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		out <- result{v, err}
	}()
	select {
	case r := <-out:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrPersistTimeout, ctx.Err())
	}
}

func (h *Hub) listPresets(ctx context.Context) ([]string, error) {
	return withTimeout(ctx, h.opts.PersistTimeout, h.presets.List)
}

func (h *Hub) handle(ctx context.Context, from *Session, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.UpdateChannel:
		applied, err := h.store.ApplyFieldUpdate(m.MixIndex, m.ChannelIndex, m.Update)
		if err != nil {
			h.reject(from, m.Event(), err)
			return
		}
		slog.Debug("channel updated", "session", from.ID, "mix", m.MixIndex, "channel", m.ChannelIndex)
		h.broadcast(protocol.StateUpdated{MixIndex: m.MixIndex, ChannelIndex: m.ChannelIndex, Update: applied}, from)
		for _, o := range h.opts.Observers {
			o.FieldUpdated(m.MixIndex, m.ChannelIndex, applied)
		}

	case protocol.InitSetup:
		next, err := console.NewState(h.opts.Mixes, m.Count)
		if err != nil {
			h.reject(from, m.Event(), err)
			return
		}
		if !h.replace(from, m.Event(), next) {
			return
		}
		slog.Info("console re-initialized", "session", from.ID, "mixes", h.opts.Mixes, "channels", m.Count)

	case protocol.SavePreset:
		snapshot := h.store.Snapshot()
		if _, err := withTimeout(ctx, h.opts.PersistTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.presets.Save(ctx, m.Name, snapshot)
		}); err != nil {
			h.reject(from, m.Event(), err)
			return
		}
		slog.Info("preset saved", "session", from.ID, "name", m.Name)
		h.broadcast(protocol.SyncState{State: snapshot}, nil)
		h.broadcastPresets(ctx)

	case protocol.LoadPreset:
		loaded, err := withTimeout(ctx, h.opts.PersistTimeout, func(ctx context.Context) (console.State, error) {
			return h.presets.Load(ctx, m.Name)
		})
		if err != nil {
			h.reject(from, m.Event(), err)
			return
		}
		if !h.replace(from, m.Event(), loaded) {
			return
		}
		slog.Info("preset loaded", "session", from.ID, "name", m.Name)

	case protocol.DeletePreset:
		if _, err := withTimeout(ctx, h.opts.PersistTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.presets.Delete(ctx, m.Name)
		}); err != nil {
			h.reject(from, m.Event(), err)
			return
		}
		slog.Info("preset deleted", "session", from.ID, "name", m.Name)
		h.broadcast(protocol.SyncState{State: h.store.Snapshot()}, nil)
		h.broadcastPresets(ctx)

	case protocol.GetPresets:
		names, err := h.listPresets(ctx)
		if err != nil {
			h.reject(from, m.Event(), err)
			return
		}
		h.send(from, protocol.PresetsList{Names: names})

	default:
		h.reject(from, msg.Event(), fmt.Errorf("%w: %s is not accepted from clients", protocol.ErrInvalid, msg.Event()))
	}
}

// replace swaps the whole store and sends the new snapshot to every session including the originator.
func (h *Hub) replace(from *Session, event string, next console.State) bool {
	if err := h.store.ReplaceAll(next); err != nil {
		h.reject(from, event, err)
		return false
	}
	snapshot := h.store.Snapshot()
	h.broadcast(protocol.SyncState{State: snapshot}, nil)
	for _, o := range h.opts.Observers {
		o.StateReplaced(snapshot.Clone())
	}
	return true
}

func (h *Hub) broadcastPresets(ctx context.Context) {
	names, err := h.listPresets(ctx)
	if err != nil {
		slog.Error("failed to list presets", "err", err)
		return
	}
	h.broadcast(protocol.PresetsList{Names: names}, nil)
}

func (h *Hub) reject(to *Session, event string, err error) {
	slog.Warn("rejected message", "session", to.ID, "event", event, "err", err)
	h.send(to, protocol.Error{For: event, Message: err.Error()})
}

// broadcast sends msg to every session except skip. The frame is encoded once.
func (h *Hub) broadcast(msg protocol.Message, skip *Session) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("failed to encode broadcast", "event", msg.Event(), "err", err)
		return
	}
	for s := range h.sessions {
		if s == skip {
			continue
		}
		h.deliver(s, raw)
	}
}

func (h *Hub) send(to *Session, msg protocol.Message) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("failed to encode message", "event", msg.Event(), "err", err)
		return
	}
	h.deliver(to, raw)
}

// deliver queues a frame without blocking. A session that cannot keep up is dropped and will resync on reconnect.
func (h *Hub) deliver(s *Session, raw []byte) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	select {
	case s.out <- raw:
	default:
		h.remove(s, "outbox full")
	}
}

func (h *Hub) remove(s *Session, reason string) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	close(s.out)
	slog.Info("session removed", "session", s.ID, "reason", reason, "remaining", len(h.sessions))
}
