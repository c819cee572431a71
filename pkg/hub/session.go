package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/astromechza/cuemix/pkg/protocol"
)

// Session is one live connection as the hub sees it. Frames for the client arrive on Outbox, which is closed when the
// hub drops the session.
type Session struct {
	ID  string
	hub *Hub
	out chan []byte
}

// Join registers a new session. Its outbox already holds the current snapshot and preset list when Join returns, ahead
// of any delta processed later.
func (h *Hub) Join(ctx context.Context) (*Session, error) {
	s := &Session{
		ID:  ulid.Make().String(),
		hub: h,
		out: make(chan []byte, h.opts.OutboxSize),
	}
	_, err := query(ctx, h, func(ctx context.Context) (struct{}, error) {
		h.sessions[s] = struct{}{}
		slog.Info("session joined", "session", s.ID, "sessions", len(h.sessions))
		h.send(s, protocol.SyncState{State: h.store.Snapshot()})
		if names, err := h.listPresets(ctx); err != nil {
			slog.Error("failed to list presets", "err", err)
		} else {
			h.send(s, protocol.PresetsList{Names: names})
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Outbox() <-chan []byte {
	return s.out
}

// Submit queues a decoded message. Messages accepted here are applied even if the session leaves before they are
// processed.
func (s *Session) Submit(ctx context.Context, msg protocol.Message) error {
	return s.hub.enqueue(ctx, func(ctx context.Context) {
		s.hub.handle(ctx, s, msg)
	})
}

// SubmitFrame decodes raw frame bytes and submits the result. A frame that fails validation never reaches the store;
// the session alone is told why.
func (s *Session) SubmitFrame(ctx context.Context, raw []byte) error {
	msg, err := protocol.Unmarshal(raw)
	if err != nil {
		var f protocol.Frame
		_ = json.Unmarshal(raw, &f)
		return s.hub.enqueue(ctx, func(context.Context) {
			s.hub.reject(s, f.Event, err)
		})
	}
	return s.Submit(ctx, msg)
}

// Leave removes the session from the broadcast set.
func (s *Session) Leave(ctx context.Context) {
	if err := s.hub.enqueue(ctx, func(context.Context) {
		s.hub.remove(s, "left")
	}); err != nil {
		slog.Debug("leave after hub stop", "session", s.ID, "err", err)
	}
}
