package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/astromechza/cuemix/pkg/console"
	"github.com/astromechza/cuemix/pkg/mirror"
)

// RandomEdit makes one plausible edit to the selected mix the way a musician nudging their monitor mix would: mostly
// fader moves, some pan moves, the occasional mute toggle.
func RandomEdit(m *mirror.Mirror, r *rand.Rand) (int, console.Patch, error) {
	views := m.Channels()
	if len(views) == 0 {
		return 0, console.Patch{}, mirror.ErrLoading
	}
	v := views[r.Intn(len(views))]
	var patch console.Patch
	switch n := r.Intn(10); {
	case n < 6:
		patch = console.SetFader(console.ClampFader(v.FaderValue + float64(r.Intn(21)-10)))
	case n < 9:
		patch = console.SetPan(console.ClampPan(v.PanValue + float64(r.Intn(21)-10)))
	default:
		patch = console.SetMuted(!v.IsMuted)
	}
	if err := m.ApplyLocalIntent(v.Index, patch); err != nil {
		return v.Index, patch, err
	}
	return v.Index, patch, nil
}

var ErrInterval = errors.New("edit interval must be positive")

// Wander makes a random edit every interval plus jitter until ctx is cancelled.
func Wander(ctx context.Context, m *mirror.Mirror, seed int64, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInterval, interval)
	}
	r := rand.New(rand.NewSource(seed))
	for {
		t := time.NewTimer(interval + time.Duration(r.Int63n(int64(interval))))
		select {
		case <-t.C:
			channel, patch, err := RandomEdit(m, r)
			if errors.Is(err, mirror.ErrLoading) {
				slog.Debug("waiting for snapshot")
				continue
			} else if err != nil {
				slog.Error("failed to edit", "err", err)
				continue
			}
			slog.Info("edited", "mix", m.SelectedMix(), "channel", channel, "patch", describe(patch))
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return nil
		}
	}
}

func describe(p console.Patch) string {
	switch {
	case p.FaderValue != nil:
		return fmt.Sprintf("fader=%.0f", *p.FaderValue)
	case p.PanValue != nil:
		return fmt.Sprintf("pan=%.0f", *p.PanValue)
	case p.IsMuted != nil:
		return fmt.Sprintf("muted=%t", *p.IsMuted)
	default:
		return "?"
	}
}
