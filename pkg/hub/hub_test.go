package hub

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/cuemix/pkg/console"
	"github.com/astromechza/cuemix/pkg/mirror"
	"github.com/astromechza/cuemix/pkg/preset"
	"github.com/astromechza/cuemix/pkg/protocol"
)

func startHub(t *testing.T, presets preset.Store, opts Options) *Hub {
	t.Helper()
	if presets == nil {
		fs, err := preset.OpenFile(filepath.Join(t.TempDir(), "presets.json"))
		require.NoError(t, err)
		presets = fs
	}
	initial, err := console.NewState(4, 8)
	require.NoError(t, err)
	h, err := New(initial, presets, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func recv(t *testing.T, s *Session) protocol.Message {
	t.Helper()
	select {
	case raw, ok := <-s.Outbox():
		require.True(t, ok, "outbox closed")
		msg, err := protocol.Unmarshal(raw)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// join connects a session and consumes its initial snapshot and preset list.
func join(t *testing.T, h *Hub) (*Session, console.State) {
	t.Helper()
	s, err := h.Join(context.Background())
	require.NoError(t, err)
	snap, ok := recv(t, s).(protocol.SyncState)
	require.True(t, ok, "first frame is the snapshot")
	_, ok = recv(t, s).(protocol.PresetsList)
	require.True(t, ok, "second frame is the preset list")
	return s, snap.State
}

// barrier proves nothing else is queued for s: everything sent to it before the barrier has been read already.
func barrier(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Submit(context.Background(), protocol.GetPresets{}))
	msg := recv(t, s)
	_, ok := msg.(protocol.PresetsList)
	require.True(t, ok, "expected nothing before the barrier, got %#v", msg)
}

func submit(t *testing.T, s *Session, msg protocol.Message) {
	t.Helper()
	require.NoError(t, s.Submit(context.Background(), msg))
}

func TestJoinSendsSnapshotFirst(t *testing.T) {
	h := startHub(t, nil, Options{})
	_, st := join(t, h)
	assert.Len(t, st, 4)
	assert.Equal(t, 8, st.ChannelCount())

	n, err := h.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFieldUpdateGoesToOthersOnly(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, _ := join(t, h)
	c2, _ := join(t, h)

	submit(t, c1, protocol.UpdateChannel{MixIndex: 0, ChannelIndex: 3, Update: console.SetMuted(true)})

	got := recv(t, c2)
	assert.Equal(t, protocol.StateUpdated{MixIndex: 0, ChannelIndex: 3, Update: console.SetMuted(true)}, got)
	barrier(t, c1)

	st, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, st[0][3].IsMuted)
}

func TestFieldUpdateIsClamped(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, _ := join(t, h)
	c2, _ := join(t, h)

	submit(t, c1, protocol.UpdateChannel{MixIndex: 1, ChannelIndex: 0, Update: console.SetFader(150)})
	submit(t, c1, protocol.UpdateChannel{MixIndex: 1, ChannelIndex: 0, Update: console.SetPan(-500)})

	first := recv(t, c2).(protocol.StateUpdated)
	assert.Equal(t, 100.0, *first.Update.FaderValue)
	second := recv(t, c2).(protocol.StateUpdated)
	assert.Equal(t, console.MinPan, *second.Update.PanValue)

	st, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, st[1][0].FaderValue)
	assert.Equal(t, console.MinPan, st[1][0].PanValue)
}

func TestResizeRejectsStaleIndex(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, _ := join(t, h)
	c2, _ := join(t, h)

	submit(t, c1, protocol.InitSetup{Count: 5})
	submit(t, c1, protocol.UpdateChannel{MixIndex: 0, ChannelIndex: 7, Update: console.SetMuted(true)})

	for _, s := range []*Session{c1, c2} {
		snap, ok := recv(t, s).(protocol.SyncState)
		require.True(t, ok)
		assert.Equal(t, 5, snap.State.ChannelCount())
		assert.Len(t, snap.State, 4)
	}

	rejected, ok := recv(t, c1).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.EventUpdateChannel, rejected.For)
	assert.Contains(t, rejected.Message, console.ErrOutOfRange.Error())
	barrier(t, c2)
}

func TestPresetRoundTrip(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, _ := join(t, h)

	submit(t, c1, protocol.UpdateChannel{MixIndex: 2, ChannelIndex: 6, Update: console.SetFader(12)})
	submit(t, c1, protocol.UpdateChannel{MixIndex: 0, ChannelIndex: 1, Update: console.SetName("KICK")})
	saved, err := h.Snapshot(context.Background())
	require.NoError(t, err)

	submit(t, c1, protocol.SavePreset{Name: "A"})
	_ = recv(t, c1).(protocol.SyncState)
	list := recv(t, c1).(protocol.PresetsList)
	assert.Equal(t, []string{"A"}, list.Names)

	submit(t, c1, protocol.InitSetup{Count: 2})
	resized := recv(t, c1).(protocol.SyncState)
	assert.Equal(t, 2, resized.State.ChannelCount())

	submit(t, c1, protocol.LoadPreset{Name: "A"})
	restored := recv(t, c1).(protocol.SyncState)
	assert.Equal(t, saved, restored.State)
	assert.Equal(t, 8, restored.State.ChannelCount())
}

func TestDeletePresetIsIdempotent(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, _ := join(t, h)
	c2, _ := join(t, h)

	submit(t, c1, protocol.SavePreset{Name: "x"})
	for _, s := range []*Session{c1, c2} {
		_ = recv(t, s).(protocol.SyncState)
		assert.Equal(t, []string{"x"}, recv(t, s).(protocol.PresetsList).Names)
	}

	for i := 0; i < 2; i++ {
		submit(t, c1, protocol.DeletePreset{Name: "x"})
		for _, s := range []*Session{c1, c2} {
			_ = recv(t, s).(protocol.SyncState)
			assert.Empty(t, recv(t, s).(protocol.PresetsList).Names)
		}
	}

	names, err := h.Presets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLoadMissingPresetOnlyTellsSender(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, before := join(t, h)
	c2, _ := join(t, h)

	submit(t, c1, protocol.LoadPreset{Name: "ghost"})
	rejected := recv(t, c1).(protocol.Error)
	assert.Equal(t, protocol.EventLoadPreset, rejected.For)
	barrier(t, c2)

	after, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

type fakePresets struct {
	mu      sync.Mutex
	data    map[string]console.State
	saveErr error
	block   chan struct{}
}

func newFakePresets() *fakePresets {
	return &fakePresets{data: map[string]console.State{}}
}

func (f *fakePresets) Save(ctx context.Context, name string, state console.State) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.data[name] = state
	return nil
}

func (f *fakePresets) Load(ctx context.Context, name string) (console.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.data[name]
	if !ok {
		return nil, preset.ErrNotFound
	}
	return st, nil
}

func (f *fakePresets) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, name)
	return nil
}

func (f *fakePresets) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.data))
	for n := range f.data {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakePresets) Close() error { return nil }

func TestPersistenceTimeoutDoesNotStallHub(t *testing.T) {
	fake := newFakePresets()
	fake.block = make(chan struct{})
	defer close(fake.block)
	h := startHub(t, fake, Options{PersistTimeout: 50 * time.Millisecond})
	c1, _ := join(t, h)
	c2, _ := join(t, h)

	submit(t, c1, protocol.SavePreset{Name: "slow"})
	submit(t, c2, protocol.UpdateChannel{MixIndex: 0, ChannelIndex: 0, Update: console.SetMuted(true)})

	rejected := recv(t, c1).(protocol.Error)
	assert.Equal(t, protocol.EventSavePreset, rejected.For)
	assert.Contains(t, rejected.Message, ErrPersistTimeout.Error())

	_ = recv(t, c1).(protocol.StateUpdated)
	barrier(t, c2)
}

func TestPersistenceFailureLeavesStoreAlone(t *testing.T) {
	fake := newFakePresets()
	fake.saveErr = errors.New("disk full")
	h := startHub(t, fake, Options{})
	c1, before := join(t, h)

	submit(t, c1, protocol.SavePreset{Name: "A"})
	rejected := recv(t, c1).(protocol.Error)
	assert.Contains(t, rejected.Message, "disk full")

	after, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadRejectsRaggedPreset(t *testing.T) {
	fake := newFakePresets()
	fake.data["bad"] = console.State{
		console.Mix{console.DefaultChannel(0), console.DefaultChannel(1)},
		console.Mix{console.DefaultChannel(0)},
	}
	h := startHub(t, fake, Options{})
	c1, before := join(t, h)

	submit(t, c1, protocol.LoadPreset{Name: "bad"})
	rejected := recv(t, c1).(protocol.Error)
	assert.Contains(t, rejected.Message, console.ErrShape.Error())

	after, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestInvalidFrameOnlyTellsSender(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, _ := join(t, h)
	c2, _ := join(t, h)

	require.NoError(t, c1.SubmitFrame(context.Background(), []byte(`{"event":"update_channel","data":{"mixIndex":0}}`)))
	rejected := recv(t, c1).(protocol.Error)
	assert.Equal(t, protocol.EventUpdateChannel, rejected.For)

	require.NoError(t, c1.SubmitFrame(context.Background(), []byte(`garbage`)))
	_ = recv(t, c1).(protocol.Error)

	submit(t, c1, protocol.SyncState{State: console.State{console.Mix{console.DefaultChannel(0)}}})
	_ = recv(t, c1).(protocol.Error)

	barrier(t, c2)
}

func TestSlowSessionIsDropped(t *testing.T) {
	h := startHub(t, nil, Options{OutboxSize: 4})
	c1, _ := join(t, h)
	slow, err := h.Join(context.Background())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		submit(t, c1, protocol.UpdateChannel{MixIndex: 0, ChannelIndex: 0, Update: console.SetFader(float64(i))})
	}
	n, err := h.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	drained := 0
	for range slow.Outbox() {
		drained++
	}
	assert.Equal(t, 4, drained)
}

func TestLeaveRemovesSession(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, _ := join(t, h)
	c2, _ := join(t, h)

	c2.Leave(context.Background())
	submit(t, c1, protocol.UpdateChannel{MixIndex: 0, ChannelIndex: 0, Update: console.SetMuted(true)})
	barrier(t, c1)

	n, err := h.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := <-c2.Outbox()
	assert.False(t, ok)
}

func TestMessagesFromDepartedSessionStillApply(t *testing.T) {
	h := startHub(t, nil, Options{})
	c1, _ := join(t, h)
	c2, _ := join(t, h)

	submit(t, c2, protocol.UpdateChannel{MixIndex: 3, ChannelIndex: 2, Update: console.SetFader(5)})
	c2.Leave(context.Background())

	got := recv(t, c1).(protocol.StateUpdated)
	assert.Equal(t, 5.0, *got.Update.FaderValue)
}

type recordingObserver struct {
	mu       sync.Mutex
	fields   int
	replaces []int
}

func (r *recordingObserver) FieldUpdated(int, int, console.Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields++
}

func (r *recordingObserver) StateReplaced(st console.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaces = append(r.replaces, st.ChannelCount())
}

func TestObserversSeeAppliedChanges(t *testing.T) {
	obs := &recordingObserver{}
	h := startHub(t, nil, Options{Observers: []Observer{obs}})
	c1, _ := join(t, h)

	submit(t, c1, protocol.UpdateChannel{MixIndex: 0, ChannelIndex: 0, Update: console.SetMuted(true)})
	submit(t, c1, protocol.UpdateChannel{MixIndex: 0, ChannelIndex: 99, Update: console.SetMuted(true)})
	submit(t, c1, protocol.InitSetup{Count: 3})
	_ = recv(t, c1).(protocol.Error)
	_ = recv(t, c1).(protocol.SyncState)
	barrier(t, c1)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.fields)
	assert.Equal(t, []int{3}, obs.replaces)
}

// pumpedMirror wires a mirror to a session in-process.
type pumpedMirror struct {
	session *Session
	mirror  *mirror.Mirror
}

func newPumpedMirror(t *testing.T, h *Hub) *pumpedMirror {
	t.Helper()
	s, err := h.Join(context.Background())
	require.NoError(t, err)
	p := &pumpedMirror{session: s}
	p.mirror = mirror.New(func(msg protocol.Message) error {
		return s.Submit(context.Background(), msg)
	})
	p.drain(t)
	return p
}

// drain applies everything currently queued for the session.
func (p *pumpedMirror) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case raw, ok := <-p.session.Outbox():
			require.True(t, ok)
			require.NoError(t, p.mirror.HandleFrame(raw))
		default:
			return
		}
	}
}

func TestMirrorsConverge(t *testing.T) {
	h := startHub(t, nil, Options{OutboxSize: 10000})
	editors := make([]*pumpedMirror, 3)
	for i := range editors {
		editors[i] = newPumpedMirror(t, h)
	}
	watcher := newPumpedMirror(t, h)

	wg := new(sync.WaitGroup)
	for i, e := range editors {
		wg.Add(1)
		go func(channel int, e *pumpedMirror) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(channel)))
			for n := 0; n < 200; n++ {
				mix := r.Intn(4)
				var patch console.Patch
				switch r.Intn(4) {
				case 0:
					patch = console.SetFader(r.Float64() * 120)
				case 1:
					patch = console.SetPan(r.Float64()*120 - 10)
				case 2:
					patch = console.SetMuted(r.Intn(2) == 0)
				default:
					patch = console.SetName(fmt.Sprintf("E%d-%d", channel, n))
				}
				assert.NoError(t, e.mirror.RequestChange(mix, channel, patch))
			}
		}(i, e)
	}
	wg.Wait()

	final, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	for _, p := range append(editors, watcher) {
		p.drain(t)
		assert.Equal(t, final, p.mirror.State())
	}
}

func TestReplaceIsNeverObservedHalfDone(t *testing.T) {
	h := startHub(t, nil, Options{OutboxSize: 10000})
	c1, _ := join(t, h)
	watcher, initial := join(t, h)

	ctx := context.Background()
	wg := new(sync.WaitGroup)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, c1.Submit(ctx, protocol.InitSetup{Count: 1 + i%10}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, c1.Submit(ctx, protocol.UpdateChannel{MixIndex: i % 4, ChannelIndex: i % 10, Update: console.SetFader(float64(i % 100))}))
		}
	}()
	for i := 0; i < 50; i++ {
		st, err := h.Snapshot(ctx)
		require.NoError(t, err)
		require.NoError(t, st.Validate())
	}
	wg.Wait()

	final, err := h.Snapshot(ctx)
	require.NoError(t, err)
	m := mirror.New(func(protocol.Message) error { return nil })
	require.NoError(t, m.ReplaceSnapshot(initial))
	for {
		select {
		case raw := <-watcher.Outbox():
			msg, err := protocol.Unmarshal(raw)
			require.NoError(t, err)
			if s, ok := msg.(protocol.SyncState); ok {
				require.NoError(t, s.State.Validate())
			}
			require.NoError(t, m.Handle(msg))
			continue
		default:
		}
		break
	}
	assert.Equal(t, final, m.State())
}
