package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"livingportrait/internal/core"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func startStore(t *testing.T, path string, bus *core.EventBus) *Store {
	t.Helper()
	s, err := Open(path, bus)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestOpen_CreatesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := startStore(t, path, core.NewEventBus())

	snap, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.DefaultSettings(), snap.Settings)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	onDisk, err := core.DecodeSettings(data)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultSettings(), onDisk)
}

func TestOpen_CorruptFallsBackWithoutOverwriting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := startStore(t, path, core.NewEventBus())
	snap, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.DefaultSettings(), snap.Settings)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestUpdate_PersistsAndPublishes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	bus := core.NewEventBus()
	sub := bus.Subscribe(core.SettingsChangedEvent)
	s := startStore(t, path, bus)
	ctx := context.Background()

	before, err := s.Get(ctx)
	require.NoError(t, err)

	after, err := s.Update(ctx, "test", func(doc *core.Settings) error {
		doc.PauseFlag = true
		doc.SelectedVideo = "a.mp4"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before.Revision+1, after.Revision)

	select {
	case ev := <-sub:
		snap := ev.Payload.(Snapshot)
		assert.Equal(t, after.Revision, snap.Revision)
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	onDisk, err := core.DecodeSettings(data)
	require.NoError(t, err)
	if diff := cmp.Diff(after.Settings, onDisk); diff != "" {
		t.Errorf("disk differs from memory (-mem +disk):\n%s", diff)
	}
}

func TestUpdate_ErrorLeavesDocumentUntouched(t *testing.T) {
	s := startStore(t, filepath.Join(t.TempDir(), "settings.json"), core.NewEventBus())
	ctx := context.Background()
	boom := errors.New("boom")

	before, err := s.Get(ctx)
	require.NoError(t, err)
	_, err = s.Update(ctx, "test", func(doc *core.Settings) error {
		doc.PauseFlag = true
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdate_NoopDoesNotBumpRevision(t *testing.T) {
	s := startStore(t, filepath.Join(t.TempDir(), "settings.json"), core.NewEventBus())
	ctx := context.Background()

	before, err := s.Get(ctx)
	require.NoError(t, err)
	after, err := s.Update(ctx, "test", func(*core.Settings) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision)
}

func TestUpdate_NoopKeepsHandEditedFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"compact", `{"selectedVideo":"A.mp4","pauseFlag":true,"playlist":{"mode":"random","order":[{"filename":"A.mp4","active":true}]}}`},
		{"missing fields", `{"pauseFlag":true}`},
		{"corrupt", "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			bus := core.NewEventBus()
			sub := bus.Subscribe(core.SettingsChangedEvent)
			s := startStore(t, path, bus)
			ctx := context.Background()

			before, err := s.Get(ctx)
			require.NoError(t, err)
			after, err := s.Update(ctx, "test", func(*core.Settings) error { return nil })
			require.NoError(t, err)
			assert.Equal(t, before.Revision, after.Revision)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(data))
			select {
			case ev := <-sub:
				t.Fatalf("unexpected event %v", ev.Type)
			default:
			}
		})
	}
}

func TestUpdate_ChangeRewritesHandEditedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pauseFlag":true}`), 0o644))
	s := startStore(t, path, core.NewEventBus())
	ctx := context.Background()

	before, err := s.Get(ctx)
	require.NoError(t, err)
	after, err := s.Update(ctx, "test", func(doc *core.Settings) error {
		doc.PauseFlag = false
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before.Revision+1, after.Revision)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want, err := after.Settings.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(want), string(data))
}

// Two actors that each read the whole document and write it back blindly: the second
// write silently discards the first one's change.
func TestReplace_LostUpdate(t *testing.T) {
	s := startStore(t, filepath.Join(t.TempDir(), "settings.json"), core.NewEventBus())
	ctx := context.Background()

	admin, err := s.Get(ctx)
	require.NoError(t, err)
	rotator, err := s.Get(ctx)
	require.NoError(t, err)

	admin.Settings.PauseFlag = true
	_, err = s.Replace(ctx, "admin", admin.Settings)
	require.NoError(t, err)

	rotator.Settings.SelectedVideo = "b.mp4"
	_, err = s.Replace(ctx, "rotator", rotator.Settings)
	require.NoError(t, err)

	final, err := s.Get(ctx)
	require.NoError(t, err)
	assert.False(t, final.Settings.PauseFlag, "admin's pause was overwritten")
	assert.Equal(t, "b.mp4", final.Settings.SelectedVideo)
}

func TestCompareAndSwap_DetectsStaleWrite(t *testing.T) {
	s := startStore(t, filepath.Join(t.TempDir(), "settings.json"), core.NewEventBus())
	ctx := context.Background()

	admin, err := s.Get(ctx)
	require.NoError(t, err)
	rotator, err := s.Get(ctx)
	require.NoError(t, err)

	admin.Settings.PauseFlag = true
	_, err = s.CompareAndSwap(ctx, "admin", admin.Revision, admin.Settings)
	require.NoError(t, err)

	rotator.Settings.SelectedVideo = "b.mp4"
	_, err = s.CompareAndSwap(ctx, "rotator", rotator.Revision, rotator.Settings)
	require.ErrorIs(t, err, ErrConflict)

	final, err := s.Get(ctx)
	require.NoError(t, err)
	assert.True(t, final.Settings.PauseFlag)
	assert.Empty(t, final.Settings.SelectedVideo)
}

func TestUpdate_ConcurrentWritersKeepEveryChange(t *testing.T) {
	s := startStore(t, filepath.Join(t.TempDir(), "settings.json"), core.NewEventBus())
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "test", func(doc *core.Settings) error {
				doc.Playlist.IntervalMinutes++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers, final.Settings.Playlist.IntervalMinutes)
}

func TestReload_AppliesExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := startStore(t, path, core.NewEventBus())
	ctx := context.Background()

	require.NoError(t, os.WriteFile(path, []byte(`{"pauseFlag":true,"selectedVideo":"x.mp4"}`), 0o644))
	snap, err := s.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Settings.PauseFlag)
	assert.Equal(t, "x.mp4", snap.Settings.SelectedVideo)

	// A corrupt edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = s.Reload(ctx)
	require.Error(t, err)
	current, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, current)
}

func TestWatch_PicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := startStore(t, path, core.NewEventBus())

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan error, 1)
	go func() { watchDone <- s.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-watchDone)
	}()

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"pauseFlag":true}`), 0o644))

	require.Eventually(t, func() bool {
		snap, err := s.Get(context.Background())
		return err == nil && snap.Settings.PauseFlag
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRun_StopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := Open(filepath.Join(t.TempDir(), "settings.json"), core.NewEventBus())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_, err = s.Get(context.Background())
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)

	_, err = s.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
