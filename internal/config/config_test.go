package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(nil, filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, "settings.json", cfg.SettingsFile)
	assert.Equal(t, []string{".mp4"}, cfg.VideoExtensions)
	assert.Equal(t, time.Second, cfg.Rotation.Tick)
	assert.Equal(t, 100*time.Millisecond, cfg.Playback.PollInterval)
	assert.Equal(t, "mpv", cfg.Player.Backend)
	assert.Equal(t, "none", cfg.Motion.Source)
	assert.Equal(t, 14, cfg.Log.RetentionDays)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoad_FileAndSanitize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"video_dir": "  /srv/videos ",
		"video_extensions": ["MP4", ".mov"],
		"rotation": {"tick": "2s", "reset_on_startup": true},
		"player": {"backend": " NULL ", "null_duration": "3s"},
		"mqtt": {"enabled": true, "topic_prefix": "portrait/hall/"},
		"motion": {"source": "mqtt"}
	}`), 0o644))

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/videos", cfg.VideoDir)
	assert.Equal(t, []string{".mp4", ".mov"}, cfg.VideoExtensions)
	assert.Equal(t, 2*time.Second, cfg.Rotation.Tick)
	assert.True(t, cfg.Rotation.ResetOnStartup)
	assert.Equal(t, "null", cfg.Player.Backend)
	assert.Equal(t, 3*time.Second, cfg.Player.NullDuration)
	assert.Equal(t, "portrait/hall", cfg.MQTT.TopicPrefix)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORTRAIT_VIDEO_DIR", "/media/portrait")
	t.Setenv("PORTRAIT_PLAYBACK_POLL_INTERVAL", "250ms")

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "/media/portrait", cfg.VideoDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Playback.PollInterval)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"backend":     `{"player": {"backend": "vlc"}}`,
		"motion":      `{"motion": {"source": "radar"}}`,
		"mqtt motion": `{"motion": {"source": "mqtt"}}`,
		"retention":   `{"log": {"retention_days": -1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(nil, path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	_, err := Load(nil, path)
	assert.Error(t, err)
}
