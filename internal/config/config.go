// Package config loads the appliance configuration.
//
// Values come from a config file (JSON, YAML or TOML, picked by extension), PORTRAIT_*
// environment variables and command-line flags bound by the CLI, in increasing order of
// precedence. A missing config file is not an error.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PORTRAIT_VIDEO_DIR or PORTRAIT_MQTT_BROKER.
const EnvPrefix = "PORTRAIT"

// LogConfig - logging
type LogConfig struct {
	Dir           string `mapstructure:"dir"`
	Level         string `mapstructure:"level"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// RotationConfig - playlist rotator
type RotationConfig struct {
	Tick           time.Duration `mapstructure:"tick"`
	ResetOnStartup bool          `mapstructure:"reset_on_startup"`
}

// PlaybackConfig - playback controller timing
type PlaybackConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	IdleInterval  time.Duration `mapstructure:"idle_interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// PlayerConfig - video player backend
type PlayerConfig struct {
	Backend      string        `mapstructure:"backend"` // mpv | null
	MPVPath      string        `mapstructure:"mpv_path"`
	IPCSocket    string        `mapstructure:"ipc_socket"`
	ExtraArgs    []string      `mapstructure:"extra_args"`
	NullDuration time.Duration `mapstructure:"null_duration"`
}

// MotionConfig - motion sensor source
type MotionConfig struct {
	Source        string        `mapstructure:"source"` // gpio | mqtt | none
	GPIOValuePath string        `mapstructure:"gpio_value_path"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
}

// ServerConfig - admin HTTP API
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimit      int      `mapstructure:"rate_limit"` // requests per minute per client
	WebDir         string   `mapstructure:"web_dir"`    // optional static admin UI
}

// MQTTConfig - MQTT bridge and Home Assistant discovery
type MQTTConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Broker             string `mapstructure:"broker"` // tcp://IP:PORT
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	ClientID           string `mapstructure:"client_id"`
	TopicPrefix        string `mapstructure:"topic_prefix"`
	HADiscoveryEnabled bool   `mapstructure:"ha_discovery_enabled"`
	HADiscoveryPrefix  string `mapstructure:"ha_discovery_prefix"`
}

// Config is the process configuration.
type Config struct {
	SettingsFile    string   `mapstructure:"settings_file"`
	VideoDir        string   `mapstructure:"video_dir"`
	VideoExtensions []string `mapstructure:"video_extensions"`
	PauseVideo      string   `mapstructure:"pause_video"`

	Log      LogConfig      `mapstructure:"log"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Player   PlayerConfig   `mapstructure:"player"`
	Motion   MotionConfig   `mapstructure:"motion"`
	Server   ServerConfig   `mapstructure:"server"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

var defaults = map[string]interface{}{
	"settings_file":    "settings.json",
	"video_dir":        "videos",
	"video_extensions": []string{".mp4"},
	"pause_video":      "pause/paused.mp4",

	"log.dir":            "logs",
	"log.level":          "info",
	"log.retention_days": 14,

	"rotation.tick":             "1s",
	"rotation.reset_on_startup": false,

	"playback.poll_interval":  "100ms",
	"playback.idle_interval":  "1s",
	"playback.retry_interval": "1s",

	"player.backend":       "mpv",
	"player.mpv_path":      "mpv",
	"player.ipc_socket":    "/tmp/livingportrait-mpv.sock",
	"player.extra_args":    []string{},
	"player.null_duration": "10s",

	"motion.source":          "none",
	"motion.gpio_value_path": "/sys/class/gpio/gpio4/value",
	"motion.poll_interval":   "50ms",
	"motion.debounce":        "1s",

	"server.enabled":         true,
	"server.port":            "8080",
	"server.allowed_origins": []string{"http://localhost:8080"},
	"server.rate_limit":      120,
	"server.web_dir":         "",

	"mqtt.enabled":              false,
	"mqtt.broker":               "tcp://localhost:1883",
	"mqtt.username":             "",
	"mqtt.password":             "",
	"mqtt.client_id":            "livingportrait",
	"mqtt.topic_prefix":         "livingportrait",
	"mqtt.ha_discovery_enabled": false,
	"mqtt.ha_discovery_prefix":  "homeassistant",
}

// NewViper returns a viper instance with defaults and environment overrides registered.
// Flags may be bound to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v (a fresh instance when nil) and returns the validated config.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	cfg, err := Load(NewViper(), "")
	if err != nil {
		panic(err) // defaults are static and valid
	}
	return cfg
}

func (c *Config) sanitize() {
	c.SettingsFile = strings.TrimSpace(c.SettingsFile)
	c.VideoDir = strings.TrimSpace(c.VideoDir)
	c.PauseVideo = strings.TrimSpace(c.PauseVideo)
	c.Log.Dir = strings.TrimSpace(c.Log.Dir)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Player.Backend = strings.ToLower(strings.TrimSpace(c.Player.Backend))
	c.Motion.Source = strings.ToLower(strings.TrimSpace(c.Motion.Source))
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	c.MQTT.TopicPrefix = strings.TrimSuffix(strings.TrimSpace(c.MQTT.TopicPrefix), "/")

	for i, ext := range c.VideoExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.VideoExtensions[i] = ext
	}
}

func (c *Config) setDefaults() {
	if c.SettingsFile == "" {
		c.SettingsFile = "settings.json"
	}
	if c.VideoDir == "" {
		c.VideoDir = "videos"
	}
	if len(c.VideoExtensions) == 0 {
		c.VideoExtensions = []string{".mp4"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Rotation.Tick <= 0 {
		c.Rotation.Tick = time.Second
	}
	if c.Playback.PollInterval <= 0 {
		c.Playback.PollInterval = 100 * time.Millisecond
	}
	if c.Playback.IdleInterval <= 0 {
		c.Playback.IdleInterval = time.Second
	}
	if c.Playback.RetryInterval <= 0 {
		c.Playback.RetryInterval = time.Second
	}
	if c.Player.Backend == "" {
		c.Player.Backend = "mpv"
	}
	if c.Motion.Source == "" {
		c.Motion.Source = "none"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "livingportrait"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "livingportrait"
	}
}

func (c *Config) validate() error {
	switch c.Player.Backend {
	case "mpv", "null":
	default:
		return fmt.Errorf("config error: unknown player backend %q", c.Player.Backend)
	}
	switch c.Motion.Source {
	case "gpio", "mqtt", "none":
	default:
		return fmt.Errorf("config error: unknown motion source %q", c.Motion.Source)
	}
	if c.Motion.Source == "mqtt" && !c.MQTT.Enabled {
		return fmt.Errorf("config error: motion source 'mqtt' needs mqtt.enabled")
	}
	if c.Player.Backend == "mpv" && c.Player.IPCSocket == "" {
		return fmt.Errorf("config error: 'player.ipc_socket' is required for mpv")
	}
	if c.PauseVideo == "" {
		return fmt.Errorf("config error: 'pause_video' is required")
	}
	if c.Log.RetentionDays < 0 {
		return fmt.Errorf("config error: 'log.retention_days' must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config error: 'server.rate_limit' must not be negative")
	}
	return nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
