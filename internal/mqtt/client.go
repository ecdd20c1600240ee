// Package mqtt bridges the appliance to an MQTT broker: playback status out, remote pause,
// trigger and selection commands and motion events in.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"livingportrait/internal/config"
	"livingportrait/internal/core"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/store"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// commandTimeout bounds how long a handler waits for the agent to apply a command.
const commandTimeout = 5 * time.Second

type Client struct {
	client   mqtt.Client
	cfg      config.MQTTConfig
	commands core.CommandChannel
	onMotion func()
	prefix   string
	logger   zerolog.Logger
}

// NewClient creates the bridge, or returns nil when MQTT is disabled. onMotion is called
// for every message on <prefix>/motion and may be nil.
func NewClient(cfg config.MQTTConfig, commands core.CommandChannel, onMotion func()) *Client {
	if !cfg.Enabled {
		return nil
	}

	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// keep retrying when the broker is not up yet at boot
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetOrderMatters(false)

	opts.SetWill(prefix+"/availability", "offline", 1, true)

	c := newClient(cfg, commands, onMotion)
	c.prefix = prefix

	opts.SetOnConnectHandler(c.onConnect)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn().Err(err).Str(xlog.FieldEvent, "mqtt.connection_lost").Msg("connection lost, retrying in background")
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logger.Info().Str(xlog.FieldEvent, "mqtt.reconnecting").Msg("attempting to reconnect")
	})

	c.client = mqtt.NewClient(opts)

	return c
}

func newClient(cfg config.MQTTConfig, commands core.CommandChannel, onMotion func()) *Client {
	return &Client{
		cfg:      cfg,
		commands: commands,
		onMotion: onMotion,
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		logger:   xlog.WithComponent("mqtt"),
	}
}

// Connect starts the connection loop and waits for the first handshake or for ctx to end.
// Cancelling ctx stops the loop.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	c.logger.Info().Str("broker", c.cfg.Broker).Msg("starting connection loop")

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.client.Disconnect(0)
		return ctx.Err()
	}
	// With ConnectRetry an error here means a configuration problem rather than an unreachable broker.
	if err := token.Error(); err != nil {
		c.logger.Error().Err(err).Msg("initial connection error")
		return err
	}
	return nil
}

// Disconnect publishes the offline status, then closes the connection. A client still
// waiting for the broker stops retrying.
func (c *Client) Disconnect() {
	if c == nil || c.client == nil {
		return
	}
	if !c.client.IsConnected() {
		c.client.Disconnect(0)
		return
	}
	c.logger.Info().Msg("disconnecting")

	token := c.client.Publish(c.prefix+"/availability", 0, true, "offline")
	if token.WaitTimeout(2 * time.Second) {
		if token.Error() != nil {
			c.logger.Warn().Err(token.Error()).Msg("failed to publish offline status")
		}
	} else {
		c.logger.Warn().Msg("timed out publishing offline status")
	}

	c.client.Disconnect(250)
	c.logger.Info().Msg("disconnected")
}

// Publish sends payload to <prefix>/<subtopic> without blocking the caller.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if c == nil || c.client == nil || !c.client.IsConnected() {
		return
	}

	topic := fmt.Sprintf("%s/%s", c.prefix, subtopic)
	msg := fmt.Sprintf("%v", payload)

	token := c.client.Publish(topic, 0, retained, msg)

	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("publish error")
			}
		} else {
			c.logger.Warn().Str("topic", topic).Msg("publish timed out")
		}
	}()
}

// Run mirrors playback and settings changes to retained state topics until ctx is done.
func (c *Client) Run(ctx context.Context, bus *core.EventBus) error {
	if c == nil {
		return nil
	}
	events := bus.Subscribe(core.PlaybackChangedEvent, core.SettingsChangedEvent)
	defer bus.Unsubscribe(events, core.PlaybackChangedEvent, core.SettingsChangedEvent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch p := ev.Payload.(type) {
			case core.PlaybackStatus:
				c.PublishStatus(p)
			case store.Snapshot:
				c.PublishSettings(p.Settings)
			}
		}
	}
}

// PublishStatus publishes the controller state and the video on screen.
func (c *Client) PublishStatus(status core.PlaybackStatus) {
	c.Publish("state", status.State, true)
	c.Publish("video/state", status.Video, true)
	if data, err := json.Marshal(status); err == nil {
		c.Publish("status", string(data), true)
	}
}

// PublishSettings publishes the control flags remote clients can set.
func (c *Client) PublishSettings(doc core.Settings) {
	c.Publish("pause/state", onOff(doc.PauseFlag), true)
	c.Publish("trigger/state", onOff(doc.Playlist.TriggeredFlag), true)
	c.Publish("selected/state", doc.SelectedVideo, true)
	c.Publish("mode/state", doc.Playlist.Mode, true)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// onConnect runs on a paho goroutine.
func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info().Str(xlog.FieldEvent, "mqtt.connected").Msg("connected to broker")

	topics := map[string]mqtt.MessageHandler{
		"pause/set":    c.handlePause,
		"trigger/set":  c.handleTrigger,
		"delay/set":    c.handleDelay,
		"selected/set": c.handleSelect,
		"motion":       c.handleMotion,
	}

	for sub, handler := range topics {
		topic := fmt.Sprintf("%s/%s", c.prefix, sub)
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		} else {
			c.logger.Debug().Str("topic", topic).Msg("subscribed")
		}
	}

	// discovery sleeps, keep onConnect short
	go func() {
		c.Publish("availability", "online", true)
		if c.cfg.HADiscoveryEnabled {
			c.PublishHADiscovery()
		}
	}()
}

func (c *Client) safeID() string {
	safeID := strings.ReplaceAll(c.cfg.ClientID, " ", "_")
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return -1
	}, safeID)
}

// discoveryConfigs returns the Home Assistant discovery topics and payloads.
func (c *Client) discoveryConfigs() map[string]map[string]interface{} {
	safeID := c.safeID()
	device := map[string]interface{}{
		"identifiers":  []string{safeID},
		"name":         "Living Portrait",
		"manufacturer": "livingportrait",
		"model":        "Video Portrait Agent",
	}
	availability := []map[string]string{{
		"topic":                 fmt.Sprintf("%s/availability", c.prefix),
		"payload_available":     "online",
		"payload_not_available": "offline",
	}}
	prefix := c.cfg.HADiscoveryPrefix

	return map[string]map[string]interface{}{
		fmt.Sprintf("%s/switch/%s/pause/config", prefix, safeID): {
			"name":          "Pause",
			"unique_id":     safeID + "_pause",
			"icon":          "mdi:pause-circle",
			"command_topic": fmt.Sprintf("%s/pause/set", c.prefix),
			"state_topic":   fmt.Sprintf("%s/pause/state", c.prefix),
			"availability":  availability,
			"device":        device,
		},
		fmt.Sprintf("%s/switch/%s/trigger/config", prefix, safeID): {
			"name":          "Motion triggered",
			"unique_id":     safeID + "_trigger",
			"icon":          "mdi:motion-sensor",
			"command_topic": fmt.Sprintf("%s/trigger/set", c.prefix),
			"state_topic":   fmt.Sprintf("%s/trigger/state", c.prefix),
			"availability":  availability,
			"device":        device,
		},
		fmt.Sprintf("%s/sensor/%s/state/config", prefix, safeID): {
			"name":         "Playback state",
			"unique_id":    safeID + "_state",
			"icon":         "mdi:television-play",
			"state_topic":  fmt.Sprintf("%s/state", c.prefix),
			"availability": availability,
			"device":       device,
		},
		fmt.Sprintf("%s/sensor/%s/video/config", prefix, safeID): {
			"name":         "Video",
			"unique_id":    safeID + "_video",
			"icon":         "mdi:filmstrip",
			"state_topic":  fmt.Sprintf("%s/video/state", c.prefix),
			"availability": availability,
			"device":       device,
		},
	}
}

// PublishHADiscovery announces the appliance's entities to Home Assistant.
func (c *Client) PublishHADiscovery() {
	// let the subscriptions settle first
	time.Sleep(1 * time.Second)

	for topic, payload := range c.discoveryConfigs() {
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		c.client.Publish(topic, 0, true, data)
		c.logger.Debug().Str("topic", topic).Msg("HA discovery sent")
	}
}

func parseBool(payload []byte) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

// dispatch hands a command to the agent and logs the outcome.
func (c *Client) dispatch(cmdType core.CommandType, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := core.Dispatch(ctx, c.commands, core.Command{Type: cmdType, Payload: payload, Source: "mqtt"})
	if err != nil {
		c.logger.Warn().Err(err).Str("command", string(cmdType)).Msg("command not applied")
	}
}

func (c *Client) handlePause(client mqtt.Client, msg mqtt.Message) {
	paused, ok := parseBool(msg.Payload())
	if !ok {
		return
	}
	c.dispatch(core.CmdSetPause, core.PausePayload{Paused: paused})
}

func (c *Client) handleTrigger(client mqtt.Client, msg mqtt.Message) {
	triggered, ok := parseBool(msg.Payload())
	if !ok {
		return
	}
	c.dispatch(core.CmdSetTrigger, core.TriggerPayload{TriggeredFlag: &triggered})
}

func (c *Client) handleDelay(client mqtt.Client, msg mqtt.Message) {
	delay, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
	if err != nil {
		return
	}
	c.dispatch(core.CmdSetTrigger, core.TriggerPayload{PostTriggerDelaySeconds: &delay})
}

func (c *Client) handleSelect(client mqtt.Client, msg mqtt.Message) {
	name := strings.TrimSpace(string(msg.Payload()))
	if name == "" {
		return
	}
	c.dispatch(core.CmdSelectVideo, core.SelectPayload{Video: name})
}

func (c *Client) handleMotion(client mqtt.Client, msg mqtt.Message) {
	if v, ok := parseBool(msg.Payload()); ok && !v {
		return
	}
	if c.onMotion != nil {
		c.onMotion()
	}
}
