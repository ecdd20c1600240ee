package mqtt

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"livingportrait/internal/config"
	"livingportrait/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testClient(onMotion func()) (*Client, core.CommandChannel) {
	commands := make(core.CommandChannel, 1)
	cfg := config.MQTTConfig{Enabled: true, ClientID: "hall portrait!", TopicPrefix: "portrait/", HADiscoveryPrefix: "homeassistant"}
	return newClient(cfg, commands, onMotion), commands
}

// answer replies to the next command and returns it.
func answer(t *testing.T, commands core.CommandChannel) core.Command {
	t.Helper()
	select {
	case cmd := <-commands:
		cmd.Respond(nil)
		return cmd
	case <-time.After(time.Second):
		t.Fatal("no command dispatched")
		return core.Command{}
	}
}

func TestNewClient_DisabledReturnsNil(t *testing.T) {
	assert.Nil(t, NewClient(config.MQTTConfig{}, nil, nil))
}

func TestHandlePause(t *testing.T) {
	c, commands := testClient(nil)

	go c.handlePause(nil, fakeMessage{payload: []byte("ON")})
	cmd := answer(t, commands)
	assert.Equal(t, core.CmdSetPause, cmd.Type)
	assert.Equal(t, core.PausePayload{Paused: true}, cmd.Payload)
	assert.Equal(t, "mqtt", cmd.Source)
}

func TestHandlePause_IgnoresGarbage(t *testing.T) {
	c, commands := testClient(nil)
	c.handlePause(nil, fakeMessage{payload: []byte("maybe")})
	assert.Empty(t, commands)
}

func TestHandleTriggerAndDelay(t *testing.T) {
	c, commands := testClient(nil)

	go c.handleTrigger(nil, fakeMessage{payload: []byte("off")})
	cmd := answer(t, commands)
	p := cmd.Payload.(core.TriggerPayload)
	require.NotNil(t, p.TriggeredFlag)
	assert.False(t, *p.TriggeredFlag)
	assert.Nil(t, p.PostTriggerDelaySeconds)

	go c.handleDelay(nil, fakeMessage{payload: []byte(" 15 ")})
	cmd = answer(t, commands)
	p = cmd.Payload.(core.TriggerPayload)
	assert.Nil(t, p.TriggeredFlag)
	require.NotNil(t, p.PostTriggerDelaySeconds)
	assert.Equal(t, 15, *p.PostTriggerDelaySeconds)
}

func TestHandleSelect(t *testing.T) {
	c, commands := testClient(nil)
	go c.handleSelect(nil, fakeMessage{payload: []byte("B.mp4")})
	cmd := answer(t, commands)
	assert.Equal(t, core.SelectPayload{Video: "B.mp4"}, cmd.Payload)
}

func TestHandleMotion(t *testing.T) {
	var calls int32
	c, _ := testClient(func() { atomic.AddInt32(&calls, 1) })

	c.handleMotion(nil, fakeMessage{payload: []byte("1")})
	c.handleMotion(nil, fakeMessage{payload: []byte("")})
	c.handleMotion(nil, fakeMessage{payload: []byte("off")})
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDiscoveryConfigs(t *testing.T) {
	c, _ := testClient(nil)
	configs := c.discoveryConfigs()

	pause, ok := configs["homeassistant/switch/hall_portrait/pause/config"]
	require.True(t, ok)
	assert.Equal(t, "portrait/pause/set", pause["command_topic"])
	assert.Equal(t, "portrait/pause/state", pause["state_topic"])
	assert.Len(t, configs, 4)
}

func TestPublish_NotConnectedIsNoop(t *testing.T) {
	c, _ := testClient(nil)
	c.Publish("state", "x", true)
	c.PublishStatus(core.PlaybackStatus{State: core.StateArmedWaiting})
	var nilClient *Client
	nilClient.Publish("state", "x", true)
	assert.NoError(t, nilClient.Connect(context.Background()))
	nilClient.Disconnect()
}

func TestConnect_UnreachableBrokerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewClient(config.MQTTConfig{Enabled: true, Broker: "tcp://" + addr, ClientID: "test", TopicPrefix: "portrait"}, make(core.CommandChannel), nil)
	require.NotNil(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Connect(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after cancel")
	}

	finished := make(chan struct{})
	go func() {
		c.Disconnect()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect blocked on a client that never connected")
	}
}
