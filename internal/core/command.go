package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType defines the type of command being dispatched.
type CommandType string

const (
	CmdSetPause          CommandType = "setPause"
	CmdSelectVideo       CommandType = "selectVideo"
	CmdConfigurePlaylist CommandType = "configurePlaylist"
	CmdShufflePlaylist   CommandType = "shufflePlaylist"
	CmdSetEntryActive    CommandType = "setEntryActive"
	CmdSetTrigger        CommandType = "setTrigger"
	CmdSetSchedule       CommandType = "setSchedule"
	CmdAddVideo          CommandType = "addVideo"
	CmdRemoveVideo       CommandType = "removeVideo"
	CmdReplaceSettings   CommandType = "replaceSettings"
)

// PausePayload toggles the manual pause switch.
type PausePayload struct {
	Paused bool `json:"paused"`
}

// SelectPayload selects one video in single mode.
type SelectPayload struct {
	Video string `json:"video"`
}

// PlaylistPayload reconfigures rotation. Order is only used by fixed mode.
type PlaylistPayload struct {
	Mode                    Mode     `json:"mode"`
	IntervalMinutes         int      `json:"intervalMinutes"`
	Order                   []string `json:"order,omitempty"`
	TriggeredFlag           bool     `json:"triggeredFlag"`
	PostTriggerDelaySeconds int      `json:"postTriggerDelaySeconds"`
}

// EntryPayload marks a playlist entry active or inactive.
type EntryPayload struct {
	Filename string `json:"filename"`
	Active   bool   `json:"active"`
}

// TriggerPayload sets motion-trigger mode and its cooldown. Nil fields are left unchanged.
type TriggerPayload struct {
	TriggeredFlag           *bool `json:"triggeredFlag,omitempty"`
	PostTriggerDelaySeconds *int  `json:"postTriggerDelaySeconds,omitempty"`
}

// SchedulePayload replaces the weekly schedule.
type SchedulePayload struct {
	Days map[string]DaySchedule `json:"days"`
}

// VideoPayload names a file in the video folder.
type VideoPayload struct {
	Filename string `json:"filename"`
}

// ReplacePayload overwrites the whole document. A non-zero Revision makes the write
// conditional on the document still being at that revision.
type ReplacePayload struct {
	Settings Settings
	Revision uint64
}

// decodeReplace accepts a bare settings document or the {"settings", "revision"} form
// the settings endpoint returns.
func decodeReplace(raw []byte) (ReplacePayload, error) {
	var env struct {
		Settings json.RawMessage `json:"settings"`
		Revision uint64          `json:"revision"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ReplacePayload{}, err
	}
	if env.Settings == nil {
		doc, err := DecodeSettings(raw)
		return ReplacePayload{Settings: doc}, err
	}
	doc, err := DecodeSettings(env.Settings)
	return ReplacePayload{Settings: doc, Revision: env.Revision}, err
}

// Command is the envelope for configuration mutations requested by the admin surfaces.
type Command struct {
	Type    CommandType
	Payload interface{}
	Source  string
	Reply   chan error // optional, buffered by the sender
}

// Respond delivers err to the sender if it asked for a reply.
func (c Command) Respond(err error) {
	if c.Reply == nil {
		return
	}
	select {
	case c.Reply <- err:
	default:
	}
}

// CommandChannel is the single channel that the Agent listens to for commands.
type CommandChannel chan Command

// ErrUnknownCommand is returned for command types without a payload decoder.
var ErrUnknownCommand = errors.New("unknown command type")

// DecodePayload parses the JSON payload of a command of type t into its typed form.
func DecodePayload(t CommandType, raw []byte) (interface{}, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		payload interface{}
		err     error
	)
	switch t {
	case CmdSetPause:
		var p PausePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case CmdSelectVideo:
		var p SelectPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case CmdConfigurePlaylist, CmdShufflePlaylist:
		var p PlaylistPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case CmdSetEntryActive:
		var p EntryPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case CmdSetTrigger:
		var p TriggerPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case CmdSetSchedule:
		var p SchedulePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case CmdAddVideo, CmdRemoveVideo:
		var p VideoPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case CmdReplaceSettings:
		payload, err = decodeReplace(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return payload, nil
}

// Dispatch sends cmd on ch and waits for the reply. The command's Reply channel is
// replaced with a fresh one.
func Dispatch(ctx context.Context, ch CommandChannel, cmd Command) error {
	reply := make(chan error, 1)
	cmd.Reply = reply
	select {
	case ch <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
