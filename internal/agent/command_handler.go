package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livingportrait/internal/core"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/server"

	"github.com/rs/zerolog"
)

// CommandResult is the reply to a WebSocket command.
type CommandResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// CommandHandler turns WebSocket frames into commands for the agent loop.
type CommandHandler struct {
	commands core.CommandChannel
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewCommandHandler(commands core.CommandChannel) *CommandHandler {
	return &CommandHandler{
		commands: commands,
		timeout:  10 * time.Second,
		logger:   xlog.WithComponent("ws-commands"),
	}
}

func (h *CommandHandler) Handle(ctx context.Context, msg server.Message) server.Message {
	var cmd server.Command
	if err := json.Unmarshal(msg.Raw, &cmd); err != nil {
		h.logger.Debug().Err(err).Msg("error unmarshalling command")
		return result("", fmt.Errorf("malformed command: %w", err))
	}

	t := core.CommandType(cmd.Type)
	payload, err := core.DecodePayload(t, cmd.Payload)
	if err != nil {
		return result(cmd.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	err = core.Dispatch(ctx, h.commands, core.Command{Type: t, Payload: payload, Source: "websocket"})
	return result(cmd.Type, err)
}

func result(command string, err error) server.Message {
	res := CommandResult{Command: command, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	return server.NewMessage(server.MsgCommandResult, res)
}
