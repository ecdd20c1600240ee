// Package player provides the video players the playback controller can drive.
package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	xlog "livingportrait/internal/log"

	"github.com/rs/zerolog"
)

// ErrNotRunning is returned when the mpv process is not available.
var ErrNotRunning = errors.New("mpv not running")

// MPVConfig configures the mpv backend.
type MPVConfig struct {
	BinPath   string        // empty attaches to an already running mpv on Socket
	Socket    string        // JSON IPC socket path
	ExtraArgs []string      // appended to the mpv command line
	Timeout   time.Duration // per IPC request
	// ConnectWait bounds how long Start waits for the socket to appear.
	ConnectWait time.Duration
	// LoadGrace is how long after Load an idle player still counts as opening the file.
	LoadGrace time.Duration
}

// MPV drives an mpv process over its JSON IPC socket.
type MPV struct {
	cfg    MPVConfig
	logger zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	conn   net.Conn
	reader *bufio.Reader
	nextID int

	loadedAt time.Time
}

// NewMPV creates the backend. Nothing is started until Start.
func NewMPV(cfg MPVConfig) *MPV {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = 5 * time.Second
	}
	if cfg.LoadGrace <= 0 {
		cfg.LoadGrace = 2 * time.Second
	}
	return &MPV{cfg: cfg, logger: xlog.WithComponent("mpv")}
}

// Start launches mpv (unless attaching) and waits for its IPC socket.
func (m *MPV) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(ctx)
}

func (m *MPV) args() []string {
	args := []string{
		"--idle=yes",
		"--keep-open=yes",
		"--fullscreen",
		"--no-osc",
		"--no-terminal",
		"--input-ipc-server=" + m.cfg.Socket,
	}
	return append(args, m.cfg.ExtraArgs...)
}

func (m *MPV) start(ctx context.Context) error {
	if m.cfg.BinPath != "" && !m.running() {
		_ = os.Remove(m.cfg.Socket)
		cmd := exec.Command(m.cfg.BinPath, m.args()...) // #nosec G204
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("mpv start failed: %w", err)
		}
		exited := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(exited)
		}()
		m.cmd, m.exited = cmd, exited
		m.logger.Info().Int("pid", cmd.Process.Pid).Str(xlog.FieldPath, m.cfg.Socket).Msg("started mpv")
	}

	deadline := time.Now().Add(m.cfg.ConnectWait)
	for {
		conn, err := net.DialTimeout("unix", m.cfg.Socket, m.cfg.Timeout)
		if err == nil {
			m.conn = conn
			m.reader = bufio.NewReader(conn)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("connect mpv ipc %s: %w", m.cfg.Socket, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *MPV) running() bool {
	if m.exited == nil {
		return false
	}
	select {
	case <-m.exited:
		return false
	default:
		return true
	}
}

// Close asks mpv to quit and terminates it if it does not.
func (m *MPV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		_, _ = m.request("quit")
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	select {
	case <-m.exited:
	case <-time.After(3 * time.Second):
		_ = m.cmd.Process.Signal(os.Interrupt)
		select {
		case <-m.exited:
		case <-time.After(2 * time.Second):
			_ = m.cmd.Process.Kill()
		}
	}
	m.cmd = nil
	return nil
}

type ipcRequest struct {
	Command   []interface{} `json:"command"`
	RequestID int           `json:"request_id"`
}

type ipcResponse struct {
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	RequestID *int            `json:"request_id"`
	Event     string          `json:"event"`
}

// call sends one command, reconnecting (and restarting mpv) if the connection was lost.
func (m *MPV) call(args ...interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || (m.cmd != nil && !m.running()) {
		m.drop()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectWait+m.cfg.Timeout)
		err := m.start(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
	}
	data, err := m.request(args...)
	var ipcErr *IPCError
	if err != nil && !errors.As(err, &ipcErr) {
		m.drop()
	}
	return data, err
}

func (m *MPV) drop() {
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn, m.reader = nil, nil
}

// IPCError is an error reported by mpv for a command.
type IPCError struct {
	Command string
	Reason  string
}

func (e *IPCError) Error() string {
	return fmt.Sprintf("mpv %s: %s", e.Command, e.Reason)
}

func (m *MPV) request(args ...interface{}) (json.RawMessage, error) {
	m.nextID++
	id := m.nextID

	line, err := json.Marshal(ipcRequest{Command: args, RequestID: id})
	if err != nil {
		return nil, err
	}
	_ = m.conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	defer func() { _ = m.conn.SetDeadline(time.Time{}) }()

	if _, err := m.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("mpv ipc write: %w", err)
	}

	// Event lines may arrive between a request and its reply.
	for {
		raw, err := m.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("mpv ipc read: %w", err)
		}
		var resp ipcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			m.logger.Debug().Err(err).Bytes("line", raw).Msg("skipping unreadable ipc line")
			continue
		}
		if resp.Event != "" || resp.RequestID == nil || *resp.RequestID != id {
			continue
		}
		if resp.Error != "success" {
			return nil, &IPCError{Command: fmt.Sprint(args[0]), Reason: resp.Error}
		}
		return resp.Data, nil
	}
}

func (m *MPV) boolProperty(name string) (bool, error) {
	data, err := m.call("get_property", name)
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return false, fmt.Errorf("mpv property %s: %w", name, err)
	}
	return v, nil
}

// Load replaces the current media with path.
func (m *MPV) Load(path string) error {
	if _, err := m.call("loadfile", path, "replace"); err != nil {
		return err
	}
	m.mu.Lock()
	m.loadedAt = time.Now()
	m.mu.Unlock()
	return nil
}

// Play resumes playback.
func (m *MPV) Play() error {
	_, err := m.call("set_property", "pause", false)
	return err
}

// PauseAtStart pauses and rewinds to the first frame. A seek rejected because the file is
// still opening is ignored; mpv starts a freshly loaded file at zero anyway.
func (m *MPV) PauseAtStart() error {
	if _, err := m.call("set_property", "pause", true); err != nil {
		return err
	}
	_, err := m.call("seek", 0, "absolute")
	var ipcErr *IPCError
	if errors.As(err, &ipcErr) {
		m.logger.Debug().Err(err).Msg("seek to start ignored")
		return nil
	}
	return err
}

// Stop unloads the current media.
func (m *MPV) Stop() error {
	_, err := m.call("stop")
	return err
}

// IsPlaying reports whether media is loaded, unpaused and not at its end.
func (m *MPV) IsPlaying() bool {
	idle, err := m.boolProperty("idle-active")
	if err != nil || idle {
		return false
	}
	paused, err := m.boolProperty("pause")
	if err != nil || paused {
		return false
	}
	return !m.HasEnded()
}

// opening reports whether mpv may still be idle because Load was issued moments ago.
func (m *MPV) opening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.loadedAt) < m.cfg.LoadGrace
}

// HasEnded reports whether playback reached the end of the media. An idle player has
// nothing loaded, either because the file finished or because it failed to open, and
// counts as ended.
func (m *MPV) HasEnded() bool {
	if idle, err := m.boolProperty("idle-active"); err == nil && idle && !m.opening() {
		return true
	}
	// unavailable while a file is still opening
	ended, err := m.boolProperty("eof-reached")
	return err == nil && ended
}
