package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"livingportrait/internal/config"
	"livingportrait/internal/core"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CommandHandler handles inbound WebSocket frames and returns the reply for the sender.
type CommandHandler interface {
	Handle(ctx context.Context, msg Message) Message
}

// SettingsReader returns the current settings document.
type SettingsReader interface {
	Get(ctx context.Context) (store.Snapshot, error)
}

// VideoLister lists the video folder.
type VideoLister interface {
	List() ([]string, error)
}

// Deps are the read sides and the command channel the server works against.
type Deps struct {
	Settings SettingsReader
	Videos   VideoLister
	Status   func() core.PlaybackStatus
	Commands core.CommandChannel
	Now      func() time.Time
}

// Server manages the HTTP API and WebSocket services.
type Server struct {
	Hub        *Hub
	handler    CommandHandler
	deps       Deps
	httpServer *http.Server
	router     chi.Router

	rateLimit      int
	webDir         string
	allowedOrigins []string
	upgrader       websocket.Upgrader
	logger         zerolog.Logger
	timeout        time.Duration
}

// NewServer creates a new server instance.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		Hub:            NewHub(),
		deps:           deps,
		rateLimit:      cfg.RateLimit,
		webDir:         cfg.WebDir,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         xlog.WithComponent("server"),
		timeout:        10 * time.Second,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				s.logger.Warn().Msg("websocket CheckOrigin is disabled")
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser client
				return true
			}
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			s.logger.Warn().Str("origin", origin).Msg("websocket connection blocked: origin not in allowed list")
			return false
		},
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetHandler sets the WebSocket command handler.
func (s *Server) SetHandler(h CommandHandler) {
	s.handler = h
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run drives the hub and forwards playback and settings events to connected clients
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context, bus *core.EventBus) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Hub.Run(ctx)
	}()
	defer wg.Wait()

	events := bus.Subscribe(core.PlaybackChangedEvent, core.SettingsChangedEvent)
	defer bus.Unsubscribe(events, core.PlaybackChangedEvent, core.SettingsChangedEvent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch p := ev.Payload.(type) {
			case core.PlaybackStatus:
				s.Hub.Broadcast(NewMessage(MsgPlaybackStatus, p))
			case store.Snapshot:
				s.Hub.Broadcast(NewMessage(MsgSettings, p))
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade error")
		return
	}
	conn := &wsConn{conn: ws}
	defer conn.Close()

	if s.deps.Status != nil {
		_ = conn.WriteJSON(NewMessage(MsgPlaybackStatus, s.deps.Status()))
	}
	if snap, err := s.deps.Settings.Get(r.Context()); err == nil {
		_ = conn.WriteJSON(NewMessage(MsgSettings, snap))
		if files, err := s.deps.Videos.List(); err == nil {
			_ = conn.WriteJSON(NewMessage(MsgVideoList, videoViews(snap.Settings, files)))
		}
	}

	if !s.Hub.add(conn) {
		return
	}
	defer s.Hub.remove(conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if s.handler == nil {
			continue
		}
		reply := s.handler.Handle(r.Context(), Message{Raw: raw})
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

// wsConn serializes writes from the hub and the read loop.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
