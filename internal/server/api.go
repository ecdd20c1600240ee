package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"livingportrait/internal/admin"
	"livingportrait/internal/core"
	"livingportrait/internal/library"
	"livingportrait/internal/playlist"
	"livingportrait/internal/scheduler"
	"livingportrait/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// VideoView is one row of the video list.
type VideoView struct {
	Filename   string `json:"filename"`
	InPlaylist bool   `json:"inPlaylist"`
	Active     bool   `json:"active"`
	Selected   bool   `json:"selected"`
}

// StatusView is the response of GET /api/status.
type StatusView struct {
	Playback      core.PlaybackStatus `json:"playback"`
	Revision      uint64              `json:"revision"`
	SelectedVideo string              `json:"selectedVideo"`
	Mode          core.Mode           `json:"mode"`
	Paused        bool                `json:"paused"`
	ScheduleOpen  bool                `json:"scheduleOpen"`
	NextStart     *time.Time          `json:"nextStart,omitempty"`
	// RotationRemainingSeconds is set while a rotating mode counts down.
	RotationRemainingSeconds *int64 `json:"rotationRemainingSeconds,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(rateLimit(s.rateLimit, time.Minute))
		}
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.command(core.CmdReplaceSettings))
		r.Get("/status", s.getStatus)
		r.Post("/pause", s.command(core.CmdSetPause))
		r.Post("/select", s.command(core.CmdSelectVideo))
		r.Post("/playlist", s.command(core.CmdConfigurePlaylist))
		r.Post("/playlist/shuffle", s.command(core.CmdShufflePlaylist))
		r.Put("/playlist/entries/{filename}", s.command(core.CmdSetEntryActive))
		r.Post("/trigger", s.command(core.CmdSetTrigger))
		r.Put("/schedule", s.command(core.CmdSetSchedule))
		r.Get("/videos", s.getVideos)
		r.Post("/videos/{filename}", s.command(core.CmdAddVideo))
		r.Delete("/videos/{filename}", s.command(core.CmdRemoveVideo))
	})

	if s.webDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.webDir)))
	}
	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		}),
	)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Settings.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Settings.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	now := s.deps.Now()
	doc := snap.Settings
	view := StatusView{
		Revision:      snap.Revision,
		SelectedVideo: doc.SelectedVideo,
		Mode:          doc.Playlist.Mode,
		Paused:        doc.PauseFlag,
		ScheduleOpen:  scheduler.IsPermittedNow(doc.Days, now),
	}
	if s.deps.Status != nil {
		view.Playback = s.deps.Status()
	}
	if !view.ScheduleOpen {
		if next, ok := scheduler.NextPermittedStart(doc.Days, now); ok {
			view.NextStart = &next
		}
	}
	if remaining, ok := playlist.TimeRemaining(doc, now); ok {
		secs := int64(remaining / time.Second)
		view.RotationRemainingSeconds = &secs
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getVideos(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Settings.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	files, err := s.deps.Videos.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, videoViews(snap.Settings, files))
}

// command decodes the request body as the payload of t and dispatches it to the agent.
// On success it responds with the settings document that resulted.
func (s *Server) command(t core.CommandType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		payload, err := core.DecodePayload(t, body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		payload = withFilename(payload, chi.URLParam(r, "filename"))

		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		err = core.Dispatch(ctx, s.deps.Commands, core.Command{Type: t, Payload: payload, Source: "http"})
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := s.deps.Settings.Get(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func withFilename(payload interface{}, name string) interface{} {
	if name == "" {
		return payload
	}
	switch p := payload.(type) {
	case core.EntryPayload:
		p.Filename = name
		return p
	case core.VideoPayload:
		p.Filename = name
		return p
	}
	return payload
}

func videoViews(doc core.Settings, files []string) []VideoView {
	entries := make(map[string]bool, len(doc.Playlist.Order))
	for _, e := range doc.Playlist.Order {
		entries[e.Filename] = e.Active
	}
	views := make([]VideoView, 0, len(files))
	for _, f := range files {
		active, listed := entries[f]
		views = append(views, VideoView{
			Filename:   f,
			InPlaylist: listed,
			Active:     active,
			Selected:   f == doc.SelectedVideo,
		})
	}
	return views
}

// StatusCode maps command errors onto HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, admin.ErrUnknownVideo):
		return http.StatusNotFound
	case errors.Is(err, admin.ErrLastActive), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, admin.ErrInvalidInterval),
		errors.Is(err, admin.ErrInvalidMode),
		errors.Is(err, admin.ErrInvalidDelay),
		errors.Is(err, admin.ErrInvalidSchedule),
		errors.Is(err, admin.ErrNoActiveVideos),
		errors.Is(err, admin.ErrBadPayload),
		errors.Is(err, library.ErrInvalidName),
		errors.Is(err, core.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
