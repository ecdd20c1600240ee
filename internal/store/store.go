// Package store owns the settings document. A single actor goroutine serialises every
// read and write, persists each accepted change before acknowledging it, and publishes
// SettingsChangedEvent on the bus.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"livingportrait/internal/core"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/metrics"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned once the actor has stopped.
	ErrClosed = errors.New("store closed")
	// ErrConflict is returned by CompareAndSwap when the revision moved.
	ErrConflict = errors.New("settings changed since read")
)

// Snapshot is a copy of the document at a revision.
type Snapshot struct {
	Settings core.Settings `json:"settings"`
	Revision uint64        `json:"revision"`
}

type reqKind int

const (
	reqGet reqKind = iota
	reqUpdate
	reqReplace
	reqCAS
	reqReload
)

type response struct {
	snap Snapshot
	err  error
}

type request struct {
	kind     reqKind
	source   string
	fn       func(*core.Settings) error
	doc      core.Settings
	revision uint64
	reply    chan response
}

// Store is the single writer of the settings document.
type Store struct {
	path   string
	bus    *core.EventBus
	logger zerolog.Logger

	reqs chan request
	done chan struct{}

	// owned by the actor goroutine once Run starts
	doc         core.Settings
	rev         uint64
	lastWritten []byte // file content as last read or written
	canonical   []byte // encoding of doc as commit would write it
}

// Open loads the document at path. A missing file is created with defaults; an
// unreadable or corrupt one is replaced in memory by defaults and left on disk untouched
// until the next accepted write.
func Open(path string, bus *core.EventBus) (*Store, error) {
	s := &Store{
		path:   path,
		bus:    bus,
		logger: xlog.WithComponent("store"),
		reqs:   make(chan request),
		done:   make(chan struct{}),
		rev:    1,
	}

	data, err := readFile(path)
	switch {
	case errors.Is(err, errNotExist):
		s.doc = core.DefaultSettings()
		encoded, err := s.doc.Encode()
		if err != nil {
			return nil, err
		}
		if err := writeFile(path, encoded); err != nil {
			return nil, fmt.Errorf("create settings file: %w", err)
		}
		s.lastWritten = encoded
		s.logger.Info().Str(xlog.FieldEvent, "store.created").Str(xlog.FieldPath, path).Msg("settings file created with defaults")
	case err != nil:
		s.doc = core.DefaultSettings()
		s.logger.Warn().Err(err).Str(xlog.FieldEvent, "store.unreadable").Str(xlog.FieldPath, path).Msg("settings unreadable, using defaults")
	default:
		doc, err := core.DecodeSettings(data)
		if err != nil {
			s.logger.Warn().Err(err).Str(xlog.FieldEvent, "store.corrupt").Str(xlog.FieldPath, path).Msg("settings corrupt, using defaults")
		}
		s.doc = doc
		s.lastWritten = data
	}
	s.canonical = encode(s.doc)
	return s, nil
}

func encode(doc core.Settings) []byte {
	doc.Normalize()
	data, err := doc.Encode()
	if err != nil {
		return nil
	}
	return data
}

// Run serves requests until ctx is cancelled. It must be running for any other method to return.
func (s *Store) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info().Str(xlog.FieldEvent, "store.started").Uint64(xlog.FieldRevision, s.rev).Msg("settings store running")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Str(xlog.FieldEvent, "store.stopped").Msg("settings store stopped")
			return nil
		case req := <-s.reqs:
			snap, err := s.handle(req)
			req.reply <- response{snap: snap, err: err}
		}
	}
}

func (s *Store) handle(req request) (Snapshot, error) {
	switch req.kind {
	case reqGet:
		return s.snapshot(), nil
	case reqUpdate:
		work := s.doc.Clone()
		if err := req.fn(&work); err != nil {
			return s.snapshot(), err
		}
		return s.commit(req.source, work)
	case reqReplace:
		return s.commit(req.source, req.doc.Clone())
	case reqCAS:
		if req.revision != s.rev {
			metrics.SettingsConflictsTotal.Inc()
			s.logger.Warn().
				Str(xlog.FieldEvent, "store.conflict").
				Str(xlog.FieldSource, req.source).
				Uint64("expected", req.revision).
				Uint64(xlog.FieldRevision, s.rev).
				Msg("rejected stale write")
			return s.snapshot(), ErrConflict
		}
		return s.commit(req.source, req.doc.Clone())
	case reqReload:
		return s.reload()
	}
	return s.snapshot(), fmt.Errorf("unknown request kind %d", req.kind)
}

func (s *Store) snapshot() Snapshot {
	return Snapshot{Settings: s.doc.Clone(), Revision: s.rev}
}

// commit persists doc and makes it current. Identical content is acknowledged without a write.
func (s *Store) commit(source string, doc core.Settings) (Snapshot, error) {
	doc.Normalize()
	data, err := doc.Encode()
	if err != nil {
		return s.snapshot(), fmt.Errorf("encode settings: %w", err)
	}
	if bytes.Equal(data, s.canonical) {
		return s.snapshot(), nil
	}
	if err := writeFile(s.path, data); err != nil {
		s.logger.Error().Err(err).Str(xlog.FieldEvent, "store.write_failed").Str(xlog.FieldSource, source).Msg("failed to persist settings")
		return s.snapshot(), fmt.Errorf("persist settings: %w", err)
	}

	s.doc = doc
	s.rev++
	s.lastWritten = data
	s.canonical = data
	metrics.SettingsWritesTotal.WithLabelValues(source).Inc()
	s.logger.Debug().Str(xlog.FieldEvent, "store.committed").Str(xlog.FieldSource, source).Uint64(xlog.FieldRevision, s.rev).Msg("settings written")

	snap := s.snapshot()
	s.bus.Publish(core.Event{Type: core.SettingsChangedEvent, Payload: snap})
	return snap, nil
}

func (s *Store) reload() (Snapshot, error) {
	data, err := readFile(s.path)
	if err != nil {
		metrics.SettingsReloadsTotal.WithLabelValues("unreadable").Inc()
		s.logger.Warn().Err(err).Str(xlog.FieldEvent, "store.reload_failed").Msg("external edit unreadable, keeping current settings")
		return s.snapshot(), err
	}
	if bytes.Equal(data, s.lastWritten) {
		return s.snapshot(), nil
	}
	doc, err := core.DecodeSettings(data)
	if err != nil {
		metrics.SettingsReloadsTotal.WithLabelValues("corrupt").Inc()
		s.logger.Warn().Err(err).Str(xlog.FieldEvent, "store.reload_failed").Msg("external edit corrupt, keeping current settings")
		return s.snapshot(), err
	}

	s.doc = doc
	s.rev++
	s.lastWritten = data
	s.canonical = encode(doc)
	metrics.SettingsReloadsTotal.WithLabelValues("applied").Inc()
	s.logger.Info().Str(xlog.FieldEvent, "store.reload").Uint64(xlog.FieldRevision, s.rev).Msg("applied external settings edit")

	snap := s.snapshot()
	s.bus.Publish(core.Event{Type: core.SettingsChangedEvent, Payload: snap})
	return snap, nil
}

func (s *Store) do(ctx context.Context, req request) (Snapshot, error) {
	req.reply = make(chan response, 1)
	select {
	case s.reqs <- req:
	case <-s.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	resp := <-req.reply
	return resp.snap, resp.err
}

// Get returns the current document and revision.
func (s *Store) Get(ctx context.Context) (Snapshot, error) {
	return s.do(ctx, request{kind: reqGet})
}

// Update applies fn to a copy of the current document and commits the result atomically.
// If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, source string, fn func(*core.Settings) error) (Snapshot, error) {
	return s.do(ctx, request{kind: reqUpdate, source: source, fn: fn})
}

// Replace overwrites the whole document unconditionally. Changes committed by others
// since the caller read its copy are lost; prefer Update or CompareAndSwap.
func (s *Store) Replace(ctx context.Context, source string, doc core.Settings) (Snapshot, error) {
	return s.do(ctx, request{kind: reqReplace, source: source, doc: doc})
}

// CompareAndSwap overwrites the document only if it is still at revision.
func (s *Store) CompareAndSwap(ctx context.Context, source string, revision uint64, doc core.Settings) (Snapshot, error) {
	return s.do(ctx, request{kind: reqCAS, source: source, doc: doc, revision: revision})
}

// Reload re-reads the file and applies it if it was changed by someone else.
func (s *Store) Reload(ctx context.Context) (Snapshot, error) {
	return s.do(ctx, request{kind: reqReload})
}
