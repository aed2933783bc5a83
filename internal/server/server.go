// Package server exposes the capture and insights API over HTTP. The
// handlers are thin: parse, delegate to the recorder or lifecycle
// service, serialize.
package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/beaconhq/beacon/internal/lifecycle"
	"github.com/beaconhq/beacon/internal/lookup"
	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/recorder"
	"github.com/beaconhq/beacon/internal/store"
)

// Server wires the write path and the query path behind HTTP handlers.
type Server struct {
	store    store.Store
	recorder *recorder.Recorder
	insights *lifecycle.Service
	cache    lookup.Cache
	logger   *slog.Logger
}

// New returns a Server backed by the given store, recorder, and
// lifecycle service. cache may be a lookup.Noop.
func New(s store.Store, rec *recorder.Recorder, insights *lifecycle.Service, cache lookup.Cache, logger *slog.Logger) *Server {
	return &Server{
		store:    s,
		recorder: rec,
		insights: insights,
		cache:    cache,
		logger:   logger,
	}
}

// getEvent retrieves the current state of an event id: point-lookup
// first, falling back to the log on a miss. The point-lookup sink is a
// cache and may be stale or missing; a log hit repopulates it
// (reconciliation keyed by event id).
func (s *Server) getEvent(ctx context.Context, teamID int64, id string) (*model.Event, error) {
	row, err := s.cache.Get(ctx, teamID, id)
	if err == nil {
		return model.EventFromRow(row)
	}
	if !errors.Is(err, lookup.ErrNotFound) {
		s.logger.Warn("point-lookup read failed, falling back to log", "id", id, "err", err)
	}

	ev, err := s.store.GetEvent(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	if row, rerr := model.RowFromEvent(ev, model.SignAssert); rerr == nil {
		if perr := s.cache.Put(ctx, row); perr != nil {
			s.logger.Warn("point-lookup repopulate failed", "id", id, "err", perr)
		}
	}
	return ev, nil
}
