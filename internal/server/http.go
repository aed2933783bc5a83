package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/internal/interval"
	"github.com/beaconhq/beacon/internal/lifecycle"
	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/recorder"
	"github.com/beaconhq/beacon/internal/store"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must
// include a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleCapture)
	mux.HandleFunc("GET /v1/events/{id}", s.handleGetEvent)
	mux.HandleFunc("PATCH /v1/events/{id}", s.handleAmendEvent)
	mux.HandleFunc("DELETE /v1/events/{id}", s.handleRetractEvent)
	mux.HandleFunc("GET /v1/insights/lifecycle", s.handleLifecycle)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// captureRequest is the POST /v1/events payload. ID is optional; when
// absent the server assigns a fresh uuid. Retried captures should
// resend the same id.
type captureRequest struct {
	ID            string         `json:"id,omitempty"`
	Event         string         `json:"event"`
	TeamID        int64          `json:"team_id"`
	DistinctID    string         `json:"distinct_id"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
	ElementsChain string         `json:"elements_chain,omitempty"`
	PersonUUID    string         `json:"person_uuid,omitempty"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if req.DistinctID == "" {
		writeError(w, http.StatusBadRequest, "distinct_id is required")
		return
	}
	if req.TeamID == 0 {
		writeError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	id, err := s.recorder.Record(r.Context(), recorder.Capture{
		ID:            req.ID,
		Event:         req.Event,
		TeamID:        req.TeamID,
		DistinctID:    req.DistinctID,
		Timestamp:     req.Timestamp,
		Properties:    req.Properties,
		ElementsChain: req.ElementsChain,
		PersonUUID:    req.PersonUUID,
	})
	if errors.Is(err, recorder.ErrMalformedTimestamp) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		// The caller owns retry; a partial write is not rolled back.
		s.logger.Error("capture failed", "id", req.ID, "err", err)
		writeError(w, http.StatusBadGateway, "sink write failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamIDParam(w, r)
	if !ok {
		return
	}
	ev, err := s.getEvent(r.Context(), teamID, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.logger.Error("get event failed", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRetractEvent(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamIDParam(w, r)
	if !ok {
		return
	}
	ev, err := s.getEvent(r.Context(), teamID, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.logger.Error("get event failed", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if err := s.recorder.Retract(r.Context(), ev); err != nil {
		s.logger.Error("retract failed", "id", ev.ID, "err", err)
		writeError(w, http.StatusBadGateway, "sink write failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// amendRequest carries the fields an amendment may change.
type amendRequest struct {
	Event         *string        `json:"event,omitempty"`
	Timestamp     *string        `json:"timestamp,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
	ElementsChain *string        `json:"elements_chain,omitempty"`
	PersonUUID    *string        `json:"person_uuid,omitempty"`
	TeamID        int64          `json:"team_id"`
}

func (s *Server) handleAmendEvent(w http.ResponseWriter, r *http.Request) {
	var req amendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TeamID == 0 {
		writeError(w, http.StatusBadRequest, "team_id is required")
		return
	}

	ev, err := s.getEvent(r.Context(), req.TeamID, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.logger.Error("get event failed", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if req.Event != nil {
		ev.Name = *req.Event
	}
	if req.Timestamp != nil {
		ts, err := recorder.ParseTimestamp(*req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ev.Timestamp = ts
	}
	if req.Properties != nil {
		ev.Properties = req.Properties
	}
	if req.ElementsChain != nil {
		ev.ElementsChain = *req.ElementsChain
	}
	if req.PersonUUID != nil {
		ev.PersonUUID = *req.PersonUUID
	}

	if err := s.recorder.Amend(r.Context(), ev); err != nil {
		s.logger.Error("amend failed", "id", ev.ID, "err", err)
		writeError(w, http.StatusBadGateway, "sink write failed")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamIDParam(w, r)
	if !ok {
		return
	}

	var sel model.Selector
	switch {
	case r.URL.Query().Get("event") != "":
		sel = model.EventSelector(r.URL.Query().Get("event"))
	case r.URL.Query().Get("action") != "":
		sel = model.ActionSelector(r.URL.Query().Get("action"))
	default:
		writeError(w, http.StatusBadRequest, "event or action is required")
		return
	}

	q := lifecycle.Query{
		TeamID:      teamID,
		Selector:    sel,
		Granularity: interval.Granularity(r.URL.Query().Get("interval")),
	}
	var err error
	if q.From, err = dateParam(r, "date_from"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.To, err = dateParam(r, "date_to"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	insights, err := s.insights.Lifecycle(r.Context(), q)
	if errors.Is(err, interval.ErrUnsupportedGranularity) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.logger.Error("lifecycle query failed", "team_id", teamID, "err", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

// teamIDParam parses the required team_id query parameter.
func teamIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("team_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "team_id is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "team_id must be an integer")
		return 0, false
	}
	return id, true
}

// dateParam parses an optional ISO-8601 date or datetime parameter.
func dateParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := recorder.ParseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
