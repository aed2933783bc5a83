package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/lifecycle"
	"github.com/beaconhq/beacon/internal/lookup"
	"github.com/beaconhq/beacon/internal/materialize"
	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/recorder"
	"github.com/beaconhq/beacon/internal/store"
)

// memStore is an in-memory store.Store resolving event state
// latest-wins by insertion order.
type memStore struct {
	mu      sync.Mutex
	rows    []*model.Row
	actions map[string][]string
	persons map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		actions: map[string][]string{},
		persons: map[string]string{},
	}
}

func (m *memStore) InsertRow(_ context.Context, row *model.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

func (m *memStore) latest(teamID int64, id string) *model.Row {
	var last *model.Row
	for _, row := range m.rows {
		if row.TeamID == teamID && row.ID == id {
			last = row
		}
	}
	return last
}

func (m *memStore) GetEvent(_ context.Context, teamID int64, id string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.latest(teamID, id)
	if row == nil || row.Sign < 0 {
		return nil, store.ErrNotFound
	}
	return model.EventFromRow(row)
}

func (m *memStore) Occurrences(_ context.Context, teamID int64, events []string, from, to time.Time) ([]store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := map[string]struct{}{}
	for _, e := range events {
		names[e] = struct{}{}
	}
	var out []store.Occurrence
	for _, row := range m.rows {
		last := m.latest(teamID, row.ID)
		if last != row || row.Sign < 0 {
			continue
		}
		if _, ok := names[row.Event]; !ok || row.TeamID != teamID {
			continue
		}
		ts, err := model.ParseRowTime(row.Timestamp)
		if err != nil {
			return nil, err
		}
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		out = append(out, store.Occurrence{DistinctID: row.DistinctID, PersonUUID: row.PersonUUID, Timestamp: ts})
	}
	return out, nil
}

func (m *memStore) FirstActivity(context.Context, int64, []string) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}

func (m *memStore) UpsertFirstActivity(context.Context, int64, string, string, time.Time) error {
	return nil
}

func (m *memStore) RecomputeFirstActivity(context.Context, int64, string, string) error {
	return nil
}

func (m *memStore) EarliestEventTime(_ context.Context, teamID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest time.Time
	for _, row := range m.rows {
		if row.TeamID != teamID || m.latest(teamID, row.ID) != row || row.Sign < 0 {
			continue
		}
		ts, err := model.ParseRowTime(row.Timestamp)
		if err != nil {
			return time.Time{}, err
		}
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}
	if earliest.IsZero() {
		return time.Time{}, store.ErrNotFound
	}
	return earliest, nil
}

func (m *memStore) ActionEventNames(_ context.Context, _ int64, action string) ([]string, error) {
	names, ok := m.actions[action]
	if !ok {
		return nil, store.ErrNotFound
	}
	return names, nil
}

func (m *memStore) PersonUUID(_ context.Context, _ int64, distinctID string) (string, error) {
	uuid, ok := m.persons[distinctID]
	if !ok {
		return "", store.ErrNotFound
	}
	return uuid, nil
}

func (m *memStore) ListRows(context.Context) ([]*model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Row(nil), m.rows...), nil
}

func (m *memStore) Close() error { return nil }

// storePublisher feeds published rows synchronously through the
// materializer, standing in for the bus between recorder and consumer.
type storePublisher struct {
	mat *materialize.Materializer
	err error
}

func (p *storePublisher) Publish(ctx context.Context, _ string, payload any) error {
	if p.err != nil {
		return p.err
	}
	return p.mat.Apply(ctx, payload.(*model.Row))
}

func (p *storePublisher) Close() error { return nil }

// memCache is an in-memory lookup.Cache.
type memCache struct {
	mu   sync.Mutex
	rows map[string]*model.Row
}

func newMemCache() *memCache { return &memCache{rows: map[string]*model.Row{}} }

func cacheKey(teamID int64, id string) string { return fmt.Sprintf("%d:%s", teamID, id) }

func (c *memCache) Put(_ context.Context, row *model.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[cacheKey(row.TeamID, row.ID)] = row
	return nil
}

func (c *memCache) Get(_ context.Context, teamID int64, id string) (*model.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[cacheKey(teamID, id)]
	if !ok {
		return nil, lookup.ErrNotFound
	}
	return row, nil
}

func (c *memCache) Delete(_ context.Context, teamID int64, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, cacheKey(teamID, id))
	return nil
}

func (c *memCache) Close() error { return nil }

type testEnv struct {
	store   *memStore
	cache   *memCache
	pub     *storePublisher
	handler http.Handler
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	st := newMemStore()
	cache := newMemCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &storePublisher{mat: materialize.New(st, cache, logger)}
	srv := New(st, recorder.New(pub, cache, st), lifecycle.NewService(st), cache, logger)
	return &testEnv{store: st, cache: cache, pub: pub, handler: srv.NewHTTPHandler(authToken)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) capture(t *testing.T, id, event, distinctID, ts string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/events", map[string]any{
		"id": id, "event": event, "team_id": 1, "distinct_id": distinctID, "timestamp": ts,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("capture returned %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode capture response: %v", err)
	}
	return resp["id"]
}

func TestCapture(t *testing.T) {
	env := newTestEnv(t, "")

	id := env.capture(t, "ev-1", "signup", "d1", "2024-03-01T10:00:00Z")
	if id != "ev-1" {
		t.Errorf("capture id = %q, want ev-1", id)
	}
	if len(env.store.rows) != 1 {
		t.Fatalf("log rows = %d, want 1", len(env.store.rows))
	}
	if env.store.rows[0].Sign != model.SignAssert {
		t.Errorf("sign = %d, want assertion", env.store.rows[0].Sign)
	}
	if _, ok := env.cache.rows[cacheKey(1, "ev-1")]; !ok {
		t.Error("point-lookup sink not written on capture")
	}
}

func TestCapture_AssignsIDWhenAbsent(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v1/events", map[string]any{
		"event": "signup", "team_id": 1, "distinct_id": "d1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("capture returned %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] == "" {
		t.Error("no id assigned")
	}
}

func TestCapture_Validation(t *testing.T) {
	env := newTestEnv(t, "")

	for name, body := range map[string]map[string]any{
		"missing event":       {"team_id": 1, "distinct_id": "d1"},
		"missing distinct_id": {"event": "signup", "team_id": 1},
		"missing team_id":     {"event": "signup", "distinct_id": "d1"},
		"malformed timestamp": {"event": "signup", "team_id": 1, "distinct_id": "d1", "timestamp": "soon"},
	} {
		t.Run(name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/v1/events", body); rec.Code != http.StatusBadRequest {
				t.Errorf("capture returned %d, want 400", rec.Code)
			}
		})
	}
}

func TestCapture_SinkFailure(t *testing.T) {
	env := newTestEnv(t, "")
	env.pub.err = errors.New("bus down")

	rec := env.do(t, http.MethodPost, "/v1/events", map[string]any{
		"event": "signup", "team_id": 1, "distinct_id": "d1",
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("capture returned %d, want 502", rec.Code)
	}
}

func TestGetEvent_CacheMissFallsBackToLogAndRepopulates(t *testing.T) {
	env := newTestEnv(t, "")
	env.capture(t, "ev-1", "signup", "d1", "2024-03-01T10:00:00Z")

	// Simulate a stale cache: entry evicted, log still has the row.
	env.cache.Delete(context.Background(), 1, "ev-1")

	rec := env.do(t, http.MethodGet, "/v1/events/ev-1?team_id=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d: %s", rec.Code, rec.Body)
	}
	var ev model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.ID != "ev-1" || ev.Name != "signup" {
		t.Errorf("event = %+v, want ev-1/signup", ev)
	}
	if _, ok := env.cache.rows[cacheKey(1, "ev-1")]; !ok {
		t.Error("cache not repopulated after log fallback")
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.do(t, http.MethodGet, "/v1/events/ghost?team_id=1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get returned %d, want 404", rec.Code)
	}
}

func TestGetEvent_RequiresTeamID(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.do(t, http.MethodGet, "/v1/events/ev-1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("get returned %d, want 400", rec.Code)
	}
}

func TestRetractEvent(t *testing.T) {
	env := newTestEnv(t, "")
	env.capture(t, "ev-1", "signup", "d1", "2024-03-01T10:00:00Z")

	rec := env.do(t, http.MethodDelete, "/v1/events/ev-1?team_id=1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete returned %d: %s", rec.Code, rec.Body)
	}

	last := env.store.rows[len(env.store.rows)-1]
	if last.Sign != model.SignRetract {
		t.Errorf("last row sign = %d, want retraction", last.Sign)
	}
	if last.ID != "ev-1" || last.Event != "signup" {
		t.Error("retraction does not mirror the event's fields")
	}

	// The retraction wins the collapse and the materializer evicts the
	// point-lookup entry, so the id reads as gone everywhere.
	if _, err := env.store.GetEvent(context.Background(), 1, "ev-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEvent after retraction = %v, want ErrNotFound", err)
	}
	if rec := env.do(t, http.MethodGet, "/v1/events/ev-1?team_id=1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after retraction returned %d, want 404", rec.Code)
	}
}

func TestRetractEvent_NotFound(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.do(t, http.MethodDelete, "/v1/events/ghost?team_id=1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("delete returned %d, want 404", rec.Code)
	}
}

func TestAmendEvent(t *testing.T) {
	env := newTestEnv(t, "")
	env.capture(t, "ev-1", "signup", "d1", "2024-03-01T10:00:00Z")

	rec := env.do(t, http.MethodPatch, "/v1/events/ev-1", map[string]any{
		"team_id":    1,
		"properties": map[string]any{"plan": "enterprise"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch returned %d: %s", rec.Code, rec.Body)
	}

	last := env.store.rows[len(env.store.rows)-1]
	if last.Sign != model.SignAssert {
		t.Errorf("amendment sign = %d, want fresh assertion", last.Sign)
	}
	ev, err := env.store.GetEvent(context.Background(), 1, "ev-1")
	if err != nil {
		t.Fatalf("GetEvent after amend: %v", err)
	}
	if ev.Properties["plan"] != "enterprise" {
		t.Errorf("properties = %v, want amended plan", ev.Properties)
	}
	if ev.Name != "signup" {
		t.Errorf("name = %q, want untouched fields preserved", ev.Name)
	}
}

func TestAmendEvent_ReadServesAmendedState(t *testing.T) {
	env := newTestEnv(t, "")
	env.capture(t, "ev-1", "signup", "d1", "2024-03-01T10:00:00Z")

	rec := env.do(t, http.MethodPatch, "/v1/events/ev-1", map[string]any{
		"team_id":    1,
		"properties": map[string]any{"plan": "enterprise"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch returned %d: %s", rec.Code, rec.Body)
	}

	// The read path is cache-first; the amendment must replace the
	// cached row, not leave the pre-amendment state served forever.
	rec = env.do(t, http.MethodGet, "/v1/events/ev-1?team_id=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d: %s", rec.Code, rec.Body)
	}
	var ev model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Properties["plan"] != "enterprise" {
		t.Errorf("properties = %v, want the amended plan", ev.Properties)
	}
}

func TestLifecycleEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.capture(t, "ev-1", "signup", "d1", "2024-03-01T10:00:00Z")
	env.capture(t, "ev-2", "signup", "d1", "2024-03-02T10:00:00Z")

	rec := env.do(t, http.MethodGet,
		"/v1/insights/lifecycle?team_id=1&event=signup&interval=day&date_from=2024-03-01&date_to=2024-03-03", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lifecycle returned %d: %s", rec.Code, rec.Body)
	}

	var insights []lifecycle.Insight
	if err := json.Unmarshal(rec.Body.Bytes(), &insights); err != nil {
		t.Fatalf("decode insights: %v", err)
	}
	if len(insights) != 4 {
		t.Fatalf("insights = %d, want all four statuses", len(insights))
	}
	if insights[0].Status != lifecycle.StatusNew {
		t.Errorf("insights[0].Status = %s, want new", insights[0].Status)
	}
	if insights[0].Data[0] != 1 {
		t.Errorf("new counts = %v, want d1 new on March 1", insights[0].Data)
	}
	if insights[1].Data[1] != 1 {
		t.Errorf("returning counts = %v, want d1 returning on March 2", insights[1].Data)
	}
	if insights[0].Label != "signup - new" {
		t.Errorf("label = %q, want selector prefix", insights[0].Label)
	}
}

func TestLifecycleEndpoint_AmendedTimestampLeavesOldWindow(t *testing.T) {
	env := newTestEnv(t, "")
	env.capture(t, "ev-1", "signup", "d1", "2024-03-01T10:00:00Z")

	// Moving the only occurrence out of the window supersedes the
	// original row; the old position must not resurface in the query.
	rec := env.do(t, http.MethodPatch, "/v1/events/ev-1", map[string]any{
		"team_id":   1,
		"timestamp": "2024-03-10T10:00:00Z",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch returned %d: %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodGet,
		"/v1/insights/lifecycle?team_id=1&event=signup&interval=day&date_from=2024-03-01&date_to=2024-03-05", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lifecycle returned %d: %s", rec.Code, rec.Body)
	}
	var insights []lifecycle.Insight
	if err := json.Unmarshal(rec.Body.Bytes(), &insights); err != nil {
		t.Fatalf("decode insights: %v", err)
	}
	for _, ins := range insights {
		for i, n := range ins.Data {
			if n != 0 {
				t.Errorf("%s counts = %v, want all zero at bucket %d", ins.Status, ins.Data, i)
			}
		}
	}
}

func TestLifecycleEndpoint_Validation(t *testing.T) {
	env := newTestEnv(t, "")

	for name, path := range map[string]string{
		"missing selector": "/v1/insights/lifecycle?team_id=1",
		"missing team_id":  "/v1/insights/lifecycle?event=signup",
		"bad interval":     "/v1/insights/lifecycle?team_id=1&event=signup&interval=fortnight",
		"bad date":         "/v1/insights/lifecycle?team_id=1&event=signup&date_from=soon",
	} {
		t.Run(name, func(t *testing.T) {
			if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusBadRequest {
				t.Errorf("lifecycle returned %d, want 400", rec.Code)
			}
		})
	}
}

func TestLifecycleEndpoint_UnknownAction(t *testing.T) {
	env := newTestEnv(t, "")
	env.capture(t, "ev-1", "signup", "d1", "2024-03-01T10:00:00Z")

	rec := env.do(t, http.MethodGet, "/v1/insights/lifecycle?team_id=1&action=ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("lifecycle returned %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.do(t, http.MethodGet, "/v1/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health returned %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret")

	// No token.
	if rec := env.do(t, http.MethodGet, "/v1/events/ev-1?team_id=1", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated request returned %d, want 401", rec.Code)
	}

	// Wrong scheme.
	req := httptest.NewRequest(http.MethodGet, "/v1/events/ev-1?team_id=1", nil)
	req.Header.Set("Authorization", "Basic secret")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong scheme returned %d, want 401", rec.Code)
	}

	// Wrong token.
	req = httptest.NewRequest(http.MethodGet, "/v1/events/ev-1?team_id=1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token returned %d, want 401", rec.Code)
	}

	// Valid token.
	req = httptest.NewRequest(http.MethodGet, "/v1/events/ghost?team_id=1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("authenticated request returned %d, want 404 from the handler", rec.Code)
	}

	// Health is exempt.
	if rec := env.do(t, http.MethodGet, "/v1/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health returned %d, want 200 without auth", rec.Code)
	}
}
