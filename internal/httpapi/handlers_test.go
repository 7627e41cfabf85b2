package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncservice "github.com/julianostefano/BunNow-sub006/internal/sync"
	"github.com/julianostefano/BunNow-sub006/internal/warmup"
	"github.com/julianostefano/BunNow-sub006/pkg/config"
	"github.com/julianostefano/BunNow-sub006/pkg/database"
	"github.com/julianostefano/BunNow-sub006/pkg/models"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

type fakeRemote struct {
	records map[string]map[string]interface{}
	down    bool
}

func (f *fakeRemote) GetRecord(ctx context.Context, table, sysID string) (map[string]interface{}, error) {
	if f.down {
		return nil, &servicenow.APIError{StatusCode: 503, Message: "instance offline", RetryAfter: 17 * time.Second}
	}
	raw, ok := f.records[sysID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return raw, nil
}

func (f *fakeRemote) QueryRecords(ctx context.Context, table string, query *servicenow.Query, limit, offset int) ([]map[string]interface{}, int, error) {
	if f.down {
		return nil, 0, &servicenow.APIError{StatusCode: 503, Message: "instance offline"}
	}
	var out []map[string]interface{}
	for _, raw := range f.records {
		out = append(out, raw)
	}
	return out, len(out), nil
}

func (f *fakeRemote) GetTaskSLAs(ctx context.Context, taskSysID string) ([]map[string]interface{}, error) {
	return []map[string]interface{}{}, nil
}

type fakeStore struct {
	tickets map[string]models.Ticket
}

func (s *fakeStore) GetTicket(ctx context.Context, table, sysID string) (*models.Ticket, error) {
	t, ok := s.tickets[sysID]
	if !ok || t.TableName != table {
		return nil, models.ErrNotFound
	}
	copied := t
	return &copied, nil
}

func (s *fakeStore) FindTickets(ctx context.Context, filter database.TicketFilter) ([]models.Ticket, error) {
	var out []models.Ticket
	for _, t := range s.tickets {
		if t.TableName == filter.Table {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) CountTickets(ctx context.Context, filter database.TicketFilter) (int, error) {
	n := 0
	for _, t := range s.tickets {
		if t.TableName == filter.Table {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) SaveTicket(ctx context.Context, ticket *models.Ticket, measurements []models.SLAMeasurement, audits []models.AuditEntry) error {
	s.tickets[ticket.SysID] = *ticket
	return nil
}

func (s *fakeStore) LastSyncTime(ctx context.Context, table string) (time.Time, error) {
	return time.Time{}, nil
}

func (s *fakeStore) StartSyncRun(ctx context.Context, run *models.SyncRun) error { return nil }

func (s *fakeStore) FinishSyncRun(ctx context.Context, run *models.SyncRun) error { return nil }

func newTestHandler(store *fakeStore, remote *fakeRemote) *Handler {
	svc := syncservice.New(store, remote, 100)
	return &Handler{
		Sync:      svc,
		Queue:     warmup.NewQueue(svc, config.WarmupConfig{}),
		Validator: validator.New(),
	}
}

func testRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	api := r.Group("/api/v1")
	api.GET("/tickets/:table", h.ListTickets)
	api.GET("/tickets/:table/:sysId", h.GetTicket)
	api.POST("/tickets/:table/:sysId/sync", h.SyncTicket)
	api.GET("/warmup", h.WarmupStats)
	api.POST("/warmup", h.EnqueueWarmup)
	api.POST("/warmup/drain", h.DrainWarmup)
	api.POST("/notifications", h.Notify)
	return r
}

func seededStore() *fakeStore {
	return &fakeStore{tickets: map[string]models.Ticket{
		"abc123": {
			SysID:       "abc123",
			TableName:   servicenow.TableIncident,
			Number:      "INC0010001",
			State:       2,
			Priority:    1,
			Active:      true,
			SyncVersion: 1,
		},
	}}
}

func doRequest(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetTicketServedLocally(t *testing.T) {
	r := testRouter(newTestHandler(seededStore(), &fakeRemote{}))

	w := doRequest(r, http.MethodGet, "/api/v1/tickets/incident/abc123", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data   models.Ticket `json:"data"`
		Source string        `json:"source"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "INC0010001", body.Data.Number)
	assert.Equal(t, models.QuerySourceLocal, body.Source)
}

func TestGetTicketUnknownTable(t *testing.T) {
	r := testRouter(newTestHandler(seededStore(), &fakeRemote{}))

	w := doRequest(r, http.MethodGet, "/api/v1/tickets/cmdb_ci/abc123", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "UNKNOWN_TABLE")
}

func TestGetTicketNotFound(t *testing.T) {
	store := &fakeStore{tickets: map[string]models.Ticket{}}
	r := testRouter(newTestHandler(store, &fakeRemote{records: map[string]map[string]interface{}{}}))

	w := doRequest(r, http.MethodGet, "/api/v1/tickets/incident/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestGetTicketUpstreamUnavailable(t *testing.T) {
	store := &fakeStore{tickets: map[string]models.Ticket{}}
	r := testRouter(newTestHandler(store, &fakeRemote{down: true}))

	w := doRequest(r, http.MethodGet, "/api/v1/tickets/incident/abc123", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "17", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "UPSTREAM_UNAVAILABLE")
}

func TestListTicketsLocal(t *testing.T) {
	r := testRouter(newTestHandler(seededStore(), &fakeRemote{}))

	w := doRequest(r, http.MethodGet, "/api/v1/tickets/incident?state=all", "")
	require.Equal(t, http.StatusOK, w.Code)

	var result models.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, models.QuerySourceLocal, result.Source)
	assert.False(t, result.HasMore)
}

func TestListTicketsRemoteDownServesEmptyPage(t *testing.T) {
	store := &fakeStore{tickets: map[string]models.Ticket{}}
	r := testRouter(newTestHandler(store, &fakeRemote{down: true}))

	w := doRequest(r, http.MethodGet, "/api/v1/tickets/incident", "")
	require.Equal(t, http.StatusOK, w.Code)

	var result models.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Empty(t, result.Data)
	assert.Equal(t, models.QuerySourceLocal, result.Source)
}

func TestListTicketsBadStateClass(t *testing.T) {
	r := testRouter(newTestHandler(seededStore(), &fakeRemote{}))

	w := doRequest(r, http.MethodGet, "/api/v1/tickets/incident?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_QUERY")
}

func TestSyncTicketWritesThrough(t *testing.T) {
	store := &fakeStore{tickets: map[string]models.Ticket{}}
	remote := &fakeRemote{records: map[string]map[string]interface{}{
		"abc123": {
			"sys_id":    "abc123",
			"number":    "INC0010001",
			"state":     "2",
			"priority":  "1",
			"active":    "true",
			"opened_at": "2024-01-08 08:00:00",
		},
	}}
	r := testRouter(newTestHandler(store, remote))

	w := doRequest(r, http.MethodPost, "/api/v1/tickets/incident/abc123/sync", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data    models.Ticket `json:"data"`
		Written bool          `json:"written"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Written)
	assert.Equal(t, 1, body.Data.SyncVersion)
	assert.Contains(t, store.tickets, "abc123")
}

func TestEnqueueWarmup(t *testing.T) {
	h := newTestHandler(seededStore(), &fakeRemote{})
	r := testRouter(h)

	payload := `{"items":[
		{"table":"incident","sysId":"abc123","priority":1},
		{"table":"incident","sysId":"def456","tier":"medium"},
		{"table":"incident","sysId":"abc123","priority":1}
	]}`
	w := doRequest(r, http.MethodPost, "/api/v1/warmup", payload)
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		Queued     int `json:"queued"`
		Duplicates int `json:"duplicates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Queued)
	assert.Equal(t, 1, body.Duplicates)
	assert.Equal(t, 2, h.Queue.Len())
}

func TestEnqueueWarmupValidation(t *testing.T) {
	r := testRouter(newTestHandler(seededStore(), &fakeRemote{}))

	w := doRequest(r, http.MethodPost, "/api/v1/warmup", `{"items":[{"table":"incident"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodPost, "/api/v1/warmup", `{"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodPost, "/api/v1/warmup", `{"items":[{"table":"cmdb_ci","sysId":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDrainWarmupEndpoint(t *testing.T) {
	h := newTestHandler(seededStore(), &fakeRemote{})
	r := testRouter(h)

	doRequest(r, http.MethodPost, "/api/v1/warmup", `{"items":[{"table":"incident","sysId":"abc123","priority":1}]}`)

	w := doRequest(r, http.MethodPost, "/api/v1/warmup/drain", "")
	require.Equal(t, http.StatusOK, w.Code)

	var result warmup.DrainResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, int64(1), result.Hits)
	assert.Zero(t, h.Queue.Len())
}

func TestWarmupStatsEndpoint(t *testing.T) {
	h := newTestHandler(seededStore(), &fakeRemote{})
	r := testRouter(h)

	doRequest(r, http.MethodPost, "/api/v1/warmup", `{"items":[{"table":"incident","sysId":"zzz","priority":4}]}`)

	w := doRequest(r, http.MethodGet, "/api/v1/warmup", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats warmup.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Queued)
}

func TestNotifyValidation(t *testing.T) {
	r := testRouter(newTestHandler(seededStore(), &fakeRemote{}))

	w := doRequest(r, http.MethodPost, "/api/v1/notifications", `{"table":"incident","sysId":"abc123","action":"exploded"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodPost, "/api/v1/notifications", `{"table":"incident","action":"updated"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
