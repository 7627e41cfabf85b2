package sync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/julianostefano/BunNow-sub006/pkg/database"
	"github.com/julianostefano/BunNow-sub006/pkg/models"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

// mockRemote is a mock implementation of the RemoteSource interface
type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) GetRecord(ctx context.Context, table, sysID string) (map[string]interface{}, error) {
	args := m.Called(ctx, table, sysID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

func (m *mockRemote) QueryRecords(ctx context.Context, table string, query *servicenow.Query, limit, offset int) ([]map[string]interface{}, int, error) {
	args := m.Called(ctx, table, query, limit, offset)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]map[string]interface{}), args.Int(1), args.Error(2)
}

func (m *mockRemote) GetTaskSLAs(ctx context.Context, taskSysID string) ([]map[string]interface{}, error) {
	args := m.Called(ctx, taskSysID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]map[string]interface{}), args.Error(1)
}

// memoryStore is an in memory LocalStore for exercising the service without
// a database.
type memoryStore struct {
	tickets      map[string]models.Ticket
	measurements map[string][]models.SLAMeasurement
	audits       []models.AuditEntry
	runs         map[string]models.SyncRun
	lastSync     time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tickets:      map[string]models.Ticket{},
		measurements: map[string][]models.SLAMeasurement{},
		runs:         map[string]models.SyncRun{},
	}
}

func (s *memoryStore) GetTicket(ctx context.Context, table, sysID string) (*models.Ticket, error) {
	t, ok := s.tickets[sysID]
	if !ok || t.TableName != table {
		return nil, models.ErrNotFound
	}
	copied := t
	return &copied, nil
}

func (s *memoryStore) matches(t models.Ticket, filter database.TicketFilter) bool {
	if t.TableName != filter.Table {
		return false
	}
	if filter.AssignmentGroup != "" && t.AssignmentGroup.String != filter.AssignmentGroup {
		return false
	}
	if len(filter.States) == 0 {
		return true
	}
	for _, state := range filter.States {
		if t.State == state {
			return true
		}
	}
	return false
}

func (s *memoryStore) find(filter database.TicketFilter) []models.Ticket {
	var out []models.Ticket
	for _, t := range s.tickets {
		if s.matches(t, filter) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SysID < out[j].SysID })
	return out
}

func (s *memoryStore) FindTickets(ctx context.Context, filter database.TicketFilter) ([]models.Ticket, error) {
	out := s.find(filter)
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memoryStore) CountTickets(ctx context.Context, filter database.TicketFilter) (int, error) {
	return len(s.find(filter)), nil
}

func (s *memoryStore) SaveTicket(ctx context.Context, ticket *models.Ticket, measurements []models.SLAMeasurement, audits []models.AuditEntry) error {
	s.tickets[ticket.SysID] = *ticket
	if measurements != nil {
		s.measurements[ticket.SysID] = measurements
	}
	s.audits = append(s.audits, audits...)
	return nil
}

func (s *memoryStore) LastSyncTime(ctx context.Context, table string) (time.Time, error) {
	return s.lastSync, nil
}

func (s *memoryStore) StartSyncRun(ctx context.Context, run *models.SyncRun) error {
	s.runs[run.ID] = *run
	return nil
}

func (s *memoryStore) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	s.runs[run.ID] = *run
	return nil
}

func rawIncident(sysID, number string, state int) map[string]interface{} {
	return map[string]interface{}{
		"sys_id":            sysID,
		"number":            number,
		"short_description": "Printer on fire",
		"state":             strconv.Itoa(state),
		"priority":          "2",
		"active":            "true",
		"assignment_group":  map[string]interface{}{"display_value": "Service Desk", "value": "grp1"},
		"opened_at":         "2024-01-08 08:00:00",
		"sys_updated_on":    "2024-01-08 09:30:00",
	}
}

func noSLAs() []map[string]interface{} {
	return []map[string]interface{}{}
}

func TestGetTicketLocalFirst(t *testing.T) {
	store := newMemoryStore()
	store.tickets["abc123"] = models.Ticket{
		SysID:       "abc123",
		TableName:   servicenow.TableIncident,
		Number:      "INC0010001",
		SyncVersion: 3,
	}

	remote := &mockRemote{}
	svc := New(store, remote, 100)

	ticket, source, err := svc.GetTicket(context.Background(), "incident", "abc123")
	require.NoError(t, err)

	assert.Equal(t, "INC0010001", ticket.Number)
	assert.Equal(t, models.QuerySourceLocal, source)
	remote.AssertNotCalled(t, "GetRecord", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetTicketRemoteFallbackThenConverges(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("GetRecord", mock.Anything, "incident", "abc123").Return(rawIncident("abc123", "INC0010001", 2), nil)
	remote.On("GetTaskSLAs", mock.Anything, "abc123").Return(noSLAs(), nil)

	svc := New(store, remote, 100)

	ticket, source, err := svc.GetTicket(context.Background(), "incident", "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.QuerySourceRemote, source)
	assert.Equal(t, 1, ticket.SyncVersion)
	assert.Equal(t, models.SyncSourceRemote, ticket.SyncSource)

	// The miss was cached, so the next lookup stays local and the remote
	// call count does not move.
	ticket, source, err = svc.GetTicket(context.Background(), "incident", "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.QuerySourceLocal, source)
	assert.Equal(t, 1, ticket.SyncVersion)
	remote.AssertNumberOfCalls(t, "GetRecord", 1)
}

func TestGetTicketUpstreamUnavailable(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("GetRecord", mock.Anything, "incident", "abc123").
		Return(nil, &servicenow.APIError{StatusCode: 503, Message: "down", RetryAfter: 42 * time.Second})

	svc := New(store, remote, 100)

	_, _, err := svc.GetTicket(context.Background(), "incident", "abc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)

	var upstream *models.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 42*time.Second, upstream.RetryAfter)
}

func TestGetTicketNotFoundAnywhere(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("GetRecord", mock.Anything, "incident", "nope").Return(nil, models.ErrNotFound)

	svc := New(store, remote, 100)

	_, _, err := svc.GetTicket(context.Background(), "incident", "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NotErrorIs(t, err, models.ErrUpstreamUnavailable)
}

func TestGetTicketUnknownTable(t *testing.T) {
	svc := New(newMemoryStore(), &mockRemote{}, 100)

	_, _, err := svc.GetTicket(context.Background(), "cmdb_ci", "abc123")
	assert.ErrorIs(t, err, models.ErrUnknownTable)
}

func TestSyncTicketIdempotent(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("GetRecord", mock.Anything, "incident", "abc123").Return(rawIncident("abc123", "INC0010001", 2), nil)
	remote.On("GetTaskSLAs", mock.Anything, "abc123").Return(noSLAs(), nil)

	svc := New(store, remote, 100)

	ticket, written, err := svc.SyncTicket(context.Background(), "incident", "abc123")
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, 1, ticket.SyncVersion)
	require.NotEmpty(t, store.audits)
	for _, entry := range store.audits {
		assert.Equal(t, models.ChangeTypeCreate, entry.ChangeType)
	}
	created := len(store.audits)

	// A forced refresh of identical content writes nothing and keeps the
	// version where it was.
	ticket, written, err = svc.SyncTicket(context.Background(), "incident", "abc123")
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, 1, ticket.SyncVersion)
	assert.Len(t, store.audits, created)
}

func TestSyncTicketDetectsChange(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("GetRecord", mock.Anything, "incident", "abc123").Return(rawIncident("abc123", "INC0010001", 2), nil).Once()
	remote.On("GetRecord", mock.Anything, "incident", "abc123").Return(rawIncident("abc123", "INC0010001", 6), nil)
	remote.On("GetTaskSLAs", mock.Anything, "abc123").Return(noSLAs(), nil)

	svc := New(store, remote, 100)

	_, _, err := svc.SyncTicket(context.Background(), "incident", "abc123")
	require.NoError(t, err)

	ticket, written, err := svc.SyncTicket(context.Background(), "incident", "abc123")
	require.NoError(t, err)

	assert.True(t, written)
	assert.Equal(t, 2, ticket.SyncVersion)
	assert.Equal(t, models.SyncSourceReconciled, ticket.SyncSource)
	assert.Equal(t, 6, ticket.State)

	var stateChanges []models.AuditEntry
	for _, e := range store.audits {
		if e.FieldName == "state" && e.ChangeType == models.ChangeTypeUpdate {
			stateChanges = append(stateChanges, e)
		}
	}
	require.Len(t, stateChanges, 1)
	assert.Equal(t, "2", stateChanges[0].OldValue.String)
	assert.Equal(t, "6", stateChanges[0].NewValue.String)
}

func TestQueryTicketsLocalWins(t *testing.T) {
	store := newMemoryStore()
	for i := 1; i <= 3; i++ {
		id := "inc" + strconv.Itoa(i)
		store.tickets[id] = models.Ticket{
			SysID:     id,
			TableName: servicenow.TableIncident,
			State:     2,
			Active:    true,
		}
	}

	remote := &mockRemote{}
	svc := New(store, remote, 100)

	result, err := svc.QueryTickets(context.Background(), QueryOptions{Table: "incident", StateClass: servicenow.StateClassOpen, Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, models.QuerySourceLocal, result.Source)
	assert.Equal(t, 3, result.Total)
	assert.Len(t, result.Data, 2)
	assert.True(t, result.HasMore)
	remote.AssertNotCalled(t, "QueryRecords", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestQueryTicketsRemoteFallback(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("QueryRecords", mock.Anything, "incident", mock.Anything, 25, 0).
		Return([]map[string]interface{}{
			rawIncident("inc1", "INC0010001", 2),
			rawIncident("inc2", "INC0010002", 3),
		}, 2, nil)
	remote.On("GetTaskSLAs", mock.Anything, mock.Anything).Return(noSLAs(), nil)

	svc := New(store, remote, 100)

	result, err := svc.QueryTickets(context.Background(), QueryOptions{Table: "incident", StateClass: servicenow.StateClassOpen})
	require.NoError(t, err)

	assert.Equal(t, models.QuerySourceRemote, result.Source)
	assert.Equal(t, 2, result.Total)
	assert.False(t, result.HasMore)
	require.Len(t, result.Data, 2)

	// Every fetched ticket lands in the mirror as a first sighting.
	for _, ticket := range result.Data {
		stored, ok := store.tickets[ticket.SysID]
		require.True(t, ok)
		assert.Equal(t, 1, stored.SyncVersion)
		assert.Equal(t, models.SyncSourceRemote, stored.SyncSource)
	}
}

func TestQueryTicketsRemoteFailureDegradesToEmpty(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("QueryRecords", mock.Anything, "incident", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, 0, errors.New("connection refused"))

	svc := New(store, remote, 100)

	result, err := svc.QueryTickets(context.Background(), QueryOptions{Table: "incident"})
	require.NoError(t, err)

	assert.Empty(t, result.Data)
	assert.Equal(t, 0, result.Total)
	assert.False(t, result.HasMore)
	assert.Equal(t, models.QuerySourceLocal, result.Source)
}

func TestQueryTicketsBadStateClass(t *testing.T) {
	svc := New(newMemoryStore(), &mockRemote{}, 100)

	_, err := svc.QueryTickets(context.Background(), QueryOptions{Table: "incident", StateClass: "bogus"})
	assert.ErrorIs(t, err, servicenow.ErrUnknownStateClass)
}

func TestDeltaSync(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("QueryRecords", mock.Anything, "incident", mock.Anything, 100, 0).
		Return([]map[string]interface{}{
			rawIncident("inc1", "INC0010001", 2),
			rawIncident("inc2", "INC0010002", 3),
		}, 2, nil)
	remote.On("GetTaskSLAs", mock.Anything, mock.Anything).Return(noSLAs(), nil)

	svc := New(store, remote, 100)

	run, err := svc.DeltaSync(context.Background(), "incident")
	require.NoError(t, err)

	assert.Equal(t, 2, run.Fetched)
	assert.Equal(t, 2, run.Created)
	assert.Equal(t, 0, run.Updated)
	assert.True(t, run.FinishedAt.Valid)
	assert.False(t, run.Error.Valid)
	assert.Len(t, store.tickets, 2)

	stored, ok := store.runs[run.ID]
	require.True(t, ok)
	assert.Equal(t, 2, stored.Fetched)

	// A second pass over identical content rewrites nothing and skips the
	// per ticket SLA refetch.
	run, err = svc.DeltaSync(context.Background(), "incident")
	require.NoError(t, err)

	assert.Equal(t, 2, run.Unchanged)
	assert.Equal(t, 0, run.Created)
	assert.Equal(t, 0, run.Updated)
	remote.AssertNumberOfCalls(t, "GetTaskSLAs", 2)
}

func TestDeltaSyncRemoteFailure(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("QueryRecords", mock.Anything, "incident", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, 0, errors.New("gateway timeout"))

	svc := New(store, remote, 100)

	run, err := svc.DeltaSync(context.Background(), "incident")
	require.Error(t, err)
	require.NotNil(t, run)
	assert.True(t, run.FinishedAt.Valid)
	assert.True(t, run.Error.Valid)
}

func TestDeltaSyncToleratesBadRecords(t *testing.T) {
	store := newMemoryStore()
	remote := &mockRemote{}
	remote.On("QueryRecords", mock.Anything, "incident", mock.Anything, 100, 0).
		Return([]map[string]interface{}{
			rawIncident("inc1", "INC0010001", 2),
			{"number": "INC-no-sys-id"},
		}, 2, nil)
	remote.On("GetTaskSLAs", mock.Anything, mock.Anything).Return(noSLAs(), nil)

	svc := New(store, remote, 100)

	run, err := svc.DeltaSync(context.Background(), "incident")
	require.NoError(t, err)

	assert.Equal(t, 2, run.Fetched)
	assert.Equal(t, 1, run.Created)
	assert.Equal(t, 1, run.Failed)
}
