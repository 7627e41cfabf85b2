package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/pkg/database"
	"github.com/julianostefano/BunNow-sub006/pkg/models"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

const defaultQueryLimit = 25

// RemoteSource is the slice of the ServiceNow client the sync service needs.
type RemoteSource interface {
	GetRecord(ctx context.Context, table, sysID string) (map[string]interface{}, error)
	QueryRecords(ctx context.Context, table string, query *servicenow.Query, limit, offset int) ([]map[string]interface{}, int, error)
	GetTaskSLAs(ctx context.Context, taskSysID string) ([]map[string]interface{}, error)
}

// LocalStore is the slice of the database layer the sync service needs.
type LocalStore interface {
	GetTicket(ctx context.Context, table, sysID string) (*models.Ticket, error)
	FindTickets(ctx context.Context, filter database.TicketFilter) ([]models.Ticket, error)
	CountTickets(ctx context.Context, filter database.TicketFilter) (int, error)
	SaveTicket(ctx context.Context, ticket *models.Ticket, measurements []models.SLAMeasurement, audits []models.AuditEntry) error
	LastSyncTime(ctx context.Context, table string) (time.Time, error)
	StartSyncRun(ctx context.Context, run *models.SyncRun) error
	FinishSyncRun(ctx context.Context, run *models.SyncRun) error
}

// Service resolves tickets local-first with remote fallback and keeps the
// local mirror reconciled against the ServiceNow instance.
type Service struct {
	store  LocalStore
	remote RemoteSource

	batchSize   int
	remoteCalls atomic.Int64
}

// New creates a new sync service
func New(store LocalStore, remote RemoteSource, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = servicenow.DefaultPageSize
	}
	return &Service{
		store:     store,
		remote:    remote,
		batchSize: batchSize,
	}
}

// RemoteCalls reports how many requests this service has sent upstream
func (s *Service) RemoteCalls() int64 {
	return s.remoteCalls.Load()
}

// QueryOptions narrows a ticket lookup. StateClass is one of the class names
// understood by the table registry; an empty class means all states.
type QueryOptions struct {
	Table           string
	StateClass      string
	AssignmentGroup string
	Limit           int
	Offset          int
}

// GetTicket serves a single ticket, preferring the local mirror. On a local
// miss it fetches from ServiceNow and caches the result. When the remote is
// down and the mirror has nothing, the error matches ErrUpstreamUnavailable
// and carries a retry hint.
func (s *Service) GetTicket(ctx context.Context, table, sysID string) (*models.Ticket, string, error) {
	tbl, err := servicenow.TableByName(table)
	if err != nil {
		return nil, "", err
	}

	local, err := s.store.GetTicket(ctx, tbl.Name, sysID)
	if err == nil {
		return local, models.QuerySourceLocal, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, "", fmt.Errorf("failed to read ticket from local store: %w", err)
	}

	ticket, _, err := s.fetchAndCache(ctx, tbl, sysID, nil)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, "", err
		}
		return nil, "", upstreamError(err)
	}
	return ticket, models.QuerySourceRemote, nil
}

// SyncTicket refetches one ticket from ServiceNow regardless of the mirror
// state. It returns the ticket and whether a write was needed.
func (s *Service) SyncTicket(ctx context.Context, table, sysID string) (*models.Ticket, bool, error) {
	tbl, err := servicenow.TableByName(table)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.store.GetTicket(ctx, tbl.Name, sysID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to read ticket from local store: %w", err)
	}

	return s.fetchAndCache(ctx, tbl, sysID, existing)
}

// QueryTickets serves a filtered page of tickets. The local mirror answers
// when it has any match; otherwise the query falls through to ServiceNow and
// the fetched page is cached on the way out. A remote failure over an empty
// mirror degrades to the empty local page so dashboards keep rendering.
func (s *Service) QueryTickets(ctx context.Context, opts QueryOptions) (*models.QueryResult, error) {
	tbl, err := servicenow.TableByName(opts.Table)
	if err != nil {
		return nil, err
	}

	states, err := tbl.StatesForClass(opts.StateClass)
	if err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = defaultQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	filter := database.TicketFilter{
		Table:           tbl.Name,
		States:          states,
		AssignmentGroup: opts.AssignmentGroup,
		Limit:           opts.Limit,
		Offset:          opts.Offset,
	}

	total, err := s.store.CountTickets(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}

	if total > 0 {
		tickets, err := s.store.FindTickets(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to query tickets: %w", err)
		}
		return &models.QueryResult{
			Data:    tickets,
			Total:   total,
			HasMore: opts.Offset+len(tickets) < total,
			Source:  models.QuerySourceLocal,
		}, nil
	}

	result, err := s.queryRemote(ctx, tbl, states, opts)
	if err != nil {
		log.Warn().
			Err(err).
			Str("table", tbl.Name).
			Msg("Remote query failed, serving empty local result")
		return &models.QueryResult{
			Data:   []models.Ticket{},
			Source: models.QuerySourceLocal,
		}, nil
	}
	return result, nil
}

func (s *Service) queryRemote(ctx context.Context, tbl servicenow.Table, states []int, opts QueryOptions) (*models.QueryResult, error) {
	query := servicenow.NewQuery()
	if len(states) > 0 {
		query = query.InInts("state", states...)
	}
	if opts.AssignmentGroup != "" {
		query = query.Eq("assignment_group.name", opts.AssignmentGroup)
	}
	query = query.OrderByDesc("sys_updated_on")

	s.remoteCalls.Add(1)
	records, total, err := s.remote.QueryRecords(ctx, tbl.Name, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets upstream: %w", err)
	}

	now := time.Now().UTC()
	tickets := make([]models.Ticket, 0, len(records))
	for _, raw := range records {
		ticket, err := s.cacheRecord(ctx, tbl, raw, now)
		if err != nil {
			log.Warn().Err(err).Str("table", tbl.Name).Msg("Failed to cache fetched ticket")
			continue
		}
		tickets = append(tickets, *ticket)
	}

	return &models.QueryResult{
		Data:    tickets,
		Total:   total,
		HasMore: opts.Offset+len(records) < total,
		Source:  models.QuerySourceRemote,
	}, nil
}

// cacheRecord normalizes and reconciles one fetched record into the mirror.
func (s *Service) cacheRecord(ctx context.Context, tbl servicenow.Table, raw map[string]interface{}, now time.Time) (*models.Ticket, error) {
	incoming, err := NormalizeTicket(tbl, raw)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetTicket(ctx, tbl.Name, incoming.SysID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to read ticket from local store: %w", err)
	}

	measurements := s.fetchMeasurements(ctx, incoming.SysID)

	shouldWrite, meta := Reconcile(existing, incoming, measurements, now)
	incoming.ApplyMeta(meta)
	if !shouldWrite {
		return incoming, nil
	}

	audits := DiffFields(existing, incoming, meta.Version, now)
	if err := s.store.SaveTicket(ctx, incoming, measurements, audits); err != nil {
		return nil, fmt.Errorf("failed to save ticket %s: %w", incoming.SysID, err)
	}
	return incoming, nil
}

func (s *Service) fetchAndCache(ctx context.Context, tbl servicenow.Table, sysID string, existing *models.Ticket) (*models.Ticket, bool, error) {
	s.remoteCalls.Add(1)
	raw, err := s.remote.GetRecord(ctx, tbl.Name, sysID)
	if err != nil {
		return nil, false, err
	}

	incoming, err := NormalizeTicket(tbl, raw)
	if err != nil {
		return nil, false, err
	}

	measurements := s.fetchMeasurements(ctx, sysID)

	now := time.Now().UTC()
	shouldWrite, meta := Reconcile(existing, incoming, measurements, now)
	incoming.ApplyMeta(meta)
	if !shouldWrite {
		return incoming, false, nil
	}

	audits := DiffFields(existing, incoming, meta.Version, now)
	if err := s.store.SaveTicket(ctx, incoming, measurements, audits); err != nil {
		return nil, false, fmt.Errorf("failed to save ticket %s: %w", sysID, err)
	}

	log.Debug().
		Str("table", tbl.Name).
		Str("sys_id", sysID).
		Int("version", meta.Version).
		Str("source", meta.Source).
		Msg("Cached ticket from remote")

	return incoming, true, nil
}

// fetchMeasurements pulls the task_sla attachments for one ticket. Failures
// are tolerated: a nil return keeps the previously stored measurements and
// SLA hash in place.
func (s *Service) fetchMeasurements(ctx context.Context, sysID string) []models.SLAMeasurement {
	s.remoteCalls.Add(1)
	records, err := s.remote.GetTaskSLAs(ctx, sysID)
	if err != nil {
		log.Warn().Err(err).Str("sys_id", sysID).Msg("Failed to fetch task SLAs, keeping stored measurements")
		return nil
	}

	measurements := make([]models.SLAMeasurement, 0, len(records))
	for _, raw := range records {
		m, err := NormalizeMeasurement(sysID, raw)
		if err != nil {
			log.Warn().Err(err).Str("sys_id", sysID).Msg("Skipping malformed task_sla record")
			continue
		}
		measurements = append(measurements, *m)
	}
	return measurements
}

// DeltaSync pulls every record updated since the mirror's high water mark
// and reconciles it. Records whose tracked content is unchanged are counted
// but not rewritten, and their SLA attachments are not refetched.
func (s *Service) DeltaSync(ctx context.Context, table string) (*models.SyncRun, error) {
	tbl, err := servicenow.TableByName(table)
	if err != nil {
		return nil, err
	}

	run := &models.SyncRun{
		ID:        uuid.NewString(),
		TableName: tbl.Name,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.StartSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}

	since, err := s.store.LastSyncTime(ctx, tbl.Name)
	if err != nil {
		return s.finishRun(ctx, run, fmt.Errorf("failed to get last sync time: %w", err))
	}

	query := servicenow.NewQuery().OrderBy("sys_updated_on")
	if !since.IsZero() {
		query = query.UpdatedSince(since)
		log.Info().Str("table", tbl.Name).Time("since", since).Msg("Starting delta sync")
	} else {
		log.Info().Str("table", tbl.Name).Msg("Starting full sync, no previous high water mark")
	}

	offset := 0
	for {
		s.remoteCalls.Add(1)
		records, _, err := s.remote.QueryRecords(ctx, tbl.Name, query, s.batchSize, offset)
		if err != nil {
			return s.finishRun(ctx, run, fmt.Errorf("failed to fetch page at offset %d: %w", offset, err))
		}

		for _, raw := range records {
			run.Fetched++
			if err := s.syncRecord(ctx, tbl, raw, run); err != nil {
				run.Failed++
				log.Warn().Err(err).Str("table", tbl.Name).Msg("Failed to sync ticket")
			}
		}

		if len(records) < s.batchSize {
			break
		}
		offset += s.batchSize

		if err := ctx.Err(); err != nil {
			return s.finishRun(ctx, run, err)
		}
	}

	log.Info().
		Str("table", tbl.Name).
		Int("fetched", run.Fetched).
		Int("created", run.Created).
		Int("updated", run.Updated).
		Int("unchanged", run.Unchanged).
		Int("failed", run.Failed).
		Msg("Ticket sync completed")

	return s.finishRun(ctx, run, nil)
}

func (s *Service) syncRecord(ctx context.Context, tbl servicenow.Table, raw map[string]interface{}, run *models.SyncRun) error {
	incoming, err := NormalizeTicket(tbl, raw)
	if err != nil {
		return err
	}

	existing, err := s.store.GetTicket(ctx, tbl.Name, incoming.SysID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to read ticket from local store: %w", err)
	}

	// SLA attachments are refetched only when the tracked content changed.
	var measurements []models.SLAMeasurement
	if existing == nil || existing.ContentHash != ContentHash(incoming) {
		measurements = s.fetchMeasurements(ctx, incoming.SysID)
	}

	shouldWrite, meta := Reconcile(existing, incoming, measurements, time.Now().UTC())
	if !shouldWrite {
		run.Unchanged++
		return nil
	}

	incoming.ApplyMeta(meta)
	audits := DiffFields(existing, incoming, meta.Version, meta.SyncedAt)
	if err := s.store.SaveTicket(ctx, incoming, measurements, audits); err != nil {
		return fmt.Errorf("failed to save ticket %s: %w", incoming.SysID, err)
	}

	if existing == nil {
		run.Created++
	} else {
		run.Updated++
	}
	return nil
}

func (s *Service) finishRun(ctx context.Context, run *models.SyncRun, cause error) (*models.SyncRun, error) {
	run.FinishedAt = null.TimeFrom(time.Now().UTC())
	if cause != nil {
		run.Error = null.StringFrom(cause.Error())
	}

	if err := s.store.FinishSyncRun(ctx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to finalize sync run")
	}

	return run, cause
}

func upstreamError(err error) error {
	retry := 30 * time.Second
	var apiErr *servicenow.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		retry = apiErr.RetryAfter
	}
	return &models.UpstreamError{Cause: err, RetryAfter: retry}
}
