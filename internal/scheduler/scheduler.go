package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/internal/sla"
	syncservice "github.com/julianostefano/BunNow-sub006/internal/sync"
	"github.com/julianostefano/BunNow-sub006/internal/warmup"
	"github.com/julianostefano/BunNow-sub006/pkg/config"
	"github.com/julianostefano/BunNow-sub006/pkg/database"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

// Scheduler handles the recurring sync, SLA and maintenance jobs
type Scheduler struct {
	syncService *syncservice.Service
	calculator  *sla.Calculator
	queue       *warmup.Queue
	db          *database.DB
	config      *config.Config
	cron        *cron.Cron
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a new scheduler
func New(syncService *syncservice.Service, calculator *sla.Calculator, queue *warmup.Queue, db *database.DB, cfg *config.Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		syncService: syncService,
		calculator:  calculator,
		queue:       queue,
		db:          db,
		config:      cfg,
		cron:        cron.New(cron.WithSeconds()),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	tableJobs := []struct {
		table   string
		minutes int
	}{
		{servicenow.TableIncident, s.config.Sync.Incidents},
		{servicenow.TableChangeTask, s.config.Sync.ChangeTasks},
		{servicenow.TableServiceTask, s.config.Sync.ServiceTasks},
	}

	for _, job := range tableJobs {
		if job.minutes <= 0 {
			continue
		}

		table := job.table
		schedule := fmt.Sprintf("0 */%d * * * *", job.minutes)
		_, err := s.cron.AddFunc(schedule, func() {
			if _, err := s.syncService.DeltaSync(s.ctx, table); err != nil {
				log.Error().Err(err).Str("table", table).Msg("Failed to sync table")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s sync: %w", table, err)
		}
		log.Info().
			Str("table", table).
			Str("schedule", schedule).
			Msg("Scheduled delta sync")
	}

	if s.config.SLA.RefreshMinutes > 0 {
		// Trails the delta syncs by half a minute so freshly mirrored
		// tickets are scored in the same cycle.
		schedule := fmt.Sprintf("30 */%d * * * *", s.config.SLA.RefreshMinutes)
		_, err := s.cron.AddFunc(schedule, s.refreshSLAs)
		if err != nil {
			return fmt.Errorf("failed to schedule SLA refresh: %w", err)
		}
		log.Info().
			Str("schedule", schedule).
			Msg("Scheduled SLA refresh")
	}

	drainSeconds := s.config.Warmup.DrainSeconds
	if drainSeconds < 1 || drainSeconds > 59 {
		drainSeconds = 30
	}
	schedule := fmt.Sprintf("*/%d * * * * *", drainSeconds)
	if _, err := s.cron.AddFunc(schedule, func() { s.queue.Drain(s.ctx) }); err != nil {
		return fmt.Errorf("failed to schedule warmup drain: %w", err)
	}
	log.Info().
		Str("schedule", schedule).
		Msg("Scheduled warmup drain")

	if s.config.Sync.AuditRetentionDays > 0 {
		if _, err := s.cron.AddFunc("0 30 3 * * *", s.cleanupAudit); err != nil {
			return fmt.Errorf("failed to schedule audit cleanup: %w", err)
		}
		log.Info().
			Int("retention_days", s.config.Sync.AuditRetentionDays).
			Msg("Scheduled audit cleanup")
	}

	if _, err := s.cron.AddFunc("0 0 4 * * 0", s.runMaintenance); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	s.cron.Start()
	log.Info().Msg("Scheduler started")

	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
	s.cron.Stop()
	log.Info().Msg("Scheduler stopped")
}

// WaitForever blocks until the scheduler is stopped
func (s *Scheduler) WaitForever() {
	<-s.ctx.Done()
}

func (s *Scheduler) refreshSLAs() {
	for _, table := range servicenow.TableNames() {
		if _, err := s.calculator.Refresh(s.ctx, table); err != nil {
			log.Error().Err(err).Str("table", table).Msg("Failed to refresh SLA records")
		}
	}
}

func (s *Scheduler) cleanupAudit() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.Sync.AuditRetentionDays)
	removed, err := s.db.CleanupAudit(s.ctx, cutoff, s.config.Sync.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clean up audit trail")
		return
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Audit trail cleaned up")
	}
}

func (s *Scheduler) runMaintenance() {
	if err := s.db.Schema().OptimizeTables(s.ctx); err != nil {
		log.Error().Err(err).Msg("Failed to optimize tables")
	}
	if err := s.db.Performance().MonitorQueryPerformance(s.ctx, time.Second); err != nil {
		log.Warn().Err(err).Msg("Query performance check failed")
	}
}

// RunInitialSync brings every mirrored table up to date and scores the
// result. Table syncs run in parallel; the first failure is returned after
// all of them finish.
func (s *Scheduler) RunInitialSync() error {
	log.Info().Msg("Running initial sync")

	var wg sync.WaitGroup
	errChan := make(chan error, len(servicenow.TableNames()))

	for _, table := range servicenow.TableNames() {
		wg.Add(1)
		go func(table string) {
			defer wg.Done()
			if _, err := s.syncService.DeltaSync(s.ctx, table); err != nil {
				log.Error().Err(err).Str("table", table).Msg("Failed to sync table")
				errChan <- fmt.Errorf("failed to sync %s: %w", table, err)
			}
		}(table)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}

	s.refreshSLAs()

	log.Info().Msg("Initial sync completed")
	return nil
}
