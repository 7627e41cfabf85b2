package database

import (
	"context"
	"fmt"
	"time"

	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

// StartSyncRun records the beginning of a delta-sync pass
func (db *DB) StartSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO servicenow.sync_runs (id, table_name, started_at)
		VALUES (:id, :table_name, :started_at)`, run)
	if err != nil {
		return fmt.Errorf("failed to start sync run %s: %w", run.ID, err)
	}
	return nil
}

// FinishSyncRun records the counters and outcome of a delta-sync pass
func (db *DB) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := db.NamedExecContext(ctx, `
		UPDATE servicenow.sync_runs SET
			finished_at = :finished_at,
			fetched = :fetched,
			created = :created,
			updated = :updated,
			unchanged = :unchanged,
			failed = :failed,
			error = :error
		WHERE id = :id`, run)
	if err != nil {
		return fmt.Errorf("failed to finish sync run %s: %w", run.ID, err)
	}
	return nil
}

// RecentSyncRuns retrieves the latest delta-sync passes, newest first
func (db *DB) RecentSyncRuns(ctx context.Context, table string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT * FROM servicenow.sync_runs`
	args := []interface{}{}
	if table != "" {
		query += ` WHERE table_name = $1`
		args = append(args, table)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d`, limit)

	runs := []models.SyncRun{}
	if err := db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get recent sync runs: %w", err)
	}
	return runs, nil
}

// LastSyncTime returns the high-water mark for a table's delta sync: the most
// recent remote update seen in the cache, or the epoch for a cold cache.
func (db *DB) LastSyncTime(ctx context.Context, table string) (time.Time, error) {
	var lastSync time.Time
	err := db.GetContext(ctx, &lastSync, `
		SELECT COALESCE(MAX(updated_at), 'epoch'::timestamptz)
		FROM servicenow.tickets
		WHERE table_name = $1`, table)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync time for %s: %w", table, err)
	}
	return lastSync, nil
}
