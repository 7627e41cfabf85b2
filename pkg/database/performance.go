package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// PerformanceManager handles database performance monitoring
type PerformanceManager struct {
	db *sql.DB
}

// NewPerformanceManager creates a new PerformanceManager instance
func NewPerformanceManager(db *sql.DB) *PerformanceManager {
	return &PerformanceManager{
		db: db,
	}
}

// TableStats represents statistics about a database table
type TableStats struct {
	TableName  string  `db:"table_name" json:"tableName"`
	LiveTuples int64   `db:"live_tuples" json:"liveTuples"`
	DeadTuples int64   `db:"dead_tuples" json:"deadTuples"`
	SeqScans   int64   `db:"seq_scans" json:"seqScans"`
	IdxScans   int64   `db:"idx_scans" json:"idxScans"`
	TotalBytes float64 `db:"total_bytes" json:"totalBytes"`
}

// GetConnectionStats returns current connection pool statistics
func (pm *PerformanceManager) GetConnectionStats(ctx context.Context) sql.DBStats {
	return pm.db.Stats()
}

// GetTableStats retrieves statistics about table usage and size
func (pm *PerformanceManager) GetTableStats(ctx context.Context) ([]TableStats, error) {
	rows, err := pm.db.QueryContext(ctx, `
		SELECT
			relname,
			n_live_tup,
			n_dead_tup,
			seq_scan,
			COALESCE(idx_scan, 0),
			pg_total_relation_size(relid)
		FROM
			pg_stat_user_tables
		WHERE
			schemaname = 'servicenow'
		ORDER BY
			n_live_tup DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get table stats: %w", err)
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(
			&s.TableName,
			&s.LiveTuples,
			&s.DeadTuples,
			&s.SeqScans,
			&s.IdxScans,
			&s.TotalBytes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan table stats row: %w", err)
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table stats: %w", err)
	}

	return stats, nil
}

// MonitorQueryPerformance logs queries exceeding the threshold. Requires the
// pg_stat_statements extension; absence is reported as an error the caller
// may ignore.
func (pm *PerformanceManager) MonitorQueryPerformance(ctx context.Context, slowQueryThreshold time.Duration) error {
	rows, err := pm.db.QueryContext(ctx, `
		SELECT
			query,
			calls,
			total_exec_time,
			mean_exec_time
		FROM pg_stat_statements
		WHERE mean_exec_time > $1
		ORDER BY mean_exec_time DESC
		LIMIT 10`, float64(slowQueryThreshold.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to get slow queries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			queryText string
			calls     int64
			totalMs   float64
			meanMs    float64
		)

		if err := rows.Scan(&queryText, &calls, &totalMs, &meanMs); err != nil {
			return fmt.Errorf("failed to scan slow query: %w", err)
		}

		log.Warn().
			Str("query", queryText).
			Int64("calls", calls).
			Float64("total_ms", totalMs).
			Float64("mean_ms", meanMs).
			Msg("Slow query detected")
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating slow queries: %w", err)
	}

	return nil
}
