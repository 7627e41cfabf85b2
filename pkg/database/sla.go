package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

// GetMeasurements retrieves the stored task_sla measurements for a ticket
func (db *DB) GetMeasurements(ctx context.Context, ticketID string) ([]models.SLAMeasurement, error) {
	measurements := []models.SLAMeasurement{}
	err := db.SelectContext(ctx, &measurements, `
		SELECT * FROM servicenow.sla_measurements
		WHERE ticket_id = $1
		ORDER BY start_time, sys_id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get SLA measurements for %s: %w", ticketID, err)
	}
	return measurements, nil
}

// replaceMeasurements swaps the full measurement set for a ticket inside an
// existing transaction. The remote system owns these rows, so partial merges
// are never attempted.
func replaceMeasurements(ctx context.Context, tx *Tx, ticketID string, measurements []models.SLAMeasurement) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM servicenow.sla_measurements WHERE ticket_id = $1`, ticketID); err != nil {
		return fmt.Errorf("failed to clear SLA measurements for %s: %w", ticketID, err)
	}

	for i := range measurements {
		measurements[i].TicketID = ticketID
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO servicenow.sla_measurements (
				ticket_id, sys_id, sla_name, stage, business_percentage,
				has_breached, start_time, end_time
			) VALUES (
				:ticket_id, :sys_id, :sla_name, :stage, :business_percentage,
				:has_breached, :start_time, :end_time
			)`, measurements[i]); err != nil {
			return fmt.Errorf("failed to insert SLA measurement %s: %w", measurements[i].SysID, err)
		}
	}

	return nil
}

// GetSLARecord retrieves the computed compliance record for a ticket
func (db *DB) GetSLARecord(ctx context.Context, ticketID string) (*models.SLARecord, error) {
	var record models.SLARecord
	err := db.GetContext(ctx, &record, `
		SELECT * FROM servicenow.sla_records WHERE ticket_id = $1`, ticketID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sla record %s: %w", ticketID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get SLA record for %s: %w", ticketID, err)
	}
	return &record, nil
}

// UpsertSLARecord persists a computed compliance record
func (db *DB) UpsertSLARecord(ctx context.Context, record *models.SLARecord) error {
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO servicenow.sla_records (
			ticket_id, table_name, priority, target_hours, start_time,
			business_elapsed_hours, breach_percentage, has_breached, breached_at,
			stage, resolution_time_hours, updated_at
		) VALUES (
			:ticket_id, :table_name, :priority, :target_hours, :start_time,
			:business_elapsed_hours, :breach_percentage, :has_breached, :breached_at,
			:stage, :resolution_time_hours, :updated_at
		)
		ON CONFLICT (ticket_id) DO UPDATE SET
			priority = EXCLUDED.priority,
			target_hours = EXCLUDED.target_hours,
			start_time = EXCLUDED.start_time,
			business_elapsed_hours = EXCLUDED.business_elapsed_hours,
			breach_percentage = EXCLUDED.breach_percentage,
			has_breached = EXCLUDED.has_breached,
			breached_at = EXCLUDED.breached_at,
			stage = EXCLUDED.stage,
			resolution_time_hours = EXCLUDED.resolution_time_hours,
			updated_at = EXCLUDED.updated_at`, record)
	if err != nil {
		return fmt.Errorf("failed to upsert SLA record for %s: %w", record.TicketID, err)
	}
	return nil
}

// ListTicketsNeedingSLA retrieves tickets whose compliance record is missing
// or still accruing time. Just-closed tickets appear once more so their
// record can freeze, then drop out.
func (db *DB) ListTicketsNeedingSLA(ctx context.Context, table string) ([]models.Ticket, error) {
	tickets := []models.Ticket{}
	err := db.SelectContext(ctx, &tickets, `
		SELECT t.* FROM servicenow.tickets t
		LEFT JOIN servicenow.sla_records r ON r.ticket_id = t.sys_id
		WHERE t.table_name = $1 AND (r.ticket_id IS NULL OR r.stage = $2)
		ORDER BY t.opened_at`, table, models.SLAStageActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets needing SLA refresh: %w", err)
	}
	return tickets, nil
}

// slaMetricsRow is one priority bucket of the aggregate metrics query
type slaMetricsRow struct {
	Priority      int             `db:"priority"`
	Total         int             `db:"total"`
	Breached      int             `db:"breached"`
	Resolved      int             `db:"resolved"`
	AvgElapsed    float64         `db:"avg_elapsed"`
	TargetHours   float64         `db:"target_hours"`
	AvgResolution sql.NullFloat64 `db:"avg_resolution"`
}

// GetSLAMetrics aggregates compliance over tickets whose SLA clock started in
// the given range, optionally restricted to one table
func (db *DB) GetSLAMetrics(ctx context.Context, from, to time.Time, table string) (*models.SLAMetrics, error) {
	query := `
		SELECT
			priority,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE has_breached) AS breached,
			COUNT(resolution_time_hours) AS resolved,
			COALESCE(AVG(business_elapsed_hours), 0) AS avg_elapsed,
			COALESCE(MAX(target_hours), 0) AS target_hours,
			AVG(resolution_time_hours) AS avg_resolution
		FROM servicenow.sla_records
		WHERE start_time >= $1 AND start_time < $2`
	args := []interface{}{from, to}

	if table != "" {
		query += ` AND table_name = $3`
		args = append(args, table)
	}
	query += ` GROUP BY priority ORDER BY priority`

	rows := []slaMetricsRow{}
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to aggregate SLA metrics: %w", err)
	}

	metrics := &models.SLAMetrics{
		TableName:  table,
		From:       from,
		To:         to,
		ByPriority: make(map[int]models.PriorityMetrics, len(rows)),
	}

	var resolutionSum float64
	var resolutionCount int
	for _, row := range rows {
		metrics.TotalTickets += row.Total
		metrics.BreachedTickets += row.Breached

		compliance := 100.0
		if row.Total > 0 {
			compliance = float64(row.Total-row.Breached) / float64(row.Total) * 100
		}

		metrics.ByPriority[row.Priority] = models.PriorityMetrics{
			Total:       row.Total,
			Breached:    row.Breached,
			Compliance:  compliance,
			AvgElapsed:  row.AvgElapsed,
			TargetHours: row.TargetHours,
		}

		if row.AvgResolution.Valid {
			resolutionSum += row.AvgResolution.Float64 * float64(row.Resolved)
			resolutionCount += row.Resolved
		}
	}

	metrics.CompliantTickets = metrics.TotalTickets - metrics.BreachedTickets
	if metrics.TotalTickets > 0 {
		metrics.Compliance = float64(metrics.CompliantTickets) / float64(metrics.TotalTickets) * 100
	} else {
		metrics.Compliance = 100
	}
	if resolutionCount > 0 {
		metrics.AvgResolutionHours = resolutionSum / float64(resolutionCount)
	}

	return metrics, nil
}
