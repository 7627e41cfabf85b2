package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

// TicketFilter selects cached tickets for queries and counts
type TicketFilter struct {
	Table           string
	States          []int
	AssignmentGroup string
	Limit           int
	Offset          int
}

const upsertTicketQuery = `
	INSERT INTO servicenow.tickets (
		sys_id, table_name, ticket_type, number, short_description, description,
		state, priority, assignment_group, assigned_to, caller, active, parent,
		opened_at, updated_at, closed_at, raw,
		content_hash, sla_hash, sync_version, synced_at, sync_source
	) VALUES (
		:sys_id, :table_name, :ticket_type, :number, :short_description, :description,
		:state, :priority, :assignment_group, :assigned_to, :caller, :active, :parent,
		:opened_at, :updated_at, :closed_at, :raw,
		:content_hash, :sla_hash, :sync_version, :synced_at, :sync_source
	)
	ON CONFLICT (sys_id) DO UPDATE SET
		number = EXCLUDED.number,
		short_description = EXCLUDED.short_description,
		description = EXCLUDED.description,
		state = EXCLUDED.state,
		priority = EXCLUDED.priority,
		assignment_group = EXCLUDED.assignment_group,
		assigned_to = EXCLUDED.assigned_to,
		caller = EXCLUDED.caller,
		active = EXCLUDED.active,
		parent = EXCLUDED.parent,
		opened_at = EXCLUDED.opened_at,
		updated_at = EXCLUDED.updated_at,
		closed_at = EXCLUDED.closed_at,
		raw = EXCLUDED.raw,
		content_hash = EXCLUDED.content_hash,
		sla_hash = EXCLUDED.sla_hash,
		sync_version = EXCLUDED.sync_version,
		synced_at = EXCLUDED.synced_at,
		sync_source = EXCLUDED.sync_source`

// GetTicket retrieves one cached ticket by table and sys_id
func (db *DB) GetTicket(ctx context.Context, table, sysID string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := db.GetContext(ctx, &ticket, `
		SELECT * FROM servicenow.tickets
		WHERE table_name = $1 AND sys_id = $2`, table, sysID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s/%s: %w", table, sysID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ticket %s/%s: %w", table, sysID, err)
	}
	return &ticket, nil
}

// FindTickets retrieves cached tickets matching the filter, newest first
func (db *DB) FindTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error) {
	query := `SELECT * FROM servicenow.tickets WHERE table_name = ?`
	args := []interface{}{filter.Table}

	if len(filter.States) > 0 {
		query += ` AND state IN (?)`
		args = append(args, filter.States)
	}
	if filter.AssignmentGroup != "" {
		query += ` AND assignment_group = ?`
		args = append(args, filter.AssignmentGroup)
	}

	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build ticket query: %w", err)
	}

	tickets := []models.Ticket{}
	if err := db.SelectContext(ctx, &tickets, db.Rebind(expanded), expandedArgs...); err != nil {
		return nil, fmt.Errorf("failed to find tickets: %w", err)
	}
	return tickets, nil
}

// CountTickets counts cached tickets matching the filter
func (db *DB) CountTickets(ctx context.Context, filter TicketFilter) (int, error) {
	query := `SELECT COUNT(*) FROM servicenow.tickets WHERE table_name = ?`
	args := []interface{}{filter.Table}

	if len(filter.States) > 0 {
		query += ` AND state IN (?)`
		args = append(args, filter.States)
	}
	if filter.AssignmentGroup != "" {
		query += ` AND assignment_group = ?`
		args = append(args, filter.AssignmentGroup)
	}

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int
	if err := db.GetContext(ctx, &count, db.Rebind(expanded), expandedArgs...); err != nil {
		return 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	return count, nil
}

// SaveTicket persists a reconciled ticket, its replaced SLA measurements, and
// the audit entries produced by the change detector in a single transaction.
// A nil measurements slice leaves the stored measurements untouched. Audit
// failures roll back to a savepoint and are logged, never aborting the write.
// Concurrent writers replacing the same measurement set can deadlock, so the
// transaction retries on transient conflicts.
func (db *DB) SaveTicket(ctx context.Context, ticket *models.Ticket, measurements []models.SLAMeasurement, audits []models.AuditEntry) error {
	return db.RetryableOperation(ctx, 2, IsRetryableDBError, func() error {
		return db.saveTicketTx(ctx, ticket, measurements, audits)
	})
}

func (db *DB) saveTicketTx(ctx context.Context, ticket *models.Ticket, measurements []models.SLAMeasurement, audits []models.AuditEntry) error {
	return db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.NamedExecContext(ctx, upsertTicketQuery, ticket); err != nil {
			return fmt.Errorf("failed to upsert ticket %s: %w", ticket.SysID, err)
		}

		if measurements != nil {
			if err := replaceMeasurements(ctx, tx, ticket.SysID, measurements); err != nil {
				return err
			}
		}

		if len(audits) > 0 {
			if err := tx.WithSavepoint(ctx, "audit_append", func(tx *Tx) error {
				return appendAuditEntries(ctx, tx, audits)
			}); err != nil {
				log.Error().
					Err(err).
					Str("sys_id", ticket.SysID).
					Str("table", ticket.TableName).
					Msg("Failed to append audit entries, continuing sync")
			}
		}

		return nil
	})
}
