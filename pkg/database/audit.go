package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

// appendAuditEntries inserts the audit rows for one reconciliation inside an
// existing transaction. All rows of a sync share the same version.
func appendAuditEntries(ctx context.Context, tx *Tx, entries []models.AuditEntry) error {
	for i := range entries {
		if entries[i].ChangedAt.IsZero() {
			entries[i].ChangedAt = time.Now().UTC()
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO servicenow.ticket_audit (
				ticket_id, table_name, field_name, old_value, new_value,
				change_type, sync_version, changed_at
			) VALUES (
				:ticket_id, :table_name, :field_name, :old_value, :new_value,
				:change_type, :sync_version, :changed_at
			)`, entries[i]); err != nil {
			return fmt.Errorf("failed to insert audit entry for %s.%s: %w",
				entries[i].TicketID, entries[i].FieldName, err)
		}
	}
	return nil
}

// GetAuditTrail retrieves the change history of one ticket, newest first
func (db *DB) GetAuditTrail(ctx context.Context, table, ticketID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	entries := []models.AuditEntry{}
	err := db.SelectContext(ctx, &entries, `
		SELECT * FROM servicenow.ticket_audit
		WHERE table_name = $1 AND ticket_id = $2
		ORDER BY changed_at DESC, id DESC
		LIMIT $3`, table, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit trail for %s/%s: %w", table, ticketID, err)
	}
	return entries, nil
}

// CleanupAudit deletes audit entries older than the cutoff in batches so the
// table lock stays short. It returns the number of rows removed.
func (db *DB) CleanupAudit(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	var total int64
	for {
		result, err := db.ExecContext(ctx, `
			DELETE FROM servicenow.ticket_audit
			WHERE id IN (
				SELECT id FROM servicenow.ticket_audit
				WHERE changed_at < $1
				LIMIT $2
			)`, olderThan, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup audit entries: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get affected rows: %w", err)
		}

		total += affected
		if affected < int64(batchSize) {
			break
		}
	}

	if total > 0 {
		log.Info().
			Int64("removed", total).
			Time("older_than", olderThan).
			Msg("Cleaned up audit entries")
	}

	return total, nil
}
