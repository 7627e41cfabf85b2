package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// SchemaManager handles database schema operations
type SchemaManager struct {
	db *DB
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(db *DB) *SchemaManager {
	return &SchemaManager{db: db}
}

// Setup initializes the database schema
func (sm *SchemaManager) Setup(ctx context.Context) error {
	return sm.db.WithTransaction(ctx, func(tx *Tx) error {
		if err := sm.CreateSchema(ctx, tx); err != nil {
			return err
		}

		if err := sm.CreateTables(ctx, tx); err != nil {
			return err
		}

		if err := sm.CreateIndexes(ctx, tx); err != nil {
			return err
		}

		// Create foreign key constraints last
		if err := sm.CreateConstraints(ctx, tx); err != nil {
			return err
		}

		return nil
	})
}

// CreateSchema creates the database schema
func (sm *SchemaManager) CreateSchema(ctx context.Context, tx *Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS servicenow`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateTables creates all required tables
func (sm *SchemaManager) CreateTables(ctx context.Context, tx *Tx) error {
	// Tickets table: one row per mirrored task record, sync bookkeeping inline
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS servicenow.tickets (
			sys_id TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			ticket_type TEXT NOT NULL,
			number TEXT NOT NULL,
			short_description TEXT NOT NULL DEFAULT '',
			description TEXT,
			state INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 3,
			assignment_group TEXT,
			assigned_to TEXT,
			caller TEXT,
			active BOOLEAN NOT NULL DEFAULT true,
			parent TEXT,
			opened_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			closed_at TIMESTAMP WITH TIME ZONE,
			raw JSONB NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			sla_hash TEXT NOT NULL DEFAULT '',
			sync_version INTEGER NOT NULL DEFAULT 1,
			synced_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			sync_source TEXT NOT NULL DEFAULT 'remote'
		)`); err != nil {
		return fmt.Errorf("failed to create tickets table: %w", err)
	}

	// SLA measurements table: remote task_sla rows, replaced wholesale per sync
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS servicenow.sla_measurements (
			id BIGSERIAL PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			sys_id TEXT NOT NULL,
			sla_name TEXT NOT NULL,
			stage TEXT NOT NULL,
			business_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
			has_breached BOOLEAN NOT NULL DEFAULT false,
			start_time TIMESTAMP WITH TIME ZONE NOT NULL,
			end_time TIMESTAMP WITH TIME ZONE
		)`); err != nil {
		return fmt.Errorf("failed to create sla_measurements table: %w", err)
	}

	// SLA records table: locally computed compliance state per ticket
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS servicenow.sla_records (
			ticket_id TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			priority INTEGER NOT NULL,
			target_hours DOUBLE PRECISION NOT NULL,
			start_time TIMESTAMP WITH TIME ZONE NOT NULL,
			business_elapsed_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			breach_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
			has_breached BOOLEAN NOT NULL DEFAULT false,
			breached_at TIMESTAMP WITH TIME ZONE,
			stage TEXT NOT NULL DEFAULT 'active',
			resolution_time_hours DOUBLE PRECISION,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create sla_records table: %w", err)
	}

	// Ticket audit table: append-only field diffs from reconciliation
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS servicenow.ticket_audit (
			id BIGSERIAL PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			field_name TEXT NOT NULL,
			old_value TEXT,
			new_value TEXT,
			change_type TEXT NOT NULL,
			sync_version INTEGER NOT NULL,
			changed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create ticket_audit table: %w", err)
	}

	// Sync runs table: one row per delta-sync pass
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS servicenow.sync_runs (
			id TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMP WITH TIME ZONE,
			fetched INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			unchanged INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			error TEXT
		)`); err != nil {
		return fmt.Errorf("failed to create sync_runs table: %w", err)
	}

	return nil
}

// CreateIndexes creates all required indexes
func (sm *SchemaManager) CreateIndexes(ctx context.Context, tx *Tx) error {
	indexes := []string{
		// Tickets indexes
		`CREATE INDEX IF NOT EXISTS idx_tickets_table_state ON servicenow.tickets (table_name, state)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_table_group ON servicenow.tickets (table_name, assignment_group)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_number ON servicenow.tickets (number)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_updated_at ON servicenow.tickets (updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_active ON servicenow.tickets (active)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_priority ON servicenow.tickets (priority)`,

		// SLA measurements indexes
		`CREATE INDEX IF NOT EXISTS idx_sla_measurements_ticket_id ON servicenow.sla_measurements (ticket_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sla_measurements_stage ON servicenow.sla_measurements (stage)`,

		// SLA records indexes
		`CREATE INDEX IF NOT EXISTS idx_sla_records_table_name ON servicenow.sla_records (table_name)`,
		`CREATE INDEX IF NOT EXISTS idx_sla_records_start_time ON servicenow.sla_records (start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_sla_records_has_breached ON servicenow.sla_records (has_breached)`,

		// Audit indexes
		`CREATE INDEX IF NOT EXISTS idx_ticket_audit_ticket_id ON servicenow.ticket_audit (ticket_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ticket_audit_changed_at ON servicenow.ticket_audit (changed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ticket_audit_field_name ON servicenow.ticket_audit (field_name)`,

		// Sync runs indexes
		`CREATE INDEX IF NOT EXISTS idx_sync_runs_table_started ON servicenow.sync_runs (table_name, started_at)`,
	}

	for _, idx := range indexes {
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// CreateConstraints creates all required foreign key constraints
func (sm *SchemaManager) CreateConstraints(ctx context.Context, tx *Tx) error {
	constraints := []string{
		`ALTER TABLE servicenow.sla_measurements ADD CONSTRAINT fk_sla_measurements_ticket
			FOREIGN KEY (ticket_id) REFERENCES servicenow.tickets(sys_id) ON DELETE CASCADE`,
		`ALTER TABLE servicenow.sla_records ADD CONSTRAINT fk_sla_records_ticket
			FOREIGN KEY (ticket_id) REFERENCES servicenow.tickets(sys_id) ON DELETE CASCADE`,
	}

	for _, constraint := range constraints {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			DO $$
			BEGIN
				%s;
			EXCEPTION WHEN duplicate_object THEN
				NULL;
			END $$;
		`, constraint)); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}

	return nil
}

// OptimizeTables performs table optimization operations
func (sm *SchemaManager) OptimizeTables(ctx context.Context) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT schemaname || '.' || tablename
		FROM pg_tables
		WHERE schemaname = 'servicenow'
	`)
	if err != nil {
		return fmt.Errorf("failed to get table list: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tables: %w", err)
	}

	// VACUUM cannot run inside a transaction block
	for _, table := range tables {
		log.Info().
			Str("table", table).
			Msg("Optimizing table")

		if _, err := sm.db.ExecContext(ctx, fmt.Sprintf("VACUUM ANALYZE %s", table)); err != nil {
			log.Error().
				Err(err).
				Str("table", table).
				Msg("Failed to vacuum table")
			continue
		}
	}

	return nil
}

// ValidateSchema validates the database schema
func (sm *SchemaManager) ValidateSchema(ctx context.Context) error {
	log.Info().Msg("Validating database schema...")

	tables := []string{
		"tickets", "sla_measurements", "sla_records", "ticket_audit", "sync_runs",
	}

	for _, table := range tables {
		var exists bool
		if err := sm.db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM information_schema.tables
				WHERE table_schema = 'servicenow'
				AND table_name = $1
			)
		`, table).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check table existence: %w", err)
		}

		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	log.Info().Msg("Database schema validation completed successfully")
	return nil
}
