package database

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/pkg/config"
)

// DB represents a database connection
type DB struct {
	*sqlx.DB
	schema      *SchemaManager
	performance *PerformanceManager
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	// Check if PGHOST is set, which indicates we're using environment variables
	pgHost := os.Getenv("PGHOST")
	if pgHost != "" {
		log.Info().Msg("Using libpq environment variables for database connection")

		log.Debug().
			Str("PGHOST", os.Getenv("PGHOST")).
			Str("PGPORT", os.Getenv("PGPORT")).
			Str("PGDATABASE", os.Getenv("PGDATABASE")).
			Str("PGUSER", os.Getenv("PGUSER")).
			Str("PGSSLMODE", os.Getenv("PGSSLMODE")).
			Msg("PostgreSQL environment variables")

		db, err := sqlx.Open("postgres", "")
		if err != nil {
			return nil, fmt.Errorf("failed to open database connection: %w", err)
		}

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		db.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.Pool.ConnMaxIdleTime)

		dbWrapper := &DB{DB: db}
		dbWrapper.schema = NewSchemaManager(dbWrapper)
		dbWrapper.performance = NewPerformanceManager(db.DB)

		return dbWrapper, nil
	}

	// Fall back to config values
	log.Info().Msg("Using config values for database connection")
	connStr := cfg.ConnectionString()

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.Pool.ConnMaxIdleTime)

	log.Info().
		Int("max_open_conns", cfg.Pool.MaxOpenConns).
		Int("max_idle_conns", cfg.Pool.MaxIdleConns).
		Dur("conn_max_lifetime", cfg.Pool.ConnMaxLifetime).
		Dur("conn_max_idle_time", cfg.Pool.ConnMaxIdleTime).
		Msg("Configured database connection pool")

	dbWrapper := &DB{DB: db}
	dbWrapper.schema = NewSchemaManager(dbWrapper)
	dbWrapper.performance = NewPerformanceManager(db.DB)

	return dbWrapper, nil
}

// Schema returns the schema manager
func (db *DB) Schema() *SchemaManager {
	return db.schema
}

// Performance returns the performance manager
func (db *DB) Performance() *PerformanceManager {
	return db.performance
}

// Setup initializes the database schema
func (db *DB) Setup(ctx context.Context) error {
	return db.schema.Setup(ctx)
}

// ValidateSchema validates the database schema
func (db *DB) ValidateSchema(ctx context.Context) error {
	return db.schema.ValidateSchema(ctx)
}
