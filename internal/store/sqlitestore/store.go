// Package sqlitestore is the optional durable implementation of
// store.Store, grounded on arkeep's server/internal/db package: the same
// modernc pure-Go sqlite driver handed to GORM over an existing
// database/sql connection, with embedded golang-migrate migrations applied
// on open. Unlike the teacher, there is no postgres path — one backend is
// enough for a task-history side table (see the dropped-dependency
// reasoning for why postgres isn't wired here).
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"

	"github.com/pzanna/mcp-broker/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// taskRecordModel is the GORM row for a persisted task_records entry.
type taskRecordModel struct {
	TaskID        string `gorm:"column:task_id;primaryKey"`
	AgentType     string `gorm:"column:agent_type"`
	Action        string `gorm:"column:action"`
	Status        string `gorm:"column:status"`
	AssignedAgent string `gorm:"column:assigned_agent"`
	RetryCount    int    `gorm:"column:retry_count"`
	Error         string `gorm:"column:error"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
}

func (taskRecordModel) TableName() string { return "task_records" }

// Store is a sqlite-backed store.Store.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) a sqlite database at dsn, applies
// migrations, and returns a ready Store. dsn is a modernc sqlite DSN, e.g.
// "file:broker.db?_pragma=journal_mode(WAL)" or ":memory:" for tests.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite supports only one writer at a time, matching the teacher's
	// connection pool sizing for its sqlite path.
	sqlDB.SetMaxOpenConns(1)

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: gorm open: %w", err)
	}

	if err := runMigrations(sqlDB, logger); err != nil {
		return nil, fmt.Errorf("sqlitestore: migrations: %w", err)
	}

	return &Store{db: gdb}, nil
}

func runMigrations(sqlDB *sql.DB, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("sqlitestore: migrations applied")
	return nil
}

// RecordTransition upserts the current state of a task.
func (s *Store) RecordTransition(ctx context.Context, rec store.TaskRecord) error {
	model := taskRecordModel{
		TaskID:        rec.TaskID,
		AgentType:     rec.AgentType,
		Action:        rec.Action,
		Status:        rec.Status,
		AssignedAgent: rec.AssignedAgent,
		RetryCount:    rec.RetryCount,
		Error:         rec.Error,
		CreatedAt:     rec.CreatedAt,
	}
	if !rec.CompletedAt.IsZero() {
		model.CompletedAt = &rec.CompletedAt
	}

	return s.db.WithContext(ctx).Save(&model).Error
}

// Get returns the last recorded state for a task id.
func (s *Store) Get(ctx context.Context, taskID string) (store.TaskRecord, bool, error) {
	var model taskRecordModel
	err := s.db.WithContext(ctx).First(&model, "task_id = ?", taskID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return store.TaskRecord{}, false, nil
		}
		return store.TaskRecord{}, false, err
	}

	rec := store.TaskRecord{
		TaskID:        model.TaskID,
		AgentType:     model.AgentType,
		Action:        model.Action,
		Status:        model.Status,
		AssignedAgent: model.AssignedAgent,
		RetryCount:    model.RetryCount,
		Error:         model.Error,
		CreatedAt:     model.CreatedAt,
	}
	if model.CompletedAt != nil {
		rec.CompletedAt = *model.CompletedAt
	}
	return rec, true, nil
}

// DeleteOlderThan evicts records completed before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&taskRecordModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Close releases the underlying sql.DB connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ store.Store = (*Store)(nil)
