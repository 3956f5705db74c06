// Package database opens the embedded persistence store (§4.1) and owns
// schema evolution. It mirrors the teacher's internal/database/database.go
// NewDatabase/migrate/Close/Health shape, swapped from a networked Postgres
// connection to an embedded sqlite file with an in-memory fallback.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hivemind/coordinator/internal/store/models"
)

// Database wraps the GORM handle used by every repository.
type Database struct {
	DB       *gorm.DB
	logger   *logrus.Logger
	InMemory bool
}

// Open opens the sqlite file at path (creating parent directories as
// needed). If the embedded engine is unavailable, it transparently
// downgrades to an in-process sqlite database and announces the fallback
// once via a warning log (§4.1 failure semantics, kind store.unavailable).
func Open(path string, log *logrus.Logger) (*Database, error) {
	gormLogger := gormlogger.New(newGormWriter(log), gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	inMemory := false
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger})
	if err != nil {
		log.WithError(err).Warn("embedded store unavailable, falling back to in-memory mode")
		inMemory = true
		db, err = gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{Logger: gormLogger})
		if err != nil {
			return nil, fmt.Errorf("failed to open in-memory fallback store: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(1) // sqlite is single-writer; serialize through one connection
	}

	d := &Database{DB: db, logger: log, InMemory: inMemory}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	log.WithField("in_memory", inMemory).Info("persistence store opened")
	return d, nil
}

// OpenDefault opens the store at <dataDir>/hive.db, creating dataDir first.
func OpenDefault(dataDir string, log *logrus.Logger) (*Database, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.WithError(err).Warn("could not create data dir, falling back to in-memory mode")
		return Open("file::memory:?cache=shared", log)
	}
	return Open(filepath.Join(dataDir, "hive.db"), log)
}

// migrate runs additive-only schema evolution (§4.1: "never drop or rename").
func (d *Database) migrate() error {
	err := d.DB.AutoMigrate(
		&models.Swarm{},
		&models.Agent{},
		&models.Task{},
		&models.Session{},
		&models.Checkpoint{},
		&models.SessionLog{},
		&models.MemoryEntry{},
		&models.Decision{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate failed: %w", err)
	}
	return nil
}

// Close is idempotent: repeated calls after the underlying connection is
// already closed return nil rather than erroring.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// Health pings the underlying connection.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying connection: %w", err)
	}
	return sqlDB.Ping()
}

// gormWriter adapts logrus to gorm's io.Writer-based logger constructor.
type gormWriter struct{ log *logrus.Logger }

func newGormWriter(log *logrus.Logger) gormlogger.Writer { return &gormWriter{log: log} }

func (w *gormWriter) Printf(format string, args ...interface{}) {
	w.log.WithField("component", "gorm").Debugf(format, args...)
}
