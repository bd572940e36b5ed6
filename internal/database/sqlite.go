package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/events"
	"github.com/MarcoPoloResearchLab/cradle/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table owned by the server.
func Models() []any {
	models := entities.Models()
	return append(models,
		&events.Event{},
		&access.Record{},
		&users.Identity{},
		&users.User{},
		&migrationRecord{},
	)
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection serialises writers, so per-mutation transactions never interleave.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
