package database

import (
	"fmt"

	"github.com/HavenNotesLab/haven/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenServer establishes the server-side SQLite connection and performs
// schema migrations for entities, permission edges and document records.
func OpenServer(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&store.Collection{},
		&store.Note{},
		&store.Setting{},
		&store.CollectionMember{},
		&store.NoteCollaborator{},
		&store.DocumentRecord{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("server database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenClient establishes the device-local SQLite connection used by the sync
// engine for its durable action queue and mirror store. Callers migrate their
// own models via AutoMigrate to keep this package free of a client import.
func OpenClient(path string, models []any, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, err
		}
	}
	if logger != nil {
		logger.Info("client database initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
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
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
