package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open creates a GORM *DB backed by the SQLite file at path. The parent
// directory is created when missing. Foreign keys and WAL are switched on.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	return open(dsn, 0)
}

// OpenMemory creates a private in-memory database. name distinguishes
// databases inside one process; an empty name yields a fresh random one.
// The pool is pinned to one connection so every query sees the same memory
// database, which also means writes are serialized.
func OpenMemory(name string) (*gorm.DB, error) {
	if name == "" {
		name = uuid.NewString()
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name)
	return open(dsn, 1)
}

func open(dsn string, maxOpen int) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	return db, nil
}
