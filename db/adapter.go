package db

import (
	"fmt"

	"github.com/moonpointer/xschat/config"
	dbmysql "github.com/moonpointer/xschat/db/mysql"
	dbsqlite "github.com/moonpointer/xschat/db/sqlite"
	"gorm.io/gorm"
)

const (
	ModeSQLite       = "sqlite"
	ModeSQLiteMemory = "sqlite_memory"
	ModeMySQL        = "mysql"
)

// Open returns a *gorm.DB for the configured database mode. sqlite_memory
// keeps everything in process and is what tests and single-node demos use.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Mode {
	case ModeSQLite:
		return dbsqlite.Open(cfg.SQLitePath)
	case ModeSQLiteMemory:
		return dbsqlite.OpenMemory(cfg.SQLitePath)
	case ModeMySQL:
		return dbmysql.Open(cfg)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}
