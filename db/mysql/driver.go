package mysql

import (
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/moonpointer/xschat/config"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NormalizeDSN forces the connection options the chat tables depend on:
// time columns scanned into time.Time and a utf8mb4 collation so message
// content may carry any unicode.
func NormalizeDSN(dsn string) (string, error) {
	c, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql: parse dsn: %w", err)
	}
	c.ParseTime = true
	if c.Collation == "" {
		c.Collation = "utf8mb4_unicode_ci"
	}
	return c.FormatDSN(), nil
}

// Open creates a GORM *DB backed by MySQL with a connection pool. Driver
// errors are translated so a duplicate key surfaces as gorm.ErrDuplicatedKey.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn, err := NormalizeDSN(cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MySQLMaxOpen)
	sqlDB.SetMaxIdleConns(cfg.MySQLMaxIdle)
	sqlDB.SetConnMaxLifetime(cfg.MySQLMaxLife)

	return db, nil
}
