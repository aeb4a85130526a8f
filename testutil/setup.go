package testutil

import (
	"testing"

	"github.com/moonpointer/xschat/cache"
	"github.com/moonpointer/xschat/config"
	dbadapter "github.com/moonpointer/xschat/db"
	"github.com/moonpointer/xschat/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeSQLiteMemory,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	t.Cleanup(func() {
		_ = c.Close()
		_ = ps.Close()
	})
	return c, ps
}

// SetupTestConfig returns the default configuration with a fixed JWT secret.
func SetupTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Security.JWTSecret = "test-secret"
	cfg.Security.BcryptCost = 4 // bcrypt.MinCost keeps tests fast
	return cfg
}
