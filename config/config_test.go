package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeYAML(t, "security:\n  jwt_secret: s3cret\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Mode)
	assert.Equal(t, 7*24*time.Hour, cfg.Security.TokenTTL)
	assert.Equal(t, 12, cfg.Security.BcryptCost)
	assert.Equal(t, 20, cfg.Chat.PageSize)
	assert.Equal(t, 100, cfg.Chat.MaxPageSize)
	assert.Equal(t, "notice", cfg.Chat.NoticeChannel)
	assert.False(t, cfg.Security.SingleSession)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeYAML(t, `
server:
  port: 9000
database:
  mode: mysql
  mysql_dsn: "u:p@tcp(db:3306)/chat"
security:
  jwt_secret: abc
  token_ttl: 1h
  allowed_origins: ["https://chat.example.com"]
chat:
  require_friendship: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Mode)
	assert.Equal(t, time.Hour, cfg.Security.TokenTTL)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Security.AllowedOrigins)
	assert.True(t, cfg.Chat.RequireFriendship)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeYAML(t, "security:\n  jwt_secret: from-file\n")
	t.Setenv("XSCHAT_SECURITY_JWT_SECRET", "from-env")
	t.Setenv("XSCHAT_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Security.JWTSecret)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_MissingSecret(t *testing.T) {
	path := writeYAML(t, "server:\n  port: 8081\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2000, cfg.Chat.MaxContentLen)
	assert.Equal(t, 60*time.Second, cfg.Chat.PresenceRefresh)
	assert.Empty(t, cfg.Security.JWTSecret)
}
