package db

import (
	"testing"

	"github.com/moonpointer/xschat/config"
	"github.com/moonpointer/xschat/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteMemory(t *testing.T) {
	gdb, err := Open(config.DatabaseConfig{Mode: ModeSQLiteMemory})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(gdb))

	require.NoError(t, gdb.Create(&model.User{Username: "amy", PasswordHash: "x", Role: model.RoleUser, Status: model.StatusActive}).Error)
	var n int64
	require.NoError(t, gdb.Model(&model.User{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestOpen_UnknownMode(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Mode: "embedded_xml"})
	assert.ErrorContains(t, err, "unknown mode")
}
