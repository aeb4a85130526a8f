package audit

import (
	"context"
	"testing"
	"time"

	"github.com/moonpointer/xschat/model"
	"github.com/moonpointer/xschat/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { return zap.NewNop() }

func TestNew_StartsWorker(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	require.NotNil(t, svc)
	svc.Stop()
}

func TestLog_EnqueuedAndFlushed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	svc.Log(Entry{
		TraceID:  "trace-123",
		ActorID:  2,
		TargetID: 7,
		Action:   ActionUserBan,
		Request:  map[string]string{"status": "BANNED"},
		Response: map[string]bool{"ok": true},
		IP:       "127.0.0.1",
		Duration: 42 * time.Millisecond,
	})

	// Stop flushes remaining entries
	svc.Stop()

	var logs []model.AuditLog
	db.Find(&logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "trace-123", logs[0].TraceID)
	assert.Equal(t, ActionUserBan, logs[0].Action)
	require.NotNil(t, logs[0].ActorID)
	assert.Equal(t, int64(2), *logs[0].ActorID)
	require.NotNil(t, logs[0].TargetID)
	assert.Equal(t, int64(7), *logs[0].TargetID)
	assert.Equal(t, "127.0.0.1", logs[0].IP)
	assert.Equal(t, 42, logs[0].DurationMs)
	assert.JSONEq(t, `{"status":"BANNED"}`, string(logs[0].Request))
	assert.Equal(t, int64(1), svc.Stats().Written)
}

func TestLog_AnonymousActorIsNull(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	svc.Log(Entry{Action: ActionLogin, Error: "bad credentials"})
	svc.Stop()

	var logs []model.AuditLog
	db.Find(&logs)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].ActorID)
	assert.Nil(t, logs[0].TargetID)
	assert.Equal(t, "bad credentials", logs[0].Error)
}

func TestLog_BatchFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	for i := 0; i < 250; i++ {
		svc.Log(Entry{Action: ActionLogout})
	}
	svc.Stop()

	var count int64
	db.Model(&model.AuditLog{}).Count(&count)
	assert.Equal(t, int64(250), count)
}

func TestLog_TimerFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	defer svc.Stop()

	svc.Log(Entry{Action: ActionLogin})
	assert.Eventually(t, func() bool { return svc.Stats().Written == 1 },
		5*time.Second, 50*time.Millisecond)
}

func TestStop_Idempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	svc.Stop()
	svc.Stop()

	svc.Log(Entry{Action: ActionLogin})
	assert.Equal(t, int64(1), svc.Stats().Dropped)
}

func TestLog_FloodDoesNotBlock(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3000; i++ {
			svc.Log(Entry{Action: ActionLogin})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked")
	}
	svc.Stop()

	s := svc.Stats()
	assert.Equal(t, int64(3000), s.Written+s.Dropped+s.Failed)
}

func TestRecent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	svc.Log(Entry{Action: ActionLogin, ActorID: 1})
	svc.Log(Entry{Action: ActionUserKick, ActorID: 2, TargetID: 1})
	svc.Log(Entry{Action: ActionLogin, ActorID: 3})
	svc.Stop()

	all, err := svc.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), *all[0].ActorID)

	logins, err := svc.Recent(context.Background(), ActionLogin, 10)
	require.NoError(t, err)
	assert.Len(t, logins, 2)
}
