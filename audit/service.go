// Package audit records security relevant actions asynchronously.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moonpointer/xschat/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recorded actions.
const (
	ActionRegister      = "register"
	ActionLogin         = "login"
	ActionLogout        = "logout"
	ActionFriendProcess = "friend_process"
	ActionUnfriend      = "unfriend"
	ActionUserBan       = "user_ban"
	ActionUserUnban     = "user_unban"
	ActionUserKick      = "user_kick"
)

const (
	queueSize     = 1024
	batchSize     = 100
	flushInterval = 2 * time.Second
)

// Entry holds one audit event to be logged.
type Entry struct {
	TraceID  string
	ActorID  int64 // 0 when anonymous, e.g. a failed login
	TargetID int64
	Action   string
	Request  interface{}
	Response interface{}
	Error    string
	IP       string
	Duration time.Duration
}

// Stats counts what the writer has done since start.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// Service logs audit entries asynchronously in batches.
type Service struct {
	db     *gorm.DB
	ch     chan *model.AuditLog
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger

	written, dropped, failed atomic.Int64
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, queueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

func optional(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func marshal(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// Log enqueues an audit entry for async DB write. It never blocks; when the
// queue is full the entry is dropped and counted.
func (svc *Service) Log(entry Entry) {
	record := &model.AuditLog{
		TraceID:    entry.TraceID,
		ActorID:    optional(entry.ActorID),
		TargetID:   optional(entry.TargetID),
		Action:     entry.Action,
		Request:    marshal(entry.Request),
		Response:   marshal(entry.Response),
		Error:      entry.Error,
		IP:         entry.IP,
		DurationMs: int(entry.Duration.Milliseconds()),
	}
	select {
	case <-svc.stopCh:
		svc.dropped.Add(1)
		return
	default:
	}
	select {
	case svc.ch <- record:
	default:
		svc.dropped.Add(1)
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("action", entry.Action))
	}
}

// Stats returns the writer counters.
func (svc *Service) Stats() Stats {
	return Stats{
		Written: svc.written.Load(),
		Dropped: svc.dropped.Load(),
		Failed:  svc.failed.Load(),
	}
}

// Recent returns the newest audit rows, optionally filtered by action.
func (svc *Service) Recent(ctx context.Context, action string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := svc.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	var out []model.AuditLog
	return out, q.Find(&out).Error
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop() {
	svc.once.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.failed.Add(int64(len(batch)))
			svc.logger.Error("audit batch write failed", zap.Int("size", len(batch)), zap.Error(err))
		} else {
			svc.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
