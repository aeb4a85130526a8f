// Package presence keeps the cluster-wide set of online user ids in the
// shared cache. Membership is reference counted per live connection across
// every node, so one node losing a connection cannot take a user offline
// while another node still serves them. It is advisory: the gateway is the
// only writer and readers degrade to "offline" when the cache cannot be
// reached.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/moonpointer/xschat/cache"
	"go.uber.org/zap"
)

// Key is the cache set holding online user ids.
const Key = "app:online_users"

// ConnKey is the cache hash counting live connections per user id.
const ConnKey = "app:online_conns"

// Tracker reads and writes the online set.
type Tracker struct {
	cache     cache.Cache
	opTimeout time.Duration
	logger    *zap.Logger
}

// NewTracker creates a Tracker over c.
func NewTracker(c cache.Cache, logger *zap.Logger) *Tracker {
	return &Tracker{cache: c, opTimeout: 2 * time.Second, logger: logger}
}

// Connect records one more live connection for userID and returns the
// cluster-wide connection count. A result of 1 means the user just came
// online.
func (t *Tracker) Connect(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	return t.cache.SAddRef(ctx, Key, ConnKey, strconv.FormatInt(userID, 10))
}

// Disconnect releases one live connection of userID and returns the
// remaining cluster-wide count. The user leaves the online set at 0.
func (t *Tracker) Disconnect(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	return t.cache.SRemRef(ctx, Key, ConnKey, strconv.FormatInt(userID, 10))
}

// MarkOnline re-adds userIDs to the online set without touching the
// connection counts. Idempotent; used to heal a flushed cache.
func (t *Tracker) MarkOnline(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	return t.cache.SAdd(ctx, Key, members(userIDs)...)
}

// IsOnline reports whether userID is in the online set.
func (t *Tracker) IsOnline(ctx context.Context, userID int64) bool {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	ok, err := t.cache.SIsMember(ctx, Key, strconv.FormatInt(userID, 10))
	if err != nil {
		t.logger.Warn("presence: lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

// OnlineIDs returns a snapshot of the online set. Malformed members are
// skipped.
func (t *Tracker) OnlineIDs(ctx context.Context) map[int64]struct{} {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	raw, err := t.cache.SMembers(ctx, Key)
	if err != nil {
		t.logger.Warn("presence: snapshot failed", zap.Error(err))
		return map[int64]struct{}{}
	}
	ids := make(map[int64]struct{}, len(raw))
	for _, m := range raw {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids
}

func members(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}
