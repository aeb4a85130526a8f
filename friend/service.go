// Package friend implements the friendship graph. A request is one PENDING
// edge requester → target; an accepted friendship is two mirrored ACCEPTED
// edges written in one transaction and removed in one statement.
package friend

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/model"
	"github.com/moonpointer/xschat/plugin/hook"
	"github.com/moonpointer/xschat/presence"
	"github.com/moonpointer/xschat/user"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Relation of a search hit as seen by the searching user.
const (
	RelationStranger  = "stranger"
	RelationRequested = "requested"
	RelationFriend    = "friend"
)

// Action answers a pending request.
type Action string

const (
	ActionAccept Action = "ACCEPT"
	ActionReject Action = "REJECT"
)

// ParseAction accepts "ACCEPT"/"REJECT" in any case and the numeric forms
// "1"/"2" older clients send.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPT", "1":
		return ActionAccept, nil
	case "REJECT", "2":
		return ActionReject, nil
	}
	return "", apperr.BadRequest("action must be ACCEPT or REJECT")
}

// Profile is the public part of a user.
type Profile struct {
	UserID   int64   `json:"user_id"`
	Username string  `json:"username"`
	Nickname *string `json:"nickname"`
	Avatar   string  `json:"avatar"`
}

func profileOf(u *model.User) Profile {
	return Profile{UserID: u.ID, Username: u.Username, Nickname: u.Nickname, Avatar: u.Avatar}
}

// Friend is one entry of a friend list.
type Friend struct {
	Profile
	Online bool `json:"online"`
}

// PendingRequest is an incoming request awaiting an answer.
type PendingRequest struct {
	RequestID int64     `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
	Profile
}

// SearchResult is one user search hit.
type SearchResult struct {
	Profile
	Relation string `json:"relation"`
}

// Service is the friendship graph.
type Service struct {
	db       *gorm.DB
	users    *user.Store
	presence *presence.Tracker
	hooks    *hook.HookCenter
	logger   *zap.Logger
}

// NewService creates a Service. hooks may be nil.
func NewService(db *gorm.DB, users *user.Store, tracker *presence.Tracker, hooks *hook.HookCenter, logger *zap.Logger) *Service {
	if hooks == nil {
		hooks = hook.NewHookCenter(logger)
	}
	return &Service{db: db, users: users, presence: tracker, hooks: hooks, logger: logger}
}

// SendRequest creates a PENDING edge from → to.
func (s *Service) SendRequest(ctx context.Context, from, to int64) (*model.Friendship, error) {
	if from == to {
		return nil, apperr.InvalidOperation("cannot befriend yourself")
	}
	ok, err := s.users.Exists(ctx, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("user not found")
	}

	edge := &model.Friendship{RequesterID: from, TargetID: to, Status: model.FriendPending}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// First statement of the transaction so the check below reads after
		// any racing request for the same pair, in either direction, commits.
		if err := lockPair(tx, from, to); err != nil {
			return err
		}
		var live int64
		if err := betweenPair(tx.Model(&model.Friendship{}), from, to).
			Where("status IN ?", []string{model.FriendPending, model.FriendAccepted}).
			Count(&live).Error; err != nil {
			return err
		}
		if live > 0 {
			return apperr.Conflict("a request or friendship already exists")
		}
		// A REJECTED edge for this ordered pair gives way to the new request.
		if err := tx.Where("requester_id = ? AND target_id = ?", from, to).
			Delete(&model.Friendship{}).Error; err != nil {
			return err
		}
		return tx.Create(edge).Error
	})
	if err != nil {
		if user.IsUniqueViolation(err) {
			return nil, apperr.Conflict("a request or friendship already exists")
		}
		return nil, wrap(err)
	}
	s.logger.Info("friend request sent",
		zap.Int64("request_id", edge.ID), zap.Int64("from", from), zap.Int64("to", to))
	return edge, nil
}

// ProcessRequest answers request requestID on behalf of actor, who must be
// its target. Only a PENDING edge can be answered: when two answers race,
// the first to commit wins and the other gets NotFound.
func (s *Service) ProcessRequest(ctx context.Context, actor, requestID int64, action Action) error {
	if action != ActionAccept && action != ActionReject {
		return apperr.BadRequest("action must be ACCEPT or REJECT")
	}
	var edge model.Friendship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&edge, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("request not found")
			}
			return err
		}
		if edge.TargetID != actor {
			return apperr.Forbidden("not the target of this request")
		}
		if edge.Status != model.FriendPending {
			return apperr.NotFound("request already processed")
		}

		status := model.FriendRejected
		if action == ActionAccept {
			status = model.FriendAccepted
		}
		res := tx.Model(&model.Friendship{}).
			Where("id = ? AND status = ?", edge.ID, model.FriendPending).
			Update("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("request already processed")
		}
		edge.Status = status
		if action == ActionReject {
			return nil
		}

		// Mirror edge target → requester, replacing whatever stale edge
		// (typically REJECTED) held that ordered pair.
		if err := tx.Where("requester_id = ? AND target_id = ?", edge.TargetID, edge.RequesterID).
			Delete(&model.Friendship{}).Error; err != nil {
			return err
		}
		return tx.Create(&model.Friendship{
			RequesterID: edge.TargetID,
			TargetID:    edge.RequesterID,
			Status:      model.FriendAccepted,
		}).Error
	})
	if err != nil {
		return wrap(err)
	}

	s.logger.Info("friend request processed",
		zap.Int64("request_id", edge.ID), zap.Int64("actor", actor), zap.String("status", edge.Status))
	if action == ActionAccept {
		s.hooks.Fire(ctx, hook.OnFriendAccepted, hook.FriendEvent{
			RequestID: edge.ID, RequesterID: edge.RequesterID, TargetID: edge.TargetID,
		})
	}
	return nil
}

// Unfriend removes every edge between a and b, in both directions and of any
// status, in a single statement. No edge is not an error.
func (s *Service) Unfriend(ctx context.Context, a, b int64) error {
	res := betweenPair(s.db.WithContext(ctx), a, b).Delete(&model.Friendship{})
	if res.Error != nil {
		return apperr.Internal(res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("unfriended", zap.Int64("a", a), zap.Int64("b", b), zap.Int64("edges", res.RowsAffected))
	}
	return nil
}

// AreFriends reports whether a holds an ACCEPTED edge to b.
func (s *Service) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Friendship{}).
		Where("requester_id = ? AND target_id = ? AND status = ?", a, b, model.FriendAccepted).
		Count(&n).Error
	if err != nil {
		return false, apperr.Internal(err)
	}
	return n > 0, nil
}

// ListFriends returns userID's friends, online first, then by nickname
// ascending with unset nicknames last.
func (s *Service) ListFriends(ctx context.Context, userID int64) ([]Friend, error) {
	ids, err := s.friendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	users, err := s.users.ByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	online := s.presence.OnlineIDs(ctx)

	out := make([]Friend, 0, len(users))
	for _, id := range ids {
		u, ok := users[id]
		if !ok {
			continue
		}
		_, on := online[id]
		out = append(out, Friend{Profile: profileOf(u), Online: on})
	}
	SortFriends(out)
	return out, nil
}

// SortFriends orders friends online first, then nickname ascending with nil
// nicknames last, then by id for a stable result.
func SortFriends(fs []Friend) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Online != b.Online {
			return a.Online
		}
		switch {
		case a.Nickname == nil && b.Nickname != nil:
			return false
		case a.Nickname != nil && b.Nickname == nil:
			return true
		case a.Nickname != nil && b.Nickname != nil && *a.Nickname != *b.Nickname:
			return *a.Nickname < *b.Nickname
		}
		return a.UserID < b.UserID
	})
}

// ListPending returns the PENDING requests addressed to userID, newest first.
func (s *Service) ListPending(ctx context.Context, userID int64) ([]PendingRequest, error) {
	var edges []model.Friendship
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND status = ?", userID, model.FriendPending).
		Order("created_at DESC, id DESC").
		Find(&edges).Error
	if err != nil {
		return nil, apperr.Internal(err)
	}
	ids := make([]int64, len(edges))
	for i, e := range edges {
		ids[i] = e.RequesterID
	}
	users, err := s.users.ByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]PendingRequest, 0, len(edges))
	for _, e := range edges {
		u, ok := users[e.RequesterID]
		if !ok {
			continue
		}
		out = append(out, PendingRequest{RequestID: e.ID, CreatedAt: e.CreatedAt, Profile: profileOf(u)})
	}
	return out, nil
}

// SearchUsers finds users whose username or nickname contains keyword and
// tags each with its relation to userID.
func (s *Service) SearchUsers(ctx context.Context, userID int64, keyword string) ([]SearchResult, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, apperr.BadRequest("keyword is required")
	}
	hits, err := s.users.Search(ctx, keyword, userID)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []SearchResult{}, nil
	}

	ids := make([]int64, len(hits))
	for i := range hits {
		ids[i] = hits[i].ID
	}
	var edges []model.Friendship
	if err := s.db.WithContext(ctx).
		Where("requester_id = ? AND target_id IN ?", userID, ids).
		Find(&edges).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	status := make(map[int64]string, len(edges))
	for _, e := range edges {
		status[e.TargetID] = e.Status
	}

	out := make([]SearchResult, len(hits))
	for i := range hits {
		out[i] = SearchResult{Profile: profileOf(&hits[i]), Relation: relationOf(status[hits[i].ID])}
	}
	return out, nil
}

func relationOf(status string) string {
	switch status {
	case model.FriendPending:
		return RelationRequested
	case model.FriendAccepted:
		return RelationFriend
	}
	return RelationStranger
}

// DiscoverOnline lists online users who are neither userID nor already its
// friends, ordered by id.
func (s *Service) DiscoverOnline(ctx context.Context, userID int64) ([]Profile, error) {
	online := s.presence.OnlineIDs(ctx)
	delete(online, userID)
	if len(online) == 0 {
		return []Profile{}, nil
	}
	friends, err := s.friendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range friends {
		delete(online, id)
	}
	ids := make([]int64, 0, len(online))
	for id := range online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	users, err := s.users.ByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		if u, ok := users[id]; ok && !u.Banned() {
			out = append(out, profileOf(u))
		}
	}
	return out, nil
}

func (s *Service) friendIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.Friendship{}).
		Where("requester_id = ? AND status = ?", userID, model.FriendAccepted).
		Order("target_id").
		Pluck("target_id", &ids).Error
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return ids, nil
}

// lockPair takes row locks on both users in id order. Dialects without
// row locks (sqlite) drop the clause; their writes are serialized anyway.
func lockPair(tx *gorm.DB, a, b int64) error {
	if a > b {
		a, b = b, a
	}
	var ids []int64
	return tx.Model(&model.User{}).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id IN ?", []int64{a, b}).
		Order("id").
		Pluck("id", &ids).Error
}

func betweenPair(db *gorm.DB, a, b int64) *gorm.DB {
	return db.Where("(requester_id = ? AND target_id = ?) OR (requester_id = ? AND target_id = ?)", a, b, b, a)
}

func wrap(err error) error {
	if e := apperr.As(err); e != nil {
		return e
	}
	return apperr.Internal(err)
}
