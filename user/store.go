// Package user is the credential store: registered identities with their
// password hash, profile and account status.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/model"
	"gorm.io/gorm"
)

// SearchLimit caps the rows returned by Search.
const SearchLimit = 50

// Store reads and writes users.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts u. A taken username yields Conflict.
func (s *Store) Create(ctx context.Context, u *model.User) error {
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	if u.Status == "" {
		u.Status = model.StatusActive
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if IsUniqueViolation(err) {
			return apperr.Conflict("username already taken")
		}
		return apperr.Internal(err)
	}
	return nil
}

// ByID loads one user.
func (s *Store) ByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// ByUsername loads one user by exact username.
func (s *Store) ByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// ByIDs loads users keyed by id. Unknown ids are absent from the map.
func (s *Store) ByIDs(ctx context.Context, ids []int64) (map[int64]*model.User, error) {
	out := make(map[int64]*model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	for i := range users {
		out[users[i].ID] = &users[i]
	}
	return out, nil
}

// Exists reports whether a user with id exists.
func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, apperr.Internal(err)
	}
	return n > 0, nil
}

// Search matches keyword case-insensitively as a substring of username or
// nickname, excluding the user with id exclude. Results are ordered by id.
func (s *Store) Search(ctx context.Context, keyword string, exclude int64) ([]model.User, error) {
	pattern := "%" + escapeLike(strings.ToLower(keyword)) + "%"
	var users []model.User
	err := s.db.WithContext(ctx).
		Where("id <> ?", exclude).
		Where("(LOWER(username) LIKE ? ESCAPE '!' OR LOWER(nickname) LIKE ? ESCAPE '!')", pattern, pattern).
		Order("id").
		Limit(SearchLimit).
		Find(&users).Error
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return users, nil
}

// ProfileUpdate lists the profile fields to change; nil fields are kept.
type ProfileUpdate struct {
	Nickname     *string
	Avatar       *string
	PasswordHash *string
}

// UpdateProfile applies upd to user id and returns the stored user.
func (s *Store) UpdateProfile(ctx context.Context, id int64, upd ProfileUpdate) (*model.User, error) {
	fields := map[string]interface{}{}
	if upd.Nickname != nil {
		fields["nickname"] = *upd.Nickname
	}
	if upd.Avatar != nil {
		fields["avatar"] = *upd.Avatar
	}
	if upd.PasswordHash != nil {
		fields["password_hash"] = *upd.PasswordHash
	}
	if len(fields) > 0 {
		res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return nil, apperr.Internal(res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, apperr.NotFound("user not found")
		}
	}
	return s.ByID(ctx, id)
}

// RecordLogin stores the last login time and address. Best-effort.
func (s *Store) RecordLogin(ctx context.Context, u *model.User, ip string) error {
	return s.db.WithContext(ctx).Model(u).Updates(map[string]interface{}{
		"last_login_at": time.Now(),
		"last_login_ip": ip,
	}).Error
}

// SetStatus changes the account status using tx, so callers can bundle it
// with other work in one transaction. Pass nil to use the store's db.
func (s *Store) SetStatus(ctx context.Context, tx *gorm.DB, id int64, status string) error {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return apperr.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("user not found")
	}
	return nil
}

// Page is one page of users.
type Page struct {
	Total   int64        `json:"total"`
	Current int          `json:"current"`
	Size    int          `json:"size"`
	Records []model.User `json:"records"`
}

const maxPageSize = 100

// List returns users ordered by id, 1-based page of at most 100.
func (s *Store) List(ctx context.Context, page, size int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	p := &Page{Current: page, Size: size, Records: []model.User{}}
	if err := s.db.WithContext(ctx).Model(&model.User{}).Count(&p.Total).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	// past the last page; also keeps (page-1)*size from overflowing
	if int64(page-1) >= (p.Total+int64(size)-1)/int64(size) {
		return p, nil
	}
	err := s.db.WithContext(ctx).Order("id").Offset((page - 1) * size).Limit(size).Find(&p.Records).Error
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return p, nil
}

// IsUniqueViolation detects duplicate-key errors from common database drivers.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("user not found")
	}
	return apperr.Internal(err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}
