package user_test

import (
	"context"
	"math"
	"testing"

	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/model"
	"github.com/moonpointer/xschat/testutil"
	"github.com/moonpointer/xschat/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func seed(t *testing.T, s *user.Store, username string, nickname *string) *model.User {
	t.Helper()
	u := &model.User{Username: username, PasswordHash: "h", Nickname: nickname}
	require.NoError(t, s.Create(context.Background(), u))
	return u
}

func TestCreate_DefaultsAndConflict(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	u := seed(t, s, "alice", nil)
	assert.Equal(t, model.RoleUser, u.Role)
	assert.Equal(t, model.StatusActive, u.Status)

	err := s.Create(context.Background(), &model.User{Username: "alice", PasswordHash: "x"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestByID_NotFound(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	_, err := s.ByID(context.Background(), 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.ByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestByIDs(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	a := seed(t, s, "a1", nil)
	b := seed(t, s, "b1", nil)

	got, err := s.ByIDs(context.Background(), []int64{a.ID, b.ID, 777})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "b1", got[b.ID].Username)

	empty, err := s.ByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSearch_CaseInsensitiveSubstring(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	me := seed(t, s, "alice", strPtr("Wonder"))
	seed(t, s, "ALICEB", nil)
	seed(t, s, "bob", strPtr("Malice"))
	seed(t, s, "carol", nil)

	got, err := s.Search(context.Background(), "aLiCe", me.ID)
	require.NoError(t, err)
	var names []string
	for _, u := range got {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"ALICEB", "bob"}, names)
}

func TestSearch_LiteralWildcards(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	seed(t, s, "under_score", nil)
	seed(t, s, "underxscore", nil)
	seed(t, s, "pct%", nil)

	got, err := s.Search(context.Background(), "_", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "under_score", got[0].Username)

	got, err = s.Search(context.Background(), "%", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pct%", got[0].Username)
}

func TestUpdateProfile(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	u := seed(t, s, "dave", nil)
	ctx := context.Background()

	got, err := s.UpdateProfile(ctx, u.ID, user.ProfileUpdate{Nickname: strPtr("Davy"), Avatar: strPtr("/a.png")})
	require.NoError(t, err)
	require.NotNil(t, got.Nickname)
	assert.Equal(t, "Davy", *got.Nickname)
	assert.Equal(t, "/a.png", got.Avatar)
	assert.Equal(t, "h", got.PasswordHash)

	_, err = s.UpdateProfile(ctx, 9999, user.ProfileUpdate{Avatar: strPtr("x")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSetStatusAndList(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()
	var ids []int64
	for _, n := range []string{"u1", "u2", "u3"} {
		ids = append(ids, seed(t, s, n, nil).ID)
	}

	require.NoError(t, s.SetStatus(ctx, nil, ids[1], model.StatusBanned))
	u, err := s.ByID(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, u.Banned())
	assert.ErrorIs(t, s.SetStatus(ctx, nil, 12345, model.StatusBanned), apperr.ErrNotFound)

	page, err := s.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.Current)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "u3", page.Records[0].Username)
}

func TestRecordLogin(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	u := seed(t, s, "erin", nil)
	require.NoError(t, s.RecordLogin(context.Background(), u, "10.0.0.1"))
	got, err := s.ByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.LastLoginIP)
	assert.NotNil(t, got.LastLoginAt)
}

func TestList_PageBeyondEndAndSizeCap(t *testing.T) {
	s := user.NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()
	for _, n := range []string{"p1", "p2", "p3"} {
		seed(t, s, n, nil)
	}

	for _, page := range []int{3, math.MaxInt / 20, math.MaxInt} {
		p, err := s.List(ctx, page, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), p.Total)
		assert.Empty(t, p.Records, "page %d", page)
	}

	p, err := s.List(ctx, 1, math.MaxInt)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Size)
	assert.Len(t, p.Records, 3)
}
