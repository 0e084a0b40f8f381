package group

import (
	"path/filepath"
	"testing"

	"fastchat/db"
	"fastchat/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestService(t *testing.T, users ...int) *Service {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	for _, id := range users {
		ok, err := database.RegisterUser(id, "pw", "PEM", int(models.Offline))
		require.NoError(t, err)
		require.True(t, ok)
	}
	return NewService(database, zaptest.NewLogger(t))
}

func TestCreate(t *testing.T) {
	svc := setupTestService(t, 1, 2, 3)

	id, err := svc.Create(1, []int{2, 9})
	require.NoError(t, err)
	require.Equal(t, -1, id)

	id, err = svc.Create(1, []int{2, 3})
	require.NoError(t, err)
	require.Positive(t, id)

	g, ok, err := svc.Lookup(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, g.Admin)
	require.ElementsMatch(t, []int{1, 2, 3}, g.Participants)
}

func TestOnlyAdminMutates(t *testing.T) {
	svc := setupTestService(t, 1, 2, 3, 4)
	id, err := svc.Create(1, []int{2, 3})
	require.NoError(t, err)

	for _, requester := range []int{2, 3, 4} {
		status, err := svc.Add(4, requester, id)
		require.NoError(t, err)
		require.Equal(t, models.GroupNotAdmin, status)

		status, err = svc.Remove(2, requester, id)
		require.NoError(t, err)
		require.Equal(t, models.GroupNotAdmin, status)
	}

	g, _, err := svc.Lookup(id)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, g.Participants)
}

func TestAddSentinels(t *testing.T) {
	svc := setupTestService(t, 1, 2, 3)
	id, err := svc.Create(1, []int{2})
	require.NoError(t, err)

	cases := []struct {
		name   string
		member int
		group  int
		want   models.GroupStatus
	}{
		{"already present", 2, id, models.GroupAlreadyIn},
		{"missing group", 3, id + 50, models.GroupMissing},
		{"unregistered", 77, id, models.GroupUnknownUser},
		{"success", 3, id, models.GroupOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, err := svc.Add(tc.member, 1, tc.group)
			require.NoError(t, err)
			require.Equal(t, tc.want, status)
		})
	}

	g, _, _ := svc.Lookup(id)
	require.Equal(t, []int{1, 2, 3}, g.Participants)
}

func TestRemoveSentinels(t *testing.T) {
	svc := setupTestService(t, 1, 2, 3)
	id, err := svc.Create(1, []int{2})
	require.NoError(t, err)

	status, err := svc.Remove(3, 1, id)
	require.NoError(t, err)
	require.Equal(t, models.GroupNotMember, status)

	status, err = svc.Remove(2, 1, id+50)
	require.NoError(t, err)
	require.Equal(t, models.GroupMissing, status)

	status, err = svc.Remove(1, 1, id)
	require.NoError(t, err)
	require.Equal(t, models.GroupNotAdmin, status)

	status, err = svc.Remove(2, 1, id)
	require.NoError(t, err)
	require.Equal(t, models.GroupOK, status)

	g, _, _ := svc.Lookup(id)
	require.Equal(t, []int{1}, g.Participants)
}

func TestKeys(t *testing.T) {
	svc := setupTestService(t, 1, 2, 3, 4)
	id, err := svc.Create(1, []int{2, 3})
	require.NoError(t, err)

	keys, err := svc.Keys(id, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Contains(t, keys, 1)
	require.Contains(t, keys, 3)
	require.NotContains(t, keys, 2)

	keys, err = svc.Keys(id, 4)
	require.NoError(t, err)
	require.Nil(t, keys)

	keys, err = svc.Keys(id+9, 1)
	require.NoError(t, err)
	require.Nil(t, keys)
}

func TestStatusText(t *testing.T) {
	require.Equal(t, "4 has been added to the group", StatusText(models.GroupOK, 4, 1, false))
	require.Equal(t, "4 has been removed from the group", StatusText(models.GroupOK, 4, 1, true))
	require.Contains(t, StatusText(models.GroupNotMember, 4, 1, true), "not a member")
	require.Contains(t, StatusText(models.GroupAlreadyIn, 4, 1, false), "already")
}
