package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), mr.Addr())
	require.NoError(t, err)
	return s, mr
}

func TestRedisStoreInvalidAddress(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "invalid:99999")
	assert.Error(t, err)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := setupRedisStore(t)

	tk := New("neon alley at night")
	require.NoError(t, s.Add(ctx, tk))
	assert.Equal(t, 1, tk.Seq)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "neon alley at night", got.Prompt)

	upd, err := s.Update(ctx, tk.ID, Update{
		Status:       Ptr(StatusError),
		ErrorMessage: Ptr("Timeout while polling"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusError, upd.Status)
	assert.Equal(t, "Timeout while polling", upd.ErrorMessage)
}

func TestRedisStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := setupRedisStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrTaskNotFound)
}

func TestRedisStoreListSortedBySeq(t *testing.T) {
	ctx := context.Background()
	s, _ := setupRedisStore(t)

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, s.Add(ctx, New(p)))
	}
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "one", list[0].Prompt)
	assert.Equal(t, "three", list[2].Prompt)
}

func TestRedisStoreFailsRunningOnConnect(t *testing.T) {
	ctx := context.Background()
	s, mr := setupRedisStore(t)

	tk := New("left running")
	require.NoError(t, s.Add(ctx, tk))
	_, err := s.Update(ctx, tk.ID, Update{Status: Ptr(StatusRunning)})
	require.NoError(t, err)

	// A second store over the same Redis simulates a process restart.
	s2, err := NewRedisStore(ctx, mr.Addr())
	require.NoError(t, err)
	got, err := s2.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "Interrupted by restart", got.ErrorMessage)
}
