package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// steppedClock hands out strictly increasing timestamps so ordering tests
// do not depend on wall-clock resolution.
func steppedClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(step)
		return current
	}
}

func TestReopenKeepsData(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	st, err := Open(dir, zaptest.NewLogger(t))
	req.NoError(err)
	user, err := st.CreateUser(ctx, "alice", "hash")
	req.NoError(err)
	req.NoError(st.Close())

	st, err = Open(dir, zaptest.NewLogger(t))
	req.NoError(err)
	defer st.Close()

	got, err := st.UserByID(ctx, user.ID)
	req.NoError(err)
	req.Equal("alice", got.Username)
	req.Equal(user.ID, got.ID)
}
