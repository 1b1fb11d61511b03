package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateMessageRequiresMembership(t *testing.T) {
	req := require.New(t)
	st := openTestStore(t)
	ctx := context.Background()
	users := seedUsers(t, st, "alice", "bob", "eve")

	conv, err := st.CreateConversation(ctx, "", false, []string{users["alice"].ID, users["bob"].ID})
	req.NoError(err)

	msg, err := st.CreateMessage(ctx, conv.ID, users["alice"].ID, "hi", "")
	req.NoError(err)
	req.NotEmpty(msg.ID)
	req.Equal("text", msg.MessageType, "empty type must default to text")
	req.False(msg.CreatedAt.IsZero())

	_, err = st.CreateMessage(ctx, conv.ID, users["eve"].ID, "intruding", "text")
	req.ErrorIs(err, ErrNotParticipant)

	_, err = st.CreateMessage(ctx, "missing", users["alice"].ID, "hello?", "text")
	req.ErrorIs(err, ErrNotFound)
}

func TestMessagesNewestFirstWithCursor(t *testing.T) {
	req := require.New(t)
	st := openTestStore(t)
	st.nowFn = steppedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), time.Second)
	ctx := context.Background()
	users := seedUsers(t, st, "alice", "bob")

	conv, err := st.CreateConversation(ctx, "", false, []string{users["alice"].ID, users["bob"].ID})
	req.NoError(err)

	for i := 0; i < 5; i++ {
		_, err := st.CreateMessage(ctx, conv.ID, users["alice"].ID, fmt.Sprintf("msg-%d", i), "text")
		req.NoError(err)
	}

	page, cursor, err := st.Messages(ctx, conv.ID, 2, "")
	req.NoError(err)
	req.Len(page, 2)
	req.Equal("msg-4", page[0].Content)
	req.Equal("msg-3", page[1].Content)
	req.NotEmpty(cursor)

	page, cursor, err = st.Messages(ctx, conv.ID, 2, cursor)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal("msg-2", page[0].Content)
	req.Equal("msg-1", page[1].Content)

	page, _, err = st.Messages(ctx, conv.ID, 2, cursor)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal("msg-0", page[0].Content)
}

func TestMessagesScopedToConversation(t *testing.T) {
	req := require.New(t)
	st := openTestStore(t)
	ctx := context.Background()
	users := seedUsers(t, st, "alice", "bob", "carol")

	first, err := st.CreateConversation(ctx, "", false, []string{users["alice"].ID, users["bob"].ID})
	req.NoError(err)
	second, err := st.CreateConversation(ctx, "", false, []string{users["alice"].ID, users["carol"].ID})
	req.NoError(err)

	_, err = st.CreateMessage(ctx, first.ID, users["alice"].ID, "for bob", "text")
	req.NoError(err)
	_, err = st.CreateMessage(ctx, second.ID, users["alice"].ID, "for carol", "text")
	req.NoError(err)

	page, _, err := st.Messages(ctx, first.ID, 10, "")
	req.NoError(err)
	req.Len(page, 1)
	req.Equal("for bob", page[0].Content)

	page, _, err = st.Messages(ctx, "unknown", 10, "")
	req.NoError(err)
	req.Empty(page)
}
