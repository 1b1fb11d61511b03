package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Message is one persisted chat message, immutable once created.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	msgKeyPrefix    = "msg:"
	defaultPageSize = 50
)

// messageKey formats "msg:{conversation}:{timestamp_padded}:{uuid}". The
// 19-digit zero padding keeps keys chronologically ordered under badger's
// lexicographic iteration; the UUID breaks ties when two messages land on
// the same nanosecond.
func messageKey(conversationID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s", msgKeyPrefix, conversationID, at.UnixNano(), id))
}

// CreateMessage persists one message after checking the sender belongs to
// the conversation. The returned record carries the server-assigned ID and
// timestamp.
func (s *Store) CreateMessage(ctx context.Context, conversationID, senderID, content, messageType string) (Message, error) {
	if messageType == "" {
		messageType = "text"
	}
	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    messageType,
		CreatedAt:      s.nowFn().UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		var conv Conversation
		if err := getJSON(txn, convKey(conversationID), &conv); err != nil {
			return err
		}
		if !lo.Contains(conv.Participants, senderID) {
			return ErrNotParticipant
		}
		return txn.Set(messageKey(conversationID, msg.CreatedAt, msg.ID), raw)
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Messages pages through a conversation's history, newest first. cursor is
// the opaque value returned by a previous call; empty starts from the most
// recent message.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int, cursor string) ([]Message, string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	var messages []Message
	var lastKey string
	err := s.db.View(func(txn *badger.Txn) error {
		prefixStr := msgKeyPrefix + conversationID + ":"
		prefix := []byte(prefixStr)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Seek past the newest possible timestamp, then walk backwards.
		seekKey := []byte(prefixStr + "9999999999999999999")
		if cursor != "" {
			seekKey = []byte(prefixStr + cursor)
		}
		it.Seek(seekKey)
		if cursor != "" && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[len(prefixStr):])
			var msg Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return messages, lastKey, nil
}
