package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Conversation groups participants around a shared message history.
type Conversation struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	IsGroup      bool      `json:"is_group"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	convKeyPrefix     = "conv:"
	convUserKeyPrefix = "convuser:"
)

func convKey(id string) []byte {
	return []byte(convKeyPrefix + id)
}

// convUserKey indexes conversation membership per user for listing.
func convUserKey(userID, convID string) []byte {
	return []byte(convUserKeyPrefix + userID + ":" + convID)
}

// CreateConversation starts a conversation between the given participants,
// all of whom must exist. Duplicate participant IDs are collapsed.
func (s *Store) CreateConversation(ctx context.Context, name string, isGroup bool, participants []string) (Conversation, error) {
	participants = lo.Uniq(participants)
	if len(participants) < 2 {
		return Conversation{}, errors.New("conversation needs at least two participants")
	}

	conv := Conversation{
		ID:           uuid.New().String(),
		Name:         name,
		IsGroup:      isGroup,
		Participants: participants,
		CreatedAt:    s.nowFn().UTC(),
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		return Conversation{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, id := range participants {
			if _, err := txn.Get(userKey(id)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("participant %s: %w", id, ErrNotFound)
				}
				return err
			}
		}
		if err := txn.Set(convKey(conv.ID), raw); err != nil {
			return err
		}
		for _, id := range participants {
			if err := txn.Set(convUserKey(id, conv.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ConversationByID fetches one conversation.
func (s *Store) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	var conv Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, convKey(id), &conv)
	})
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ConversationParticipants resolves the current participant set.
func (s *Store) ConversationParticipants(ctx context.Context, id string) ([]string, error) {
	conv, err := s.ConversationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.Participants, nil
}

// ConversationsForUser lists the conversations a user belongs to, newest
// first.
func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	var convs []Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(convUserKeyPrefix + userID + ":")
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		it.Close()

		for _, id := range ids {
			var conv Conversation
			if err := getJSON(txn, convKey(id), &conv); err != nil {
				return err
			}
			convs = append(convs, conv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].CreatedAt.After(convs[j].CreatedAt) })
	return convs, nil
}

// AddParticipant joins userID to an existing conversation. Re-adding a
// current participant is a no-op.
func (s *Store) AddParticipant(ctx context.Context, convID, userID string) (Conversation, error) {
	var conv Conversation
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, convKey(convID), &conv); err != nil {
			return err
		}
		if lo.Contains(conv.Participants, userID) {
			return nil
		}
		if _, err := txn.Get(userKey(userID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("participant %s: %w", userID, ErrNotFound)
			}
			return err
		}

		conv.Participants = append(conv.Participants, userID)
		raw, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		if err := txn.Set(convKey(convID), raw); err != nil {
			return err
		}
		return txn.Set(convUserKey(userID, convID), nil)
	})
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}
