package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// User is one registered account. PasswordHash is persisted but must be
// stripped by anything handing the record to a client.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Status       string    `json:"status"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	userKeyPrefix     = "user:id:"
	usernameKeyPrefix = "user:name:"
)

func userKey(id string) []byte {
	return []byte(userKeyPrefix + id)
}

// usernameKey indexes the user ID under the username for login lookups and
// uniqueness checks.
func usernameKey(username string) []byte {
	return []byte(usernameKeyPrefix + username)
}

// CreateUser registers a new account with an unused username.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	user := User{
		ID:           uuid.New().String(),
		Username:     username,
		Status:       "offline",
		PasswordHash: passwordHash,
		CreatedAt:    s.nowFn().UTC(),
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return User{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(usernameKey(username))
		switch {
		case err == nil:
			return ErrUsernameTaken
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(userKey(user.ID), raw); err != nil {
			return err
		}
		return txn.Set(usernameKey(username), []byte(user.ID))
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UserByID fetches one account by ID.
func (s *Store) UserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &user)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UserByUsername fetches one account through the username index.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(usernameKey(username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, userKey(id), &user)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UpdateUserStatus persists the presence status for a user.
func (s *Store) UpdateUserStatus(ctx context.Context, id, status string) error {
	return s.updateUser(id, func(user *User) {
		user.Status = status
	})
}

// UpdateUserAvatar persists a new avatar URL for a user.
func (s *Store) UpdateUserAvatar(ctx context.Context, id, avatarURL string) (User, error) {
	var updated User
	err := s.updateUser(id, func(user *User) {
		user.AvatarURL = avatarURL
		updated = *user
	})
	if err != nil {
		return User{}, err
	}
	return updated, nil
}

func (s *Store) updateUser(id string, mutate func(*User)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var user User
		if err := getJSON(txn, userKey(id), &user); err != nil {
			return err
		}
		mutate(&user)
		raw, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return txn.Set(userKey(id), raw)
	})
}

// ListUsers returns every account sorted by username.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(userKeyPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var user User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &user)
			}); err != nil {
				return err
			}
			users = append(users, user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}
