package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Sentinel errors surfaced to callers; everything else is wrapped.
var (
	ErrNotFound       = errors.New("record not found")
	ErrUsernameTaken  = errors.New("username already taken")
	ErrNotParticipant = errors.New("user is not a conversation participant")
)

// Store persists users, conversations and messages in a badger database.
type Store struct {
	db    *badger.DB
	log   *zap.Logger
	nowFn func() time.Time
}

// Open initializes the store at dir, creating the database when missing.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log.Named("badger").Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db, log: log, nowFn: time.Now}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// getJSON loads and decodes one record, mapping a missing key to ErrNotFound.
func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

// badgerLogger adapts badger's logger to zap. Badger's info output is noisy,
// so it lands at debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (b badgerLogger) Errorf(format string, args ...any)   { b.s.Errorf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...any) { b.s.Warnf(format, args...) }
func (b badgerLogger) Infof(format string, args ...any)    { b.s.Debugf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...any)   { b.s.Debugf(format, args...) }
