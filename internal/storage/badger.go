package storage

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
)

// BadgerConfig configures an embedded badger store
type BadgerConfig struct {
	// Path is the database directory. Empty means in-memory.
	Path       string
	KeyPrefix  string
	SyncWrites bool
	// GCInterval enables periodic value log GC when positive
	GCInterval time.Duration
	Logger     *logging.Logger
}

// BadgerStore persists values in an embedded badger database
type BadgerStore struct {
	db     *badger.DB
	prefix string
	logger *logging.Logger

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// OpenBadger opens (or creates) the database described by cfg
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	logger := logging.OrGlobal(cfg.Logger)

	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.NewInternalError("failed to create badger directory").WithCause(err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithLogger(logger.WithComponent("badger"))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.NewInternalError("failed to open badger database").WithCause(err)
	}

	s := &BadgerStore{
		db:     db,
		prefix: cfg.KeyPrefix,
		logger: logger,
	}
	if cfg.GCInterval > 0 && cfg.Path != "" {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// Get reads key
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewInternalError("failed to read badger key").WithCause(err)
	}
	return value, true, nil
}

// Set writes key
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(key), value)
	})
	if err != nil {
		return errors.NewInternalError("failed to write badger key").WithCause(err)
	}
	return nil
}

// Delete removes key
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(key))
	})
	if err != nil {
		return errors.NewInternalError("failed to delete badger key").WithCause(err)
	}
	return nil
}

// Close stops GC and closes the database
func (s *BadgerStore) Close() error {
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
	})
	return s.db.Close()
}

func (s *BadgerStore) key(key string) []byte {
	return []byte(s.prefix + key)
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to collect
			if err := s.db.RunValueLogGC(0.5); err != nil && !stderrors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("Badger value log GC failed", "error", err)
			}
		}
	}
}
