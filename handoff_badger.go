package mailjobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefixHandoff = "handoff:"

func handoffKey(token string) []byte {
	return []byte(keyPrefixHandoff + token)
}

// BadgerHandoff stores handoff entries in BadgerDB and lets Badger expire
// them through entry TTLs.
type BadgerHandoff struct {
	db       *badger.DB
	ttl      time.Duration
	maxBytes int
	logger   *slog.Logger
}

// NewBadgerHandoff opens a BadgerDB handoff store. An empty dbPath keeps the
// database in memory. Note: BadgerDB uses its own logger interface, so its
// internal logging is disabled.
func NewBadgerHandoff(dbPath string, ttl time.Duration, maxBytes int, logger *slog.Logger) (*BadgerHandoff, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerHandoff{db: db, ttl: ttl, maxBytes: maxBytes, logger: logger}, nil
}

func (h *BadgerHandoff) Store(ctx context.Context, token string, ids []string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}
	encoded, err := encodeIDs(ids, h.maxBytes)
	if err != nil {
		return err
	}
	return h.retryUpdate(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry(handoffKey(token), []byte(encoded)).WithTTL(h.ttl)
		return txn.SetEntry(entry)
	})
}

func (h *BadgerHandoff) Load(ctx context.Context, token string) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	var encoded string
	err := h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(handoffKey(token))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			encoded = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handoff: %w", err)
	}
	return decodeIDs(encoded), nil
}

func (h *BadgerHandoff) Delete(ctx context.Context, token string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	return h.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Delete(handoffKey(token))
	})
}

// Purge runs Badger's value log GC so that expired entries release disk.
func (h *BadgerHandoff) Purge() int {
	if h.db.Opts().InMemory {
		return 0
	}
	runs := 0
	for h.db.RunValueLogGC(0.5) == nil {
		runs++
	}
	if runs > 0 {
		h.logger.Debug("BadgerHandoff: value log GC", "runs", runs)
	}
	return runs
}

// Close closes the database.
func (h *BadgerHandoff) Close() error {
	return h.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
func (h *BadgerHandoff) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 10
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := h.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}
