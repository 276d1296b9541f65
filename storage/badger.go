package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/ftauth/dpop/dpop"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

const prefixDPoP = "dpop"

func makeNonceKey(clientID, nonce string) []byte {
	return makeKey(prefixDPoP, clientID+"__"+nonce)
}

func makeKey(prefix, id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", prefix, id))
}

// BadgerOptions configures an embedded Badger replay store.
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   log.FieldLogger
}

// BadgerStore is a persistent dpop.NonceStorage backed by Badger.
type BadgerStore struct {
	InMemory bool
	DB       *badger.DB

	total   atomic.Uint64
	expired atomic.Uint64
	runs    atomic.Uint64
}

// OpenBadger opens or creates a Badger database for replay records.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	path := opts.Dir
	if opts.InMemory {
		path = ""
	} else if path == "" {
		return nil, dpop.NewError(dpop.KindConfigurationError, "badger directory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	dbOpts := badger.DefaultOptions(path).
		WithInMemory(opts.InMemory).
		WithLogger(logger.WithField("component", "badger"))

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger")
	}
	return &BadgerStore{DB: db, InMemory: opts.InMemory}, nil
}

// StoreNonce implements dpop.NonceStorage. A concurrent writer for the
// same key makes the transaction conflict, which is reported as the
// nonce already being present.
func (s *BadgerStore) StoreNonce(ctx context.Context, nonce, jti, method, uri, clientID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, dpop.WrapError(dpop.KindStorageError, err, "badger")
	}
	if nonce == "" {
		return false, dpop.NewError(dpop.KindStorageError, "empty nonce")
	}
	if ttl <= 0 {
		ttl = dpop.DefaultTTL
	}

	b, err := msgpack.Marshal(&dpop.ReplayRecord{
		Nonce:      nonce,
		JTI:        jti,
		Method:     method,
		URI:        uri,
		ClientID:   clientID,
		InsertedAt: time.Now(),
		TTL:        ttl,
	})
	if err != nil {
		return false, dpop.WrapError(dpop.KindSerializationError, err, "encoding replay record")
	}

	key := makeNonceKey(clientID, nonce)
	stored := false
	err = s.DB.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(key, b).WithTTL(ttl)); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err == badger.ErrConflict {
		return false, nil
	}
	if err != nil {
		return false, dpop.WrapError(dpop.KindStorageError, err, "badger")
	}
	if stored {
		s.total.Add(1)
	}
	return stored, nil
}

// IsNonceUsed implements dpop.NonceStorage.
func (s *BadgerStore) IsNonceUsed(ctx context.Context, nonce, clientID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, dpop.WrapError(dpop.KindStorageError, err, "badger")
	}
	key := makeNonceKey(clientID, nonce)
	used := false
	err := s.DB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		used = true
		return nil
	})
	if err != nil {
		return false, dpop.WrapError(dpop.KindStorageError, err, "badger")
	}
	return used, nil
}

// CleanupExpired implements dpop.NonceStorage. Badger already hides
// expired entries; this deletes them and reclaims value log space.
func (s *BadgerStore) CleanupExpired(ctx context.Context) (uint64, error) {
	s.runs.Add(1)

	var keys [][]byte
	err := s.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.AllVersions = true
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixDPoP + "_")
		it := txn.NewIterator(opts)
		defer it.Close()

		var last []byte
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			// Versions are newest first; only the newest one decides.
			if last != nil && bytes.Equal(item.Key(), last) {
				continue
			}
			last = item.KeyCopy(nil)
			if item.ExpiresAt() != 0 && item.IsDeletedOrExpired() {
				keys = append(keys, last)
			}
		}
		return nil
	})
	if err != nil {
		return 0, dpop.WrapError(dpop.KindStorageError, err, "scanning badger")
	}

	var removed uint64
	for _, key := range keys {
		deleted := false
		err := s.DB.Update(func(txn *badger.Txn) error {
			// A fresh record may have been written since the scan.
			_, err := txn.Get(key)
			if err != badger.ErrKeyNotFound {
				return err
			}
			deleted = true
			return txn.Delete(key)
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return removed, dpop.WrapError(dpop.KindStorageError, err, "deleting expired record")
		}
		if deleted {
			removed++
		}
	}
	s.expired.Add(removed)

	if !s.InMemory {
		if err := s.DB.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite && err != badger.ErrRejected {
			return removed, dpop.WrapError(dpop.KindStorageError, err, "badger value log GC")
		}
	}
	return removed, nil
}

// GetUsageStats implements dpop.NonceStorage.
func (s *BadgerStore) GetUsageStats(ctx context.Context) (*dpop.StorageStats, error) {
	stats := &dpop.StorageStats{
		Total:       s.total.Load(),
		Expired:     s.expired.Load(),
		CleanupRuns: s.runs.Load(),
		Backend:     string(BackendBadger),
	}
	now := time.Now()
	var age time.Duration

	err := s.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixDPoP + "_")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			stats.StorageBytes += uint64(item.EstimatedSize())
			var rec dpop.ReplayRecord
			err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			})
			if err != nil {
				return errors.Wrapf(err, "decoding record %s", item.Key())
			}
			stats.Active++
			age += now.Sub(rec.InsertedAt)
		}
		return nil
	})
	if err != nil {
		return nil, dpop.WrapError(dpop.KindStorageError, err, "badger stats")
	}
	if stats.Active > 0 {
		stats.AverageAge = age / time.Duration(stats.Active)
	}
	return stats, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.DB.Close()
}
