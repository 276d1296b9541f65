package storage

import (
	"context"
	"strings"
	"time"

	"github.com/ftauth/dpop/dpop"
	log "github.com/sirupsen/logrus"
)

// Backend names a replay store implementation.
type Backend string

// Supported backends
const (
	BackendMemory           Backend = "memory"
	BackendRedis            Backend = "redis"
	BackendDistributedCache Backend = "distributed-cache"
	BackendBadger           Backend = "badger"
	BackendHardware         Backend = "hardware"
)

// ParseBackend normalizes a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendMemory, nil
	case BackendMemory, BackendRedis, BackendBadger:
		return b, nil
	case BackendDistributedCache:
		return BackendRedis, nil
	case BackendHardware, "hardware-backed", "hsm":
		return BackendHardware, nil
	}
	return "", dpop.NewError(dpop.KindConfigurationError, "unknown key storage backend "+s)
}

// MemoryOptions configures the in-process store.
type MemoryOptions struct {
	MaxEntries      int
	CleanupInterval time.Duration
}

// Options selects and configures a replay store.
type Options struct {
	Backend Backend
	Memory  MemoryOptions
	Redis   RedisOptions
	Badger  BadgerOptions
	Logger  log.FieldLogger
}

// ManagesCleanup reports whether the store built from o purges expired
// records without callers running CleanupExpired.
func (o Options) ManagesCleanup() bool {
	backend, err := ParseBackend(string(o.Backend))
	return err == nil && backend == BackendMemory && o.Memory.CleanupInterval > 0
}

// Store is a replay store that holds resources.
type Store interface {
	dpop.NonceStorage
	Close() error
}

// New creates the replay store named by opts.Backend.
func New(ctx context.Context, opts Options) (Store, error) {
	backend, err := ParseBackend(string(opts.Backend))
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger = logger.WithField("backend", backend)

	switch backend {
	case BackendMemory:
		logger.Debug("Using in-memory DPoP replay store")
		return dpop.NewMemoryNonceStorage(
			dpop.WithMaxEntries(opts.Memory.MaxEntries),
			dpop.WithCleanupInterval(opts.Memory.CleanupInterval),
		), nil
	case BackendRedis:
		store, err := DialRedis(ctx, opts.Redis)
		if err != nil {
			return nil, dpop.WrapError(dpop.KindStorageError, err, "")
		}
		logger.WithField("store", store.String()).Info("Connected DPoP replay store")
		return store, nil
	case BackendBadger:
		badgerOpts := opts.Badger
		if badgerOpts.Logger == nil {
			badgerOpts.Logger = logger
		}
		store, err := OpenBadger(badgerOpts)
		if err != nil {
			if _, ok := dpop.AsError(err); ok {
				return nil, err
			}
			return nil, dpop.WrapError(dpop.KindStorageError, err, "")
		}
		logger.WithField("dir", badgerOpts.Dir).Info("Opened DPoP replay store")
		return store, nil
	}
	return nil, dpop.NewError(dpop.KindConfigurationError, "hardware-backed key storage is not supported")
}
