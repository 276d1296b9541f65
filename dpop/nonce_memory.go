package dpop

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the memory store purges expired
// records when background cleanup is enabled without an interval.
const DefaultCleanupInterval = time.Minute

type nonceKey struct {
	clientID string
	nonce    string
}

// MemoryNonceStorage is a NonceStorage held in process memory.
type MemoryNonceStorage struct {
	mu      sync.Mutex
	records map[nonceKey]*ReplayRecord
	total   uint64
	expired uint64
	runs    uint64

	maxEntries      int
	cleanupInterval time.Duration
	now             func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a MemoryNonceStorage.
type MemoryOption func(*MemoryNonceStorage)

// WithMaxEntries caps the number of records. When full, expired records
// are purged; if none were, the insert fails with ErrStoreFull. Unexpired
// records are never evicted. Zero means no cap.
func WithMaxEntries(max int) MemoryOption {
	return func(s *MemoryNonceStorage) {
		s.maxEntries = max
	}
}

// WithCleanupInterval starts a background goroutine that purges expired
// records at the given interval. Close stops it.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryNonceStorage) {
		s.cleanupInterval = interval
	}
}

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryNonceStorage) {
		s.now = now
	}
}

// NewMemoryNonceStorage creates an empty in-memory store.
func NewMemoryNonceStorage(opts ...MemoryOption) *MemoryNonceStorage {
	s := &MemoryNonceStorage{
		records: make(map[nonceKey]*ReplayRecord),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop(s.cleanupInterval)
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryNonceStorage) cleanupLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CleanupExpired(context.Background())
		}
	}
}

// StoreNonce implements NonceStorage.
func (s *MemoryNonceStorage) StoreNonce(_ context.Context, nonce, jti, method, uri, clientID string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, NewError(KindStorageError, "empty nonce")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	key := nonceKey{clientID: clientID, nonce: nonce}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		if !rec.IsExpired(now) {
			return false, nil
		}
		delete(s.records, key)
		s.expired++
	}
	if s.maxEntries > 0 && len(s.records) >= s.maxEntries {
		s.purgeLocked(now)
		if len(s.records) >= s.maxEntries {
			return false, WrapError(KindStorageError, ErrStoreFull, "memory")
		}
	}

	s.records[key] = &ReplayRecord{
		Nonce:      nonce,
		JTI:        jti,
		Method:     method,
		URI:        uri,
		ClientID:   clientID,
		InsertedAt: now,
		TTL:        ttl,
	}
	s.total++
	return true, nil
}

// IsNonceUsed implements NonceStorage.
func (s *MemoryNonceStorage) IsNonceUsed(_ context.Context, nonce, clientID string) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nonceKey{clientID: clientID, nonce: nonce}]
	return ok && !rec.IsExpired(now), nil
}

// CleanupExpired implements NonceStorage.
func (s *MemoryNonceStorage) CleanupExpired(_ context.Context) (uint64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	return s.purgeLocked(now), nil
}

func (s *MemoryNonceStorage) purgeLocked(now time.Time) uint64 {
	var n uint64
	for key, rec := range s.records {
		if rec.IsExpired(now) {
			delete(s.records, key)
			n++
		}
	}
	s.expired += n
	return n
}

// GetUsageStats implements NonceStorage.
func (s *MemoryNonceStorage) GetUsageStats(_ context.Context) (*StorageStats, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &StorageStats{
		Total:       s.total,
		Expired:     s.expired,
		CleanupRuns: s.runs,
		Backend:     "memory",
	}
	var age time.Duration
	for _, rec := range s.records {
		stats.StorageBytes += rec.Size()
		if rec.IsExpired(now) {
			stats.Expired++
			continue
		}
		stats.Active++
		age += now.Sub(rec.InsertedAt)
	}
	if stats.Active > 0 {
		stats.AverageAge = age / time.Duration(stats.Active)
	}
	return stats, nil
}

// Len returns the number of records held, expired or not.
func (s *MemoryNonceStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops background cleanup. It is safe to call more than once.
func (s *MemoryNonceStorage) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	return nil
}
