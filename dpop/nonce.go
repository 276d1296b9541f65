package dpop

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DefaultTTL is used when a record is stored without a positive TTL.
const DefaultTTL = 300 * time.Second

// ErrStoreFull is the cause of the StorageError returned when a bounded
// store holds only unexpired records.
var ErrStoreFull = errors.New("replay store is full")

// NonceStorage records consumed proof identifiers so a proof can be
// accepted at most once.
type NonceStorage interface {
	// StoreNonce atomically inserts the record if no unexpired record for
	// (nonce, clientID) exists. It returns false if one already does.
	StoreNonce(ctx context.Context, nonce, jti, method, uri, clientID string, ttl time.Duration) (bool, error)

	// IsNonceUsed reports whether an unexpired record for (nonce, clientID) exists.
	IsNonceUsed(ctx context.Context, nonce, clientID string) (bool, error)

	// CleanupExpired removes expired records and returns how many were removed.
	CleanupExpired(ctx context.Context) (uint64, error)

	// GetUsageStats reports the state of the store.
	GetUsageStats(ctx context.Context) (*StorageStats, error)
}

// StorageStats describes the contents of a NonceStorage.
type StorageStats struct {
	Total        uint64        `json:"total" yaml:"total"`     // records ever stored
	Active       uint64        `json:"active" yaml:"active"`   // unexpired records
	Expired      uint64        `json:"expired" yaml:"expired"` // records removed or awaiting removal after expiry
	CleanupRuns  uint64        `json:"cleanup_runs" yaml:"cleanup_runs"`
	AverageAge   time.Duration `json:"average_age" yaml:"average_age"` // mean age of active records
	StorageBytes uint64        `json:"storage_bytes" yaml:"storage_bytes"`
	Backend      string        `json:"backend" yaml:"backend"`
}

// ReplayRecord is what a NonceStorage keeps for each consumed proof.
type ReplayRecord struct {
	Nonce      string        `msgpack:"nonce" json:"nonce"`
	JTI        string        `msgpack:"jti" json:"jti"`
	Method     string        `msgpack:"htm" json:"htm"`
	URI        string        `msgpack:"htu" json:"htu"`
	ClientID   string        `msgpack:"client_id" json:"client_id"`
	InsertedAt time.Time     `msgpack:"inserted_at" json:"inserted_at"`
	TTL        time.Duration `msgpack:"ttl" json:"ttl"`
}

// ExpiresAt returns when the record stops blocking reuse.
func (r *ReplayRecord) ExpiresAt() time.Time {
	return r.InsertedAt.Add(r.TTL)
}

// IsExpired reports whether the record has expired at now.
func (r *ReplayRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// Size estimates the bytes the record occupies.
func (r *ReplayRecord) Size() uint64 {
	return uint64(len(r.Nonce)+len(r.JTI)+len(r.Method)+len(r.URI)+len(r.ClientID)) + 48
}
