package dpop

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ftauth/dpop/jwt"
	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"
)

// KeyRotationPolicy controls when key pairs are replaced.
type KeyRotationPolicy struct {
	// KeyLifetime is how long a pair is used before it is due for rotation.
	KeyLifetime time.Duration

	// AutoRotate enables the rotation loop started by KeyManager.Run.
	AutoRotate bool

	// RotationCheckInterval is how often the rotation loop runs.
	RotationCheckInterval time.Duration

	// ExpiredKeyRetention is how long rotated pairs are kept before the
	// rotation loop erases them.
	ExpiredKeyRetention time.Duration
}

// DevelopmentRotationPolicy rotates daily and leaves rotation to the caller.
func DevelopmentRotationPolicy() KeyRotationPolicy {
	return KeyRotationPolicy{
		KeyLifetime:           24 * time.Hour,
		AutoRotate:            false,
		RotationCheckInterval: time.Hour,
		ExpiredKeyRetention:   10 * time.Minute,
	}
}

// ProductionRotationPolicy rotates weekly in the background.
func ProductionRotationPolicy() KeyRotationPolicy {
	return KeyRotationPolicy{
		KeyLifetime:           7 * 24 * time.Hour,
		AutoRotate:            true,
		RotationCheckInterval: time.Hour,
		ExpiredKeyRetention:   10 * time.Minute,
	}
}

// KeyManager owns the lifecycle of DPoP key pairs.
type KeyManager struct {
	keys        sync.Map // id -> *KeyPair
	thumbprints sync.Map // thumbprint -> id

	policy  KeyRotationPolicy
	rsaBits int
	random  io.Reader
	now     func() time.Time
	log     log.FieldLogger
}

// KeyManagerOption configures a KeyManager.
type KeyManagerOption func(*KeyManager)

// WithRotationPolicy sets the rotation policy.
func WithRotationPolicy(p KeyRotationPolicy) KeyManagerOption {
	return func(m *KeyManager) {
		m.policy = p
	}
}

// WithRSAKeySize sets the modulus size for RSA keys. Sizes below 2048
// bits are raised to 2048.
func WithRSAKeySize(bits int) KeyManagerOption {
	return func(m *KeyManager) {
		if bits < jwt.MinRSABits {
			bits = jwt.MinRSABits
		}
		m.rsaBits = bits
	}
}

// WithKeyLogger sets the logger used for lifecycle events.
func WithKeyLogger(l log.FieldLogger) KeyManagerOption {
	return func(m *KeyManager) {
		m.log = l
	}
}

// WithKeyClock overrides the time source.
func WithKeyClock(now func() time.Time) KeyManagerOption {
	return func(m *KeyManager) {
		m.now = now
	}
}

// NewKeyManager creates an empty key manager.
func NewKeyManager(opts ...KeyManagerOption) *KeyManager {
	m := &KeyManager{
		policy:  DevelopmentRotationPolicy(),
		rsaBits: DefaultRSAKeySize,
		random:  rand.Reader,
		now:     time.Now,
		log:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the rotation policy in effect.
func (m *KeyManager) Policy() KeyRotationPolicy {
	return m.policy
}

// GenerateKeyPair creates and registers a new key pair for alg.
func (m *KeyManager) GenerateKeyPair(alg jwt.Algorithm) (*KeyPair, error) {
	return m.GenerateKeyPairForClient(alg, "")
}

// GenerateKeyPairForClient creates and registers a new key pair tagged with clientID.
func (m *KeyManager) GenerateKeyPairForClient(alg jwt.Algorithm, clientID string) (*KeyPair, error) {
	return m.generate(alg, clientID, 0)
}

func (m *KeyManager) generate(alg jwt.Algorithm, clientID string, generation uint32) (*KeyPair, error) {
	if !IsSupportedAlgorithm(alg) {
		return nil, NewError(KindCryptographicError, "unsupported algorithm "+string(alg))
	}
	key, err := generateKey(m.random, alg, m.rsaBits)
	if err != nil {
		if _, ok := AsError(err); ok {
			return nil, err
		}
		return nil, WrapError(KindCryptographicError, err, "generating key")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, WrapError(KindCryptographicError, err, "generating key id")
	}

	kp, err := newKeyPair(id.String(), key, m.now, generation, clientID)
	if err != nil {
		return nil, err
	}
	m.keys.Store(kp.ID, kp)
	m.thumbprints.Store(kp.Thumbprint, kp.ID)

	m.log.WithFields(log.Fields{
		"key_id":     kp.ID,
		"alg":        kp.Algorithm,
		"thumbprint": kp.Thumbprint,
		"generation": generation,
	}).Debug("Generated DPoP key pair")
	return kp, nil
}

// GetKeyPair looks a pair up by id.
func (m *KeyManager) GetKeyPair(id string) (*KeyPair, bool) {
	v, ok := m.keys.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*KeyPair), true
}

// GetKeyPairByThumbprint looks a pair up by its RFC 7638 thumbprint.
func (m *KeyManager) GetKeyPairByThumbprint(thumbprint string) (*KeyPair, bool) {
	id, ok := m.thumbprints.Load(thumbprint)
	if !ok {
		return nil, false
	}
	return m.GetKeyPair(id.(string))
}

// RotateKeyPair replaces the pair with the given id. The new pair keeps
// the algorithm and client id; the old pair expires immediately but
// stays retrievable until it is cleaned up.
func (m *KeyManager) RotateKeyPair(oldID string) (*KeyPair, error) {
	old, ok := m.GetKeyPair(oldID)
	if !ok {
		return nil, NewError(KindKeyNotFound, "no key pair with id "+oldID)
	}

	next, err := m.generate(old.Algorithm, old.ClientID, old.RotationGeneration+1)
	if err != nil {
		return nil, err
	}
	old.expire(m.now().Add(-time.Millisecond))

	m.log.WithFields(log.Fields{
		"old_key_id": old.ID,
		"new_key_id": next.ID,
		"generation": next.RotationGeneration,
		"client_id":  next.ClientID,
	}).Info("Rotated DPoP key pair")
	return next, nil
}

// NeedsRotation reports whether kp is due for rotation under the policy.
func (m *KeyManager) NeedsRotation(kp *KeyPair) bool {
	now := m.now()
	if kp.isExpiredAt(now) {
		return false
	}
	if exp, ok := kp.ExpiresAt(); ok && !exp.After(now.Add(m.policy.RotationCheckInterval)) {
		return true
	}
	return m.policy.KeyLifetime > 0 && now.Sub(kp.CreatedAt) >= m.policy.KeyLifetime
}

// RemoveKeyPair unregisters the pair and erases its private material.
func (m *KeyManager) RemoveKeyPair(id string) bool {
	v, ok := m.keys.LoadAndDelete(id)
	if !ok {
		return false
	}
	kp := v.(*KeyPair)
	m.thumbprints.CompareAndDelete(kp.Thumbprint, kp.ID)
	kp.Destroy()
	return true
}

// CleanupExpiredKeys removes pairs that expired more than grace ago and
// returns how many were removed.
func (m *KeyManager) CleanupExpiredKeys(grace time.Duration) int {
	cutoff := m.now().Add(-grace)
	removed := 0
	m.keys.Range(func(k, v interface{}) bool {
		kp := v.(*KeyPair)
		if exp, ok := kp.ExpiresAt(); ok && exp.Before(cutoff) {
			if m.RemoveKeyPair(kp.ID) {
				removed++
			}
		}
		return true
	})
	if removed > 0 {
		m.log.WithField("removed", removed).Info("Removed expired DPoP key pairs")
	}
	return removed
}

// ListKeyPairs returns every registered pair, oldest first.
func (m *KeyManager) ListKeyPairs() []*KeyPair {
	var pairs []*KeyPair
	m.keys.Range(func(k, v interface{}) bool {
		pairs = append(pairs, v.(*KeyPair))
		return true
	})
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].CreatedAt.Before(pairs[j].CreatedAt)
	})
	return pairs
}

// PublicKeySet returns the public JWKs of all unexpired pairs, each
// carrying its pair id as kid.
func (m *KeyManager) PublicKeySet() *jwt.KeySet {
	now := m.now()
	var keys []*jwt.Key
	for _, kp := range m.ListKeyPairs() {
		if kp.isExpiredAt(now) {
			continue
		}
		pub := *kp.PublicJWK()
		pub.KeyID = kp.ID
		keys = append(keys, &pub)
	}
	return jwt.NewKeySet(keys)
}

// RotateDue rotates every pair the policy marks as due and returns the
// replacements.
func (m *KeyManager) RotateDue() ([]*KeyPair, error) {
	var rotated []*KeyPair
	for _, kp := range m.ListKeyPairs() {
		if !m.NeedsRotation(kp) {
			continue
		}
		next, err := m.RotateKeyPair(kp.ID)
		if err != nil {
			return rotated, err
		}
		rotated = append(rotated, next)
	}
	return rotated, nil
}

// Run rotates due pairs and removes old expired ones every
// RotationCheckInterval until ctx is done. It returns immediately when
// the policy does not enable automatic rotation.
func (m *KeyManager) Run(ctx context.Context) {
	if !m.policy.AutoRotate || m.policy.RotationCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.policy.RotationCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RotateDue(); err != nil {
				m.log.WithError(err).Error("Error rotating DPoP key pairs")
			}
			m.CleanupExpiredKeys(m.policy.ExpiredKeyRetention)
		}
	}
}

// Close erases every registered pair.
func (m *KeyManager) Close() {
	m.keys.Range(func(k, v interface{}) bool {
		m.RemoveKeyPair(k.(string))
		return true
	})
}
