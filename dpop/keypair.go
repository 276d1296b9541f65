package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ftauth/dpop/jwt"
)

// DefaultRSAKeySize is the modulus size of generated RSA keys.
const DefaultRSAKeySize = jwt.MinRSABits

// IsSupportedAlgorithm reports whether alg can sign DPoP proofs.
func IsSupportedAlgorithm(alg jwt.Algorithm) bool {
	switch alg {
	case jwt.AlgorithmECDSASHA256, jwt.AlgorithmRSASHA256, jwt.AlgorithmPSSSHA256:
		return true
	}
	return false
}

// KeyPair is an asymmetric signing key and its metadata. The private
// half never leaves the pair; callers sign through the Generator.
type KeyPair struct {
	ID                 string
	Algorithm          jwt.Algorithm
	Thumbprint         string
	CreatedAt          time.Time
	RotationGeneration uint32
	ClientID           string

	now func() time.Time

	mu        sync.RWMutex
	key       *jwt.Key
	public    *jwt.Key
	expiresAt time.Time
	destroyed bool

	usageCount atomic.Uint64
	lastUsed   atomic.Int64 // unix nanoseconds
}

func generateKey(random io.Reader, alg jwt.Algorithm, rsaBits int) (*jwt.Key, error) {
	switch alg {
	case jwt.AlgorithmECDSASHA256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), random)
		if err != nil {
			return nil, err
		}
		return jwt.NewJWKFromECDSAPrivateKey(priv)
	case jwt.AlgorithmRSASHA256, jwt.AlgorithmPSSSHA256:
		if rsaBits < jwt.MinRSABits {
			rsaBits = jwt.MinRSABits
		}
		priv, err := rsa.GenerateKey(random, rsaBits)
		if err != nil {
			return nil, err
		}
		return jwt.NewJWKFromRSAPrivateKey(priv, alg)
	}
	return nil, NewError(KindCryptographicError, "unsupported algorithm "+string(alg))
}

func newKeyPair(id string, key *jwt.Key, now func() time.Time, generation uint32, clientID string) (*KeyPair, error) {
	thumbprint, err := key.Thumbprint()
	if err != nil {
		return nil, WrapError(KindCryptographicError, err, "computing thumbprint")
	}
	kp := &KeyPair{
		ID:                 id,
		Algorithm:          key.Algorithm,
		Thumbprint:         thumbprint,
		CreatedAt:          now(),
		RotationGeneration: generation,
		ClientID:           clientID,
		now:                now,
		key:                key,
		public:             key.PublicJWK(),
	}
	runtime.SetFinalizer(kp, (*KeyPair).Destroy)
	return kp, nil
}

// PublicJWK returns the public half of the pair as a JWK.
func (kp *KeyPair) PublicJWK() *jwt.Key {
	return kp.public
}

// ExpiresAt returns the expiry of the pair, if one is set.
func (kp *KeyPair) ExpiresAt() (time.Time, bool) {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.expiresAt, !kp.expiresAt.IsZero()
}

// IsExpired reports whether the pair is past its expiry, measured on the
// clock of the manager that created it.
func (kp *KeyPair) IsExpired() bool {
	return kp.isExpiredAt(kp.now())
}

func (kp *KeyPair) isExpiredAt(now time.Time) bool {
	exp, ok := kp.ExpiresAt()
	return ok && now.After(exp)
}

// ExpiresWithin reports whether the pair expires within d of now.
func (kp *KeyPair) ExpiresWithin(d time.Duration) bool {
	exp, ok := kp.ExpiresAt()
	return ok && !exp.After(kp.now().Add(d))
}

func (kp *KeyPair) expire(at time.Time) {
	kp.mu.Lock()
	kp.expiresAt = at
	kp.mu.Unlock()
}

// Usage returns how many proofs the pair has signed and when it last did.
func (kp *KeyPair) Usage() (uint64, time.Time) {
	last := kp.lastUsed.Load()
	if last == 0 {
		return kp.usageCount.Load(), time.Time{}
	}
	return kp.usageCount.Load(), time.Unix(0, last)
}

// IsDestroyed reports whether the private material has been erased.
func (kp *KeyPair) IsDestroyed() bool {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.destroyed
}

// sign encodes t with the pair's private key and records the use.
func (kp *KeyPair) sign(t *jwt.Token, now time.Time) (string, error) {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	if kp.destroyed {
		return "", NewError(KindKeyNotFound, "key pair "+kp.ID+" has been destroyed")
	}
	raw, err := t.Encode(kp.key)
	if err != nil {
		return "", WrapError(KindCryptographicError, err, "signing proof")
	}
	kp.usageCount.Add(1)
	kp.lastUsed.Store(now.UnixNano())
	return raw, nil
}

// Destroy zeroes the private key material. The pair can no longer sign,
// but its public JWK and thumbprint stay readable.
func (kp *KeyPair) Destroy() {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if kp.destroyed {
		return
	}
	kp.key.Destroy()
	kp.destroyed = true
}
