package dpop

import (
	"context"
	"sync"
	"time"

	"github.com/ftauth/dpop/jwt"
	"github.com/ftauth/dpop/util/base64url"
	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"
)

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	// Algorithm of the default key pair. Defaults to ES256.
	Algorithm jwt.Algorithm

	// ClientID tags the default key pair.
	ClientID string

	Clock  func() time.Time
	Logger log.FieldLogger
}

// Generator builds signed DPoP proofs.
type Generator struct {
	keys      *KeyManager
	algorithm jwt.Algorithm
	clientID  string
	now       func() time.Time
	log       log.FieldLogger

	mu         sync.Mutex
	defaultKey *KeyPair
}

// NewGenerator creates a generator that draws keys from keys.
func NewGenerator(keys *KeyManager, config GeneratorConfig) (*Generator, error) {
	if keys == nil {
		return nil, NewError(KindConfigurationError, "nil key manager")
	}
	g := &Generator{
		keys:      keys,
		algorithm: config.Algorithm,
		clientID:  config.ClientID,
		now:       config.Clock,
		log:       config.Logger,
	}
	if g.algorithm == "" {
		g.algorithm = jwt.AlgorithmECDSASHA256
	}
	if !IsSupportedAlgorithm(g.algorithm) {
		return nil, NewError(KindConfigurationError, "unsupported key algorithm "+string(g.algorithm))
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.log == nil {
		g.log = log.StandardLogger()
	}
	return g, nil
}

type proofOptions struct {
	accessToken string
	nonce       string
	keyPair     *KeyPair
}

// ProofOption customizes a single generated proof.
type ProofOption func(*proofOptions)

// WithAccessToken binds the proof to token through the ath claim.
func WithAccessToken(token string) ProofOption {
	return func(o *proofOptions) {
		o.accessToken = token
	}
}

// WithNonce includes a server-provided nonce.
func WithNonce(nonce string) ProofOption {
	return func(o *proofOptions) {
		o.nonce = nonce
	}
}

// WithKeyPair signs with kp instead of the generator's default key pair.
func WithKeyPair(kp *KeyPair) ProofOption {
	return func(o *proofOptions) {
		o.keyPair = kp
	}
}

// DefaultKeyPair returns the key pair used when no WithKeyPair option is
// given, creating it on first use. An expired default is replaced.
func (g *Generator) DefaultKeyPair() (*KeyPair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.defaultKey != nil && !g.defaultKey.isExpiredAt(g.now()) && !g.defaultKey.IsDestroyed() {
		return g.defaultKey, nil
	}
	kp, err := g.keys.GenerateKeyPairForClient(g.algorithm, g.clientID)
	if err != nil {
		return nil, err
	}
	g.defaultKey = kp
	return kp, nil
}

// GenerateProof creates a proof for a request with the given method and
// URI. The URI's query and fragment are not part of the proof.
func (g *Generator) GenerateProof(ctx context.Context, method, uri string, opts ...ProofOption) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o proofOptions
	for _, opt := range opts {
		opt(&o)
	}

	htm, err := CanonicalMethod(method)
	if err != nil {
		return nil, err
	}
	htu, err := CanonicalURI(uri)
	if err != nil {
		return nil, err
	}

	kp := o.keyPair
	if kp == nil {
		kp, err = g.DefaultKeyPair()
		if err != nil {
			return nil, err
		}
	}

	jti, err := uuid.NewV4()
	if err != nil {
		return nil, WrapError(KindCryptographicError, err, "generating jti")
	}
	now := g.now()

	claims := &jwt.Claims{
		JwtID:      jti.String(),
		IssuedAt:   now.Unix(),
		HTTPMethod: htm,
		HTTPURI:    htu,
		Nonce:      o.nonce,
	}
	if o.accessToken != "" {
		claims.AccessTokenHash = base64url.SHA256(o.accessToken)
	}
	token := &jwt.Token{
		Header: &jwt.Header{
			Type:      jwt.TypeDPoP,
			Algorithm: kp.Algorithm,
			JWK:       kp.PublicJWK(),
		},
		Claims: claims,
	}

	if _, err := kp.sign(token, now); err != nil {
		return nil, err
	}

	g.log.WithFields(log.Fields{
		"jti":    claims.JwtID,
		"htm":    htm,
		"htu":    htu,
		"key_id": kp.ID,
	}).Debug("Generated DPoP proof")
	return &Proof{token: token}, nil
}
