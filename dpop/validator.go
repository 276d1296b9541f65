package dpop

import (
	"context"
	"time"

	"github.com/ftauth/dpop/jwt"
	"github.com/ftauth/dpop/util/base64url"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNonceMismatch is the cause of proofs rejected for lacking the server
// nonce. Servers answer it with a use_dpop_nonce challenge.
var ErrNonceMismatch = errors.New("nonce does not match the expected server nonce")

// ValidatorConfig holds the validation parameters.
type ValidatorConfig struct {
	// ClockSkewTolerance bounds |now - iat|.
	ClockSkewTolerance time.Duration

	// ProofLifetime bounds now - iat when EnforceProofLifetime is set.
	ProofLifetime        time.Duration
	EnforceProofLifetime bool

	// RequireTokenBinding rejects proofs without ath when an access
	// token accompanies the request.
	RequireTokenBinding bool

	// ReplayTTL is the minimum lifetime of replay records. The effective
	// TTL is never shorter than ClockSkewTolerance + ProofLifetime.
	ReplayTTL time.Duration

	// MaxProofSize is the largest accepted proof, in bytes.
	MaxProofSize int

	Clock  func() time.Time
	Logger log.FieldLogger
}

// DefaultValidatorConfig returns the default validation parameters.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		ClockSkewTolerance:   300 * time.Second,
		ProofLifetime:        60 * time.Second,
		EnforceProofLifetime: true,
		MaxProofSize:         MaxProofSize,
	}
}

// ValidationResult describes an accepted proof.
type ValidationResult struct {
	Valid       bool          `json:"valid"`
	Algorithm   jwt.Algorithm `json:"alg"`
	Thumbprint  string        `json:"thumbprint"`
	JTI         string        `json:"jti"`
	Method      string        `json:"htm"`
	URI         string        `json:"htu"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Nonce       string        `json:"nonce,omitempty"`
	ClientID    string        `json:"client_id"`
	ValidatedAt time.Time     `json:"validated_at"`
}

// Validator checks DPoP proofs and records them against replay.
type Validator struct {
	store  NonceStorage
	config ValidatorConfig
	now    func() time.Time
	log    log.FieldLogger
}

// NewValidator creates a validator that records proofs in store.
func NewValidator(store NonceStorage, config ValidatorConfig) (*Validator, error) {
	if store == nil {
		return nil, NewError(KindConfigurationError, "nil nonce storage")
	}
	if config.ClockSkewTolerance < 0 || config.ProofLifetime < 0 || config.ReplayTTL < 0 {
		return nil, NewError(KindConfigurationError, "durations must not be negative")
	}
	if config.ClockSkewTolerance == 0 {
		config.ClockSkewTolerance = 300 * time.Second
	}
	if config.ProofLifetime == 0 {
		config.ProofLifetime = 60 * time.Second
	}
	if config.MaxProofSize <= 0 {
		config.MaxProofSize = MaxProofSize
	}
	v := &Validator{
		store:  store,
		config: config,
		now:    config.Clock,
		log:    config.Logger,
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.log == nil {
		v.log = log.StandardLogger()
	}
	return v, nil
}

// Config returns the effective configuration.
func (v *Validator) Config() ValidatorConfig {
	return v.config
}

type validateOptions struct {
	clientID      string
	expectedNonce string
	nonceRequired bool
}

// ValidateOption customizes a single validation.
type ValidateOption func(*validateOptions)

// WithClientID scopes replay tracking to clientID instead of the key thumbprint.
func WithClientID(clientID string) ValidateOption {
	return func(o *validateOptions) {
		o.clientID = clientID
	}
}

// WithExpectedNonce requires the proof to carry the server-provided nonce.
func WithExpectedNonce(nonce string) ValidateOption {
	return func(o *validateOptions) {
		o.expectedNonce = nonce
		o.nonceRequired = true
	}
}

// ReplayTTL returns the lifetime given to replay records.
func (v *Validator) ReplayTTL() time.Duration {
	window := v.config.ClockSkewTolerance + v.config.ProofLifetime
	if v.config.ReplayTTL > window {
		return v.config.ReplayTTL
	}
	return window
}

// ValidateProof checks proof against the request it accompanies. The
// checks run in order: structure, signature, method and URI binding,
// access token binding, freshness and finally replay. The first failure
// is returned and later checks are skipped, so a rejected proof is never
// recorded as used.
func (v *Validator) ValidateProof(ctx context.Context, proof, method, uri, accessToken string, opts ...ValidateOption) (*ValidationResult, error) {
	var o validateOptions
	for _, opt := range opts {
		opt(&o)
	}

	fields := log.Fields{"htm": method, "htu": uri}
	result, err := v.validate(ctx, proof, method, uri, accessToken, o, fields)
	if err != nil {
		v.logFailure(err, fields)
		return nil, err
	}
	return result, nil
}

func (v *Validator) validate(ctx context.Context, raw, method, uri, accessToken string, o validateOptions, fields log.Fields) (*ValidationResult, error) {
	if len(raw) > v.config.MaxProofSize {
		return nil, NewError(KindInvalidProofStructure, "proof exceeds maximum size")
	}
	p, err := ParseProof(raw)
	if err != nil {
		return nil, err
	}
	fields["jti"] = p.JTI()

	thumbprint, err := v.checkSignature(p)
	if err != nil {
		return nil, err
	}
	fields["thumbprint"] = thumbprint
	if err := checkBinding(p, method, uri, o); err != nil {
		return nil, err
	}
	if err := v.checkTokenBinding(p, accessToken); err != nil {
		return nil, err
	}
	now := v.now()
	if err := v.checkFreshness(p, now); err != nil {
		return nil, err
	}

	clientID := o.clientID
	if clientID == "" {
		clientID = thumbprint
	}
	if err := v.checkReplay(ctx, p, clientID); err != nil {
		return nil, err
	}

	return &ValidationResult{
		Valid:       true,
		Algorithm:   p.Algorithm(),
		Thumbprint:  thumbprint,
		JTI:         p.JTI(),
		Method:      p.Method(),
		URI:         p.URI(),
		IssuedAt:    p.IssuedAt(),
		ExpiresAt:   p.IssuedAt().Add(v.config.ProofLifetime),
		Nonce:       p.Nonce(),
		ClientID:    clientID,
		ValidatedAt: now,
	}, nil
}

// checkSignature verifies the proof with its embedded key and returns
// the key's thumbprint.
func (v *Validator) checkSignature(p *Proof) (string, error) {
	alg := p.Algorithm()
	if !IsSupportedAlgorithm(alg) {
		return "", NewError(KindCryptographicError, "unsupported alg "+string(alg))
	}

	jwk := p.JWK()
	if jwk == nil {
		return "", NewError(KindCryptographicError, "missing jwk header")
	}
	if jwk.HasPrivateKeyInfo() {
		return "", WrapError(KindCryptographicError, jwt.ErrPrivateKeyMaterial, "jwk header")
	}
	if !alg.ValidForKeyType(jwk.KeyType) {
		return "", NewError(KindCryptographicError, "alg does not match jwk key type")
	}
	if jwk.Algorithm != "" && jwk.Algorithm != alg {
		return "", NewError(KindCryptographicError, "alg does not match jwk alg")
	}

	// Work on a copy so the decoded header is left as received.
	key := *jwk
	key.Algorithm = alg
	if err := key.IsValid(); err != nil {
		return "", WrapError(KindCryptographicError, err, "invalid jwk")
	}
	if err := key.Parse(); err != nil {
		return "", WrapError(KindCryptographicError, err, "invalid jwk")
	}

	if err := p.token.Verify(&key); err != nil {
		if errors.Is(err, jwt.ErrInvalidSignature) {
			return "", WrapError(KindProofValidationFailed, err, "")
		}
		return "", WrapError(KindCryptographicError, err, "verifying signature")
	}

	thumbprint, err := key.Thumbprint()
	if err != nil {
		return "", WrapError(KindCryptographicError, err, "computing thumbprint")
	}
	return thumbprint, nil
}

func checkBinding(p *Proof, method, uri string, o validateOptions) error {
	htm, err := CanonicalMethod(method)
	if err != nil {
		return WrapError(KindHTTPBindingFailed, err, "request method")
	}
	if htm != p.Method() {
		return NewError(KindHTTPBindingFailed, "htm does not match request method")
	}

	htu, err := CanonicalURI(uri)
	if err != nil {
		return WrapError(KindHTTPBindingFailed, err, "request URI")
	}
	claimed, err := CanonicalURI(p.URI())
	if err != nil {
		return err
	}
	if htu != claimed {
		return NewError(KindHTTPBindingFailed, "htu does not match request URI")
	}

	if o.nonceRequired && !base64url.Equal(p.Nonce(), o.expectedNonce) {
		return WrapError(KindInvalidProofStructure, ErrNonceMismatch, "")
	}
	return nil
}

func (v *Validator) checkTokenBinding(p *Proof, accessToken string) error {
	ath := p.AccessTokenHash()
	switch {
	case ath == "" && accessToken == "":
		return nil
	case ath == "":
		if v.config.RequireTokenBinding {
			return NewError(KindAccessTokenHashFailed, "proof is not bound to the access token")
		}
		return nil
	case accessToken == "":
		return NewError(KindAccessTokenHashFailed, "ath present but no access token supplied")
	}
	if !base64url.Equal(ath, base64url.SHA256(accessToken)) {
		return NewError(KindAccessTokenHashFailed, "ath does not match the access token")
	}
	return nil
}

func (v *Validator) checkFreshness(p *Proof, now time.Time) error {
	iat := p.token.Claims.IssuedAt
	if iat <= 0 {
		return NewError(KindInvalidProofStructure, "iat must be a positive timestamp")
	}
	// Both operands are positive, so the difference cannot overflow.
	age := now.Unix() - iat
	skew := age
	if skew < 0 {
		skew = -skew
	}
	maxSkew := int64(v.config.ClockSkewTolerance / time.Second)
	if skew > maxSkew {
		return errClockSkew(skew, maxSkew)
	}
	if v.config.EnforceProofLifetime && age > int64(v.config.ProofLifetime/time.Second) {
		return NewError(KindProofExpired, "proof is older than its lifetime")
	}
	return nil
}

func (v *Validator) checkReplay(ctx context.Context, p *Proof, clientID string) error {
	stored, err := v.store.StoreNonce(ctx, p.JTI(), p.JTI(), p.Method(), p.URI(), clientID, v.ReplayTTL())
	if err != nil {
		if e, ok := AsError(err); ok && e.Kind == KindStorageError {
			return e
		}
		return WrapError(KindStorageError, err, "recording proof")
	}
	if !stored {
		return errReplay(p.JTI())
	}
	return nil
}

func (v *Validator) logFailure(err error, fields log.Fields) {
	e, ok := AsError(err)
	if !ok {
		v.log.WithFields(fields).WithError(err).Error("DPoP proof validation error")
		return
	}
	entry := v.log.WithFields(fields).WithFields(log.Fields{
		"kind":     e.Kind,
		"severity": e.Severity().String(),
	})
	if e.IsSecurityViolation() {
		entry.WithError(err).Warn("DPoP proof rejected")
		return
	}
	entry.WithError(err).Debug("DPoP proof rejected")
}
