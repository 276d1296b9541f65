package dpop

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a DPoP failure.
type Kind string

// Failure kinds
const (
	KindInvalidProofStructure Kind = "invalid_proof_structure"
	KindCryptographicError    Kind = "cryptographic_error"
	KindProofValidationFailed Kind = "proof_validation_failed"
	KindClockSkewTooLarge     Kind = "clock_skew_too_large"
	KindProofExpired          Kind = "proof_expired"
	KindReplayAttackDetected  Kind = "replay_attack_detected"
	KindAccessTokenHashFailed Kind = "access_token_hash_failed"
	KindHTTPBindingFailed     Kind = "http_binding_failed"
	KindSerializationError    Kind = "serialization_error"
	KindKeyNotFound           Kind = "key_not_found"
	KindStorageError          Kind = "storage_error"
	KindConfigurationError    Kind = "configuration_error"
)

// Severity ranks how serious a failure is from a security standpoint.
type Severity int

// Severity levels, lowest first
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

type kindInfo struct {
	severity  Severity
	violation bool
	message   string
	hint      string
}

var kinds = map[Kind]kindInfo{
	KindInvalidProofStructure: {SeverityMedium, false, "invalid proof structure", "Send a compact JWS with typ dpop+jwt and the jti, htm, htu and iat claims"},
	KindCryptographicError:    {SeverityHigh, true, "cryptographic error", "Use an ES256, RS256 or PS256 key and embed only its public JWK in the proof header"},
	KindProofValidationFailed: {SeverityHigh, true, "proof validation failed", "Sign the proof with the private key matching the embedded JWK"},
	KindClockSkewTooLarge:     {SeverityMedium, false, "clock skew too large", "Synchronize system clock with NTP server"},
	KindProofExpired:          {SeverityLow, false, "proof expired", "Generate a fresh DPoP proof for each request"},
	KindReplayAttackDetected:  {SeverityCritical, true, "replay attack detected", "Generate a new DPoP proof with a unique jti for every request"},
	KindAccessTokenHashFailed: {SeverityHigh, true, "access token hash mismatch", "Bind the proof to the access token sent with the request"},
	KindHTTPBindingFailed:     {SeverityHigh, true, "HTTP method or URI mismatch", "Generate the proof for the exact HTTP method and URI of the request"},
	KindSerializationError:    {SeverityLow, false, "serialization error", "Check that every proof segment is base64url-encoded JSON"},
	KindKeyNotFound:           {SeverityLow, false, "key not found", "Generate or load the key pair before using it"},
	KindStorageError:          {SeverityMedium, false, "replay storage error", "Check the health of the replay storage backend"},
	KindConfigurationError:    {SeverityLow, false, "configuration error", "Review the DPoP configuration values"},
}

// Error is the error type returned by every DPoP operation.
type Error struct {
	Kind   Kind
	Reason string

	// Set for KindClockSkewTooLarge
	SkewSeconds    int64
	MaxSkewSeconds int64

	// Set for KindReplayAttackDetected
	Nonce string

	cause error
}

// NewError returns an error of the given kind.
func NewError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// WrapError returns an error of the given kind caused by err.
func WrapError(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, cause: err}
}

func errClockSkew(skew, max int64) *Error {
	return &Error{Kind: KindClockSkewTooLarge, SkewSeconds: skew, MaxSkewSeconds: max}
}

func errReplay(nonce string) *Error {
	return &Error{Kind: KindReplayAttackDetected, Nonce: nonce}
}

func (e *Error) Error() string {
	msg := kinds[e.Kind].message
	if msg == "" {
		msg = string(e.Kind)
	}
	switch e.Kind {
	case KindClockSkewTooLarge:
		return fmt.Sprintf("%s: %ds exceeds %ds", msg, e.SkewSeconds, e.MaxSkewSeconds)
	case KindReplayAttackDetected:
		return fmt.Sprintf("%s: nonce %s", msg, e.Nonce)
	}
	if e.Reason != "" {
		msg = msg + ": " + e.Reason
	}
	if e.cause != nil {
		msg = msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.cause }

// Cause implements the causer interface of github.com/pkg/errors.
func (e *Error) Cause() error { return e.cause }

// Severity returns the severity of the failure.
func (e *Error) Severity() Severity {
	return kinds[e.Kind].severity
}

// Hint returns a fixed remediation hint. It never contains request data.
func (e *Error) Hint() string {
	return kinds[e.Kind].hint
}

// IsSecurityViolation reports whether the failure indicates an attack or a forged proof.
func (e *Error) IsSecurityViolation() bool {
	return kinds[e.Kind].violation
}

// IsClockSkewError reports whether the failure is about proof timing.
func (e *Error) IsClockSkewError() bool {
	return e.Kind == KindClockSkewTooLarge || e.Kind == KindProofExpired
}

// IsCryptographicError reports whether the failure came from key material or signatures.
func (e *Error) IsCryptographicError() bool {
	return e.Kind == KindCryptographicError || e.Kind == KindProofValidationFailed
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err's chain contains a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
