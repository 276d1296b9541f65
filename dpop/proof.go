package dpop

import (
	"time"

	"github.com/ftauth/dpop/jwt"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// MaxProofSize is the default upper bound on the length of a proof.
const MaxProofSize = 8 * 1024

// Proof is a decoded DPoP proof JWT.
type Proof struct {
	token *jwt.Token
}

// ParseProof decodes a compact proof and checks its structure. It does
// not verify the signature or any request binding.
func ParseProof(raw string) (*Proof, error) {
	token, err := jwt.Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrInvalidKeyFormat):
			return nil, WrapError(KindCryptographicError, err, "decoding jwk")
		case errors.Is(err, jwt.ErrInvalidSignature):
			return nil, WrapError(KindProofValidationFailed, err, "decoding signature")
		}
		return nil, WrapError(KindInvalidProofStructure, err, "decoding proof")
	}

	p := &Proof{token: token}
	if err := p.checkStructure(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Proof) checkStructure() error {
	header, claims := p.token.Header, p.token.Claims
	if header.Type != jwt.TypeDPoP {
		return NewError(KindInvalidProofStructure, "typ must be dpop+jwt")
	}
	if header.Algorithm == "" {
		return NewError(KindInvalidProofStructure, "missing alg")
	}
	if claims.JwtID == "" {
		return NewError(KindInvalidProofStructure, "missing jti")
	}
	if _, err := uuid.FromString(claims.JwtID); err != nil {
		return NewError(KindInvalidProofStructure, "jti is not a UUID")
	}
	if claims.IssuedAt == 0 {
		return NewError(KindInvalidProofStructure, "missing iat")
	}
	if claims.IssuedAt < 0 {
		return NewError(KindInvalidProofStructure, "iat is before the epoch")
	}
	if claims.HTTPMethod == "" {
		return NewError(KindInvalidProofStructure, "missing htm")
	}
	if _, ok := httpMethods[claims.HTTPMethod]; !ok {
		return NewError(KindInvalidProofStructure, "htm is not a recognized HTTP method")
	}
	if claims.HTTPURI == "" {
		return NewError(KindInvalidProofStructure, "missing htu")
	}
	if _, err := CanonicalURI(claims.HTTPURI); err != nil {
		return err
	}
	return nil
}

// String returns the compact serialization of the proof.
func (p *Proof) String() string {
	raw, _ := p.token.Raw()
	return raw
}

// Algorithm returns the alg header.
func (p *Proof) Algorithm() jwt.Algorithm { return p.token.Header.Algorithm }

// JWK returns the embedded public key, or nil.
func (p *Proof) JWK() *jwt.Key { return p.token.Header.JWK }

// JTI returns the unique proof identifier.
func (p *Proof) JTI() string { return p.token.Claims.JwtID }

// Method returns the htm claim.
func (p *Proof) Method() string { return p.token.Claims.HTTPMethod }

// URI returns the htu claim.
func (p *Proof) URI() string { return p.token.Claims.HTTPURI }

// IssuedAt returns the iat claim.
func (p *Proof) IssuedAt() time.Time { return p.token.Claims.IssuedAtTime() }

// AccessTokenHash returns the ath claim, or "".
func (p *Proof) AccessTokenHash() string { return p.token.Claims.AccessTokenHash }

// Nonce returns the server nonce claim, or "".
func (p *Proof) Nonce() string { return p.token.Claims.Nonce }

// Header returns a copy of the JWS header.
func (p *Proof) Header() jwt.Header { return *p.token.Header }

// Claims returns a copy of the claims.
func (p *Proof) Claims() jwt.Claims { return *p.token.Claims }
