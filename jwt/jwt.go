package jwt

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ftauth/dpop/util/base64url"
)

// Token is a compact-serialized JSON Web Signature whose payload
// carries the DPoP claims.
type Token struct {
	raw          string  // cached raw string
	signingInput string  // header.payload exactly as received or produced
	Header       *Header // The header values
	Claims       *Claims // The claims
	Signature    []byte  // The signature of the token
}

// Common JWT processing errors
var (
	ErrUnsignedToken        = errors.New("unsigned tokens not allowed")
	ErrInvalidJWTFormat     = errors.New("invalid JWT format")
	ErrInvalidHeaderFormat  = errors.New("invalid header format")
	ErrInvalidPayloadFormat = errors.New("invalid payload format")
	ErrMismatchedAlgorithms = errors.New("algorithms do not match between key and token")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidKeyFormat     = errors.New("invalid JWK format")
)

// Header holds the JWS header of a proof.
type Header struct {
	Type      Type      `json:"typ,omitempty"` // dpop+jwt
	Algorithm Algorithm `json:"alg,omitempty"` // Required
	JWK       *Key      `json:"jwk,omitempty"` // Required for DPoP tokens
	KeyID     string    `json:"kid,omitempty"`
}

// Claims holds the claims a DPoP proof provides.
type Claims struct {
	JwtID    string `json:"jti,omitempty"` // Unique identifier of the proof
	IssuedAt int64  `json:"iat,omitempty"` // Unix seconds

	HTTPMethod      string `json:"htm,omitempty"`   // The HTTP method for the request to which the JWT is attached
	HTTPURI         string `json:"htu,omitempty"`   // The HTTP URI used for the request, without query and fragment parts
	AccessTokenHash string `json:"ath,omitempty"`   // base64url SHA-256 of the access token
	Nonce           string `json:"nonce,omitempty"` // Server-provided nonce
}

// IssuedAtTime returns the iat claim as a time.
func (c *Claims) IssuedAtTime() time.Time {
	return time.Unix(c.IssuedAt, 0)
}

// IssuedBeforeAgo returns true if the token was issued more than d before now.
func (t *Token) IssuedBeforeAgo(d time.Duration, now time.Time) bool {
	return t.Claims.IssuedAtTime().Before(now.Add(-d))
}

func (t *Token) encodeUnsigned() (string, error) {
	header, err := json.Marshal(t.Header)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(t.Claims)
	if err != nil {
		return "", err
	}

	return base64url.Encode(header) + "." + base64url.Encode(payload), nil
}

// Raw returns the raw token string. Must run Encode first on generated tokens.
func (t *Token) Raw() (string, error) {
	if t.raw != "" {
		return t.raw, nil
	}

	return "", ErrMustEncodeFirst
}

// Encode signs and encodes the token for transfer on the wire. The key's
// algorithm must be the one declared in the header.
func (t *Token) Encode(key *Key) (string, error) {
	if t.Header == nil || t.Claims == nil {
		return "", ErrInvalidJWTFormat
	}
	if key == nil || t.Header.Algorithm != key.Algorithm {
		return "", ErrMismatchedAlgorithms
	}

	unsigned, err := t.encodeUnsigned()
	if err != nil {
		return "", err
	}

	signer := key.Signer()
	signed, err := signer([]byte(unsigned))
	if err != nil {
		return "", err
	}

	t.signingInput = unsigned
	t.Signature = signed
	t.raw = unsigned + "." + base64url.Encode(signed)
	return t.raw, nil
}

// Decode parses a compact token. It does not verify the signature.
func Decode(token string) (*Token, error) {
	fields := strings.Split(token, ".")
	if len(fields) == 2 {
		return nil, ErrUnsignedToken
	}
	if len(fields) != 3 {
		return nil, ErrInvalidJWTFormat
	}
	if fields[2] == "" {
		return nil, ErrUnsignedToken
	}

	headerJSON, err := base64url.Decode(fields[0])
	if err != nil {
		return nil, ErrInvalidHeaderFormat
	}
	// The embedded JWK is decoded on its own so malformed key material
	// can be told apart from a malformed header.
	var rawHeader struct {
		Header
		JWK json.RawMessage `json:"jwk,omitempty"`
	}
	if err := json.Unmarshal(headerJSON, &rawHeader); err != nil {
		return nil, ErrInvalidHeaderFormat
	}
	header := rawHeader.Header
	if len(rawHeader.JWK) > 0 && string(rawHeader.JWK) != "null" {
		var jwk Key
		if err := json.Unmarshal(rawHeader.JWK, &jwk); err != nil {
			return nil, ErrInvalidKeyFormat
		}
		header.JWK = &jwk
	}

	payloadJSON, err := base64url.Decode(fields[1])
	if err != nil {
		return nil, ErrInvalidPayloadFormat
	}
	var payload Claims
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, ErrInvalidPayloadFormat
	}

	signature, err := base64url.Decode(fields[2])
	if err != nil {
		return nil, ErrInvalidSignature
	}

	return &Token{
		raw:          token,
		signingInput: fields[0] + "." + fields[1],
		Header:       &header,
		Claims:       &payload,
		Signature:    signature,
	}, nil
}

// Verify checks the JWT signature against the provided key over the
// signing input exactly as it was received.
func (t *Token) Verify(key *Key) error {
	if key == nil {
		return ErrMissingPublicKey
	}
	// Verify the algorithm of the key matches that of the token
	if t.Header.Algorithm != key.Algorithm {
		return ErrMismatchedAlgorithms
	}
	if t.signingInput == "" {
		return ErrMustEncodeFirst
	}

	verifier := key.Verifier()
	if err := verifier([]byte(t.signingInput), t.Signature); err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			return ErrInvalidSignature
		}
		return err
	}

	return nil
}
