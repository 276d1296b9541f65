package jwt

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/ftauth/dpop/util/base64url"
	"github.com/ftauth/dpop/util/base64urluint"
)

// MinRSABits is the smallest RSA modulus accepted for signing or verification.
const MinRSABits = 2048

type bigInt big.Int

func (bi *bigInt) MarshalJSON() ([]byte, error) {
	_bi := (*big.Int)(bi)
	s := base64urluint.Encode(_bi)
	return json.Marshal(s)
}

func (bi *bigInt) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	_bi, err := base64urluint.Decode(s)
	if err != nil {
		return err
	}
	*bi = bigInt(*_bi)
	return nil
}

// Key is a JSON Web Key which holds the asymmetric key material
// used to sign or verify a JWS.
type Key struct {
	// The parsed keys. PublicKey is always present on a usable key,
	// PrivateKey only on keys able to sign.

	PublicKey  crypto.PublicKey  `json:"-"`
	PrivateKey crypto.PrivateKey `json:"-"`

	// Key details

	KeyType       KeyType        `json:"kty,omitempty"`     // required, the cryptographic algorithm family used with the key
	PublicKeyUse  PublicKeyUse   `json:"use,omitempty"`     // optional, the intended use of the public key
	KeyOperations []KeyOperation `json:"key_ops,omitempty"` // optional, list of operations this key is intended to perform
	Algorithm     Algorithm      `json:"alg,omitempty"`     // optional, algorithm intended for use with this key
	KeyID         string         `json:"kid,omitempty"`     // optional, used to match "kid" value in JWT header

	// Elliptic Curve Properties
	// For KeyTypeEllipticCurve (kty = "EC")

	Curve EllipticCurve `json:"crv,omitempty"` // required, the elliptic curve for the public key
	X     string        `json:"x,omitempty"`   // required, the fixed-length base64url-encoded x-coordinate
	Y     string        `json:"y,omitempty"`   // required, the fixed-length base64url-encoded y-coordinate

	// RSA Properties
	// For KeyTypeRSA (kty = "RSA")

	N *bigInt `json:"n,omitempty"` // required, the base64urlUint-encoded modulus
	E *bigInt `json:"e,omitempty"` // required, the base64urlUint-encoded exponent

	// Symmetric keys are never usable here; the member is decoded so they can be rejected.

	K string `json:"k,omitempty"`

	// Private key members, only read when importing a key.

	D string  `json:"d,omitempty"` // EC: fixed-length private scalar, RSA: base64urlUint private exponent
	P *bigInt `json:"p,omitempty"` // RSA first prime factor
	Q *bigInt `json:"q,omitempty"` // RSA second prime factor
}

// KeyType is the cryptographic algorithm family used with the key.
type KeyType string

// Valid values for KeyType per RFC 7518
const (
	KeyTypeEllipticCurve KeyType = "EC"
	KeyTypeRSA           KeyType = "RSA"
	KeyTypeOctet         KeyType = "oct" // recognized, never supported
)

// IsValid returns true if the key type is supported
func (typ KeyType) IsValid() bool {
	switch typ {
	case KeyTypeEllipticCurve,
		KeyTypeRSA:
		return true
	}
	return false
}

// PublicKeyUse defines the intended use of the public key.
type PublicKeyUse string

// Allowed values for PublicKeyUse as defined by RFC 7517
const (
	PublicKeyUseSignature  PublicKeyUse = "sig"
	PublicKeyUseEncryption PublicKeyUse = "enc"
)

// IsValid checks whether the given use is valid.
func (use PublicKeyUse) IsValid() error {
	switch use {
	case PublicKeyUseSignature,
		PublicKeyUseEncryption:
		return nil
	}
	return errUnsupportedValue("use", string(use))
}

// KeyOperation specifies the operation(s) for which the key
// is intended to be used.
type KeyOperation string

// Allowed values for KeyOperation as defined by RFC 7517
const (
	KeyOperationSign        KeyOperation = "sign"
	KeyOperationVerify      KeyOperation = "verify"
	KeyOperationEncrypt     KeyOperation = "encrypt"
	KeyOperationDecrypt     KeyOperation = "decrypt"
	KeyOperationWrapKey     KeyOperation = "wrapKey"
	KeyOperationUnwrapKey   KeyOperation = "unwrapKey"
	KeyOperationDeriveKey   KeyOperation = "deriveKey"
	KeyOperationDeriveBytes KeyOperation = "deriveBytes"
)

// EllipticCurve is the curve to use for elliptic curve public keys
type EllipticCurve string

// Valid EllipticCurve values per RFC 7518
const (
	EllipticCurveP256 EllipticCurve = "P-256"
	EllipticCurveP384 EllipticCurve = "P-384"
	EllipticCurveP521 EllipticCurve = "P-521"
)

// IsValid returns true if the curve is supported
func (crv EllipticCurve) IsValid() bool {
	_, _, ok := crv.params()
	return ok
}

// params returns the curve and the octet length of its coordinates.
func (crv EllipticCurve) params() (elliptic.Curve, int, bool) {
	switch crv {
	case EllipticCurveP256:
		return elliptic.P256(), 32, true
	case EllipticCurveP384:
		return elliptic.P384(), 48, true
	case EllipticCurveP521:
		return elliptic.P521(), 66, true
	}
	return nil, 0, false
}

func curveFor(c elliptic.Curve) (EllipticCurve, bool) {
	if c == nil {
		return "", false
	}
	switch c.Params().Name {
	case "P-256":
		return EllipticCurveP256, true
	case "P-384":
		return EllipticCurveP384, true
	case "P-521":
		return EllipticCurveP521, true
	}
	return "", false
}

// HasPrivateKeyInfo reports whether private key material is present,
// either as JWK members or as a parsed private key.
func (key *Key) HasPrivateKeyInfo() bool {
	return key.PrivateKey != nil || key.D != "" || key.P != nil || key.Q != nil || key.K != ""
}

// Parse builds the crypto keys from the JWK members. It never panics on
// malformed input; every problem is reported as an error.
func (key *Key) Parse() error {
	switch key.KeyType {
	case KeyTypeRSA:
		return key.parseRSA()
	case KeyTypeEllipticCurve:
		return key.parseEllipticCurve()
	case "":
		return errMissingParameter("kty")
	}
	return errUnsupportedValue("kty", string(key.KeyType))
}

func (key *Key) parseRSA() error {
	if key.N == nil {
		return errMissingParameter("n")
	}
	if key.E == nil {
		return errMissingParameter("e")
	}
	n := (*big.Int)(key.N)
	e := (*big.Int)(key.E)
	if n.BitLen() < MinRSABits {
		return ErrKeyTooSmall
	}
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > math.MaxInt32 || e.Bit(0) == 0 {
		return errInvalidParameter("e")
	}
	pub := &rsa.PublicKey{N: n, E: int(e.Int64())}
	key.PublicKey = pub

	if key.D == "" {
		return nil
	}
	d, err := base64urluint.Decode(key.D)
	if err != nil {
		return errInvalidParameter("d")
	}
	if key.P == nil {
		return errMissingParameter("p")
	}
	if key.Q == nil {
		return errMissingParameter("q")
	}
	priv := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         d,
		Primes:    []*big.Int{(*big.Int)(key.P), (*big.Int)(key.Q)},
	}
	if err := priv.Validate(); err != nil {
		return fmt.Errorf("invalid RSA private key: %w", err)
	}
	key.PrivateKey = priv
	return nil
}

func (key *Key) parseEllipticCurve() error {
	curve, size, ok := key.Curve.params()
	if !ok {
		return errInvalidParameter("crv")
	}
	if key.X == "" {
		return errMissingParameter("x")
	}
	if key.Y == "" {
		return errMissingParameter("y")
	}
	x, err := base64urluint.DecodeFixed(key.X, size)
	if err != nil {
		return errInvalidParameter("x")
	}
	y, err := base64urluint.DecodeFixed(key.Y, size)
	if err != nil {
		return errInvalidParameter("y")
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return ErrInvalidCurvePoint
	}
	key.PublicKey = pub

	if key.D == "" {
		return nil
	}
	d, err := base64urluint.DecodeFixed(key.D, size)
	if err != nil {
		return errInvalidParameter("d")
	}
	priv := &ecdsa.PrivateKey{PublicKey: *pub, D: d}
	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return errInvalidParameter("d")
	}
	if !bytes.Equal(ecdhPriv.PublicKey().Bytes(), ecdhPub.Bytes()) {
		return errInvalidParameter("d")
	}
	key.PrivateKey = priv
	return nil
}

// ParseJWK converts a JSON Web Key to a Key.
func ParseJWK(jwk string) (*Key, error) {
	var key Key
	err := json.Unmarshal([]byte(jwk), &key)
	if err != nil {
		return nil, err
	}

	if key.Algorithm == "" {
		err = key.tryParseAlgorithm()
		if err != nil {
			return nil, err
		}
	}

	err = key.IsValid()
	if err != nil {
		return nil, err
	}

	err = key.Parse()
	if err != nil {
		return nil, err
	}

	return &key, nil
}

func (key *Key) tryParseAlgorithm() error {
	switch key.KeyType {
	case KeyTypeEllipticCurve:
		switch key.Curve {
		case EllipticCurveP256:
			key.Algorithm = AlgorithmECDSASHA256
		case EllipticCurveP384:
			key.Algorithm = AlgorithmECDSASHA384
		case EllipticCurveP521:
			key.Algorithm = AlgorithmECDSASHA512
		}
	}

	if key.Algorithm == "" {
		return errMissingParameter("alg")
	}

	return nil
}

// NewJWKFromECDSAPrivateKey creates a JWK from an ECDSA private key.
// The algorithm is derived from the curve.
func NewJWKFromECDSAPrivateKey(priv *ecdsa.PrivateKey) (*Key, error) {
	if priv == nil || priv.D == nil {
		return nil, ErrNilKey
	}
	key, err := NewJWKFromECDSAPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	key.PrivateKey = priv
	return key, nil
}

// NewJWKFromECDSAPublicKey creates a JWK from an ECDSA public key.
func NewJWKFromECDSAPublicKey(pub *ecdsa.PublicKey) (*Key, error) {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil, ErrNilKey
	}
	crv, ok := curveFor(pub.Curve)
	if !ok {
		return nil, errInvalidParameter("crv")
	}
	_, size, _ := crv.params()
	key := &Key{
		PublicKey:    pub,
		KeyType:      KeyTypeEllipticCurve,
		PublicKeyUse: PublicKeyUseSignature,
		Curve:        crv,
		X:            base64urluint.EncodeFixed(pub.X, size),
		Y:            base64urluint.EncodeFixed(pub.Y, size),
	}
	if err := key.tryParseAlgorithm(); err != nil {
		return nil, err
	}
	return key, key.IsValid()
}

// NewJWKFromRSAPrivateKey creates a JWK from an RSA private key for use with alg.
func NewJWKFromRSAPrivateKey(priv *rsa.PrivateKey, alg Algorithm) (*Key, error) {
	if priv == nil {
		return nil, ErrNilKey
	}
	key, err := NewJWKFromRSAPublicKey(&priv.PublicKey, alg)
	if err != nil {
		return nil, err
	}
	key.PrivateKey = priv
	return key, nil
}

// NewJWKFromRSAPublicKey creates a JWK from an RSA public key for use with alg.
func NewJWKFromRSAPublicKey(pub *rsa.PublicKey, alg Algorithm) (*Key, error) {
	if pub == nil || pub.N == nil {
		return nil, ErrNilKey
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, ErrKeyTooSmall
	}

	e := &big.Int{}
	e.SetInt64(int64(pub.E))
	key := &Key{
		PublicKey:    pub,
		KeyType:      KeyTypeRSA,
		PublicKeyUse: PublicKeyUseSignature,
		Algorithm:    alg,
		N:            (*bigInt)(pub.N),
		E:            (*bigInt)(e),
	}
	return key, key.IsValid()
}

// PublicJWK returns a copy of the key with only its public members.
func (key *Key) PublicJWK() *Key {
	return &Key{
		PublicKey:     key.PublicKey,
		KeyType:       key.KeyType,
		PublicKeyUse:  key.PublicKeyUse,
		KeyOperations: key.KeyOperations,
		Algorithm:     key.Algorithm,
		KeyID:         key.KeyID,
		Curve:         key.Curve,
		X:             key.X,
		Y:             key.Y,
		N:             key.N,
		E:             key.E,
	}
}

// IsValid returns an error if this JWK does not have a valid structure
// per the requirements of RFC 7517.
func (key *Key) IsValid() error {
	if key.KeyType == "" {
		return errMissingParameter("kty")
	}
	if !key.KeyType.IsValid() {
		return errUnsupportedValue("kty", string(key.KeyType))
	}

	var err error
	switch key.KeyType {
	case KeyTypeEllipticCurve:
		err = key.isValidEllipticCurve()
	case KeyTypeRSA:
		err = key.isValidRSA()
	}
	if err != nil {
		return err
	}

	if key.PublicKeyUse != "" {
		err = key.PublicKeyUse.IsValid()
		if err != nil {
			return err
		}
	}

	// KeyOperations array must contain valid values and
	// must not contain duplicate values.
	seen := make(map[KeyOperation]bool)
	for _, keyOp := range key.KeyOperations {
		if seen[keyOp] {
			return errDuplicateKey(string(keyOp))
		}
		seen[keyOp] = true
		switch keyOp {
		case KeyOperationSign,
			KeyOperationVerify,
			KeyOperationEncrypt,
			KeyOperationDecrypt,
			KeyOperationWrapKey,
			KeyOperationUnwrapKey,
			KeyOperationDeriveKey,
			KeyOperationDeriveBytes:
			continue
		}
		return errInvalidParameter("key_ops")
	}

	if key.Algorithm != "" {
		err = key.Algorithm.IsValid()
		if err != nil {
			return err
		}
		if !key.Algorithm.ValidForKeyType(key.KeyType) {
			return errUnsupportedValue("alg", string(key.Algorithm))
		}
		if crv, ok := key.Algorithm.Curve(); ok && crv != key.Curve {
			return errInvalidParameter("crv")
		}
	}

	return nil
}

func (key *Key) isValidEllipticCurve() error {
	if !key.Curve.IsValid() {
		return errInvalidParameter("crv")
	}
	if key.X == "" {
		return errMissingParameter("x")
	}
	if key.Y == "" {
		return errMissingParameter("y")
	}
	return nil
}

func (key *Key) isValidRSA() error {
	if key.N == nil {
		return errMissingParameter("n")
	}
	if key.E == nil {
		return errMissingParameter("e")
	}
	return nil
}

// Signer is a function for cryptographically signing tokens.
type Signer func(b []byte) ([]byte, error)

// Signer returns a signing function based off the algorithm and private key.
func (key *Key) Signer() Signer {
	hash := key.Algorithm.hash()
	switch key.Algorithm {
	case AlgorithmRSASHA256, AlgorithmRSASHA384, AlgorithmRSASHA512:
		return key.createRSASigner(hash)
	case AlgorithmPSSSHA256, AlgorithmPSSSHA384, AlgorithmPSSSHA512:
		return key.createPSSSigner(hash)
	case AlgorithmECDSASHA256, AlgorithmECDSASHA384, AlgorithmECDSASHA512:
		return key.createECDSASigner(hash)
	}
	return func(b []byte) ([]byte, error) {
		return nil, errUnsupportedValue("alg", string(key.Algorithm))
	}
}

func digest(hash crypto.Hash, b []byte) []byte {
	hasher := hash.New()
	hasher.Write(b)
	return hasher.Sum(nil)
}

func (key *Key) createRSASigner(hash crypto.Hash) Signer {
	return func(b []byte) ([]byte, error) {
		priv, ok := key.PrivateKey.(*rsa.PrivateKey)
		if !ok || priv == nil {
			return nil, ErrMissingPrivateKey
		}
		return rsa.SignPKCS1v15(rand.Reader, priv, hash, digest(hash, b))
	}
}

func (key *Key) createPSSSigner(hash crypto.Hash) Signer {
	return func(b []byte) ([]byte, error) {
		priv, ok := key.PrivateKey.(*rsa.PrivateKey)
		if !ok || priv == nil {
			return nil, ErrMissingPrivateKey
		}
		return rsa.SignPSS(rand.Reader, priv, hash, digest(hash, b), &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       hash,
		})
	}
}

func (key *Key) createECDSASigner(hash crypto.Hash) Signer {
	return func(b []byte) ([]byte, error) {
		priv, ok := key.PrivateKey.(*ecdsa.PrivateKey)
		if !ok || priv == nil {
			return nil, ErrMissingPrivateKey
		}
		crv, ok := key.Algorithm.Curve()
		if !ok || crv != key.Curve {
			return nil, errInvalidParameter("crv")
		}
		_, octets, _ := crv.params()
		r, s, err := ecdsa.Sign(rand.Reader, priv, digest(hash, b))
		if err != nil {
			return nil, err
		}

		// JWS uses the fixed-length concatenation R || S
		buf := make([]byte, 2*octets)
		r.FillBytes(buf[:octets])
		s.FillBytes(buf[octets:])
		return buf, nil
	}
}

// Verifier is a function for verifying a signature against a public key.
type Verifier func(msg, sig []byte) error

// Verifier returns a function for verifying a signature against the public key.
func (key *Key) Verifier() Verifier {
	hash := key.Algorithm.hash()
	switch key.Algorithm {
	case AlgorithmRSASHA256, AlgorithmRSASHA384, AlgorithmRSASHA512:
		return key.createRSAVerifier(hash)
	case AlgorithmPSSSHA256, AlgorithmPSSSHA384, AlgorithmPSSSHA512:
		return key.createPSSVerifier(hash)
	case AlgorithmECDSASHA256, AlgorithmECDSASHA384, AlgorithmECDSASHA512:
		return key.createECDSAVerifier(hash)
	}
	return func(msg []byte, sig []byte) error {
		return errUnsupportedValue("alg", string(key.Algorithm))
	}
}

func (key *Key) rsaPublicKey() (*rsa.PublicKey, error) {
	pub, ok := key.PublicKey.(*rsa.PublicKey)
	if !ok || pub == nil || pub.N == nil {
		return nil, ErrMissingPublicKey
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, ErrKeyTooSmall
	}
	return pub, nil
}

func (key *Key) createRSAVerifier(hash crypto.Hash) Verifier {
	return func(msg, sig []byte) error {
		pub, err := key.rsaPublicKey()
		if err != nil {
			return err
		}
		if err := rsa.VerifyPKCS1v15(pub, hash, digest(hash, msg), sig); err != nil {
			return ErrInvalidSignature
		}
		return nil
	}
}

func (key *Key) createPSSVerifier(hash crypto.Hash) Verifier {
	return func(msg, sig []byte) error {
		pub, err := key.rsaPublicKey()
		if err != nil {
			return err
		}
		err = rsa.VerifyPSS(pub, hash, digest(hash, msg), sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
			Hash:       hash,
		})
		if err != nil {
			return ErrInvalidSignature
		}
		return nil
	}
}

func (key *Key) createECDSAVerifier(hash crypto.Hash) Verifier {
	return func(msg, sig []byte) error {
		pub, ok := key.PublicKey.(*ecdsa.PublicKey)
		if !ok || pub == nil || pub.X == nil || pub.Y == nil {
			return ErrMissingPublicKey
		}
		crv, ok := key.Algorithm.Curve()
		if !ok {
			return errUnsupportedValue("alg", string(key.Algorithm))
		}
		if actual, ok := curveFor(pub.Curve); !ok || actual != crv {
			return errInvalidParameter("crv")
		}
		_, octets, _ := crv.params()
		if len(sig) != 2*octets {
			return ErrInvalidSignature
		}

		r := new(big.Int).SetBytes(sig[:octets])
		s := new(big.Int).SetBytes(sig[octets:])
		if !ecdsa.Verify(pub, digest(hash, msg), r, s) {
			return ErrInvalidSignature
		}
		return nil
	}
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of the key.
func (key *Key) Thumbprint() (string, error) {
	// Required members only, in lexicographic order
	var s interface{}
	switch key.KeyType {
	case KeyTypeRSA:
		if key.N == nil || key.E == nil {
			return "", errMissingParameter("n")
		}
		s = struct {
			E       *bigInt `json:"e"`
			KeyType KeyType `json:"kty"`
			N       *bigInt `json:"n"`
		}{
			E:       key.E,
			KeyType: key.KeyType,
			N:       key.N,
		}
	case KeyTypeEllipticCurve:
		s = struct {
			Curve   EllipticCurve `json:"crv"`
			KeyType KeyType       `json:"kty"`
			X       string        `json:"x"`
			Y       string        `json:"y"`
		}{
			Curve:   key.Curve,
			KeyType: key.KeyType,
			X:       key.X,
			Y:       key.Y,
		}
	default:
		return "", errUnsupportedValue("kty", string(key.KeyType))
	}

	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(b)

	return base64url.Encode(digest[:]), nil
}

// Destroy overwrites the private key material in place and drops every
// reference to it. The key can still verify signatures afterwards.
//
// crypto/rsa keeps an unexported copy of keys returned by rsa.GenerateKey
// or passed to Precompute. That copy cannot be reached from here and is
// released to the garbage collector without being overwritten. Keys parsed
// from a JWK are not precomputed and carry no such copy.
func (key *Key) Destroy() {
	switch priv := key.PrivateKey.(type) {
	case *rsa.PrivateKey:
		if priv != nil {
			zeroInt(priv.D)
			for _, prime := range priv.Primes {
				zeroInt(prime)
			}
			zeroInt(priv.Precomputed.Dp)
			zeroInt(priv.Precomputed.Dq)
			zeroInt(priv.Precomputed.Qinv)
		}
	case *ecdsa.PrivateKey:
		if priv != nil {
			zeroInt(priv.D)
		}
	}
	key.PrivateKey = nil
	key.D = ""
	key.P = nil
	key.Q = nil
}

func zeroInt(i *big.Int) {
	if i == nil {
		return
	}
	words := i.Bits()
	for j := range words {
		words[j] = 0
	}
	i.SetInt64(0)
}
