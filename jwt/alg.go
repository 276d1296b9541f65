package jwt

import "crypto"

// Algorithm is the specific algorithm with which to sign the JWT.
type Algorithm string

// Algorithm values as defined by RFC 7518
const (
	AlgorithmHMACSHA256  Algorithm = "HS256" // recognized, never accepted for proofs
	AlgorithmRSASHA256   Algorithm = "RS256" // RSASSA-PKCS1-v1_5 using SHA-256
	AlgorithmRSASHA384   Algorithm = "RS384" // RSASSA-PKCS1-v1_5 using SHA-384
	AlgorithmRSASHA512   Algorithm = "RS512" // RSASSA-PKCS1-v1_5 using SHA-512
	AlgorithmECDSASHA256 Algorithm = "ES256" // ECDSA using P-256 and SHA-256
	AlgorithmECDSASHA384 Algorithm = "ES384" // ECDSA using P-384 and SHA-384
	AlgorithmECDSASHA512 Algorithm = "ES512" // ECDSA using P-521 and SHA-512
	AlgorithmPSSSHA256   Algorithm = "PS256" // RSASSA-PSS using SHA-256 and MGF1 with SHA-256
	AlgorithmPSSSHA384   Algorithm = "PS384" // RSASSA-PSS using SHA-384 and MGF1 with SHA-384
	AlgorithmPSSSHA512   Algorithm = "PS512" // RSASSA-PSS using SHA-512 and MGF1 with SHA-512
	AlgorithmNone        Algorithm = "none"  // No digital signature, always rejected
)

// IsValid returns nil if the algorithm is a supported asymmetric signature algorithm.
func (alg Algorithm) IsValid() error {
	if alg == "" {
		return errMissingParameter("alg")
	}
	switch alg {
	case AlgorithmRSASHA256,
		AlgorithmRSASHA384,
		AlgorithmRSASHA512,
		AlgorithmECDSASHA256,
		AlgorithmECDSASHA384,
		AlgorithmECDSASHA512,
		AlgorithmPSSSHA256,
		AlgorithmPSSSHA384,
		AlgorithmPSSSHA512:
		return nil
	case AlgorithmNone:
		fallthrough
	default:
		return errUnsupportedValue("alg", string(alg))
	}
}

// ValidForKeyType returns true if the algorithm and key type can be used together.
func (alg Algorithm) ValidForKeyType(kt KeyType) bool {
	switch kt {
	case KeyTypeRSA:
		switch alg {
		case AlgorithmRSASHA256,
			AlgorithmRSASHA384,
			AlgorithmRSASHA512,
			AlgorithmPSSSHA256,
			AlgorithmPSSSHA384,
			AlgorithmPSSSHA512:
			return true
		}
	case KeyTypeEllipticCurve:
		switch alg {
		case AlgorithmECDSASHA256,
			AlgorithmECDSASHA384,
			AlgorithmECDSASHA512:
			return true
		}
	}
	return false
}

// Curve returns the elliptic curve an ECDSA algorithm is bound to.
func (alg Algorithm) Curve() (EllipticCurve, bool) {
	switch alg {
	case AlgorithmECDSASHA256:
		return EllipticCurveP256, true
	case AlgorithmECDSASHA384:
		return EllipticCurveP384, true
	case AlgorithmECDSASHA512:
		return EllipticCurveP521, true
	}
	return "", false
}

func (alg Algorithm) hash() crypto.Hash {
	switch alg {
	case AlgorithmRSASHA256, AlgorithmPSSSHA256, AlgorithmECDSASHA256:
		return crypto.SHA256
	case AlgorithmRSASHA384, AlgorithmPSSSHA384, AlgorithmECDSASHA384:
		return crypto.SHA384
	case AlgorithmRSASHA512, AlgorithmPSSSHA512, AlgorithmECDSASHA512:
		return crypto.SHA512
	}
	return 0
}
