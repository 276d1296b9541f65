package base64urluint

import (
	"errors"
	"math/big"

	"github.com/ftauth/dpop/util/base64url"
)

// ErrEmpty is returned when decoding an empty value.
var ErrEmpty = errors.New("empty base64urlUInt value")

// Encode returns the base64-url encoded representation
// of the big-endian octet sequence as defined in
// [RFC 7518 2](https://www.rfc-editor.org/rfc/rfc7518.html#section-2)
func Encode(i *big.Int) string {
	// The octet sequence MUST utilize the minimum number of octets
	// needed to represent the value. Zero is a single zero octet.
	b := i.Bytes()
	if len(b) == 0 {
		return base64url.Encode([]byte{0})
	}
	return base64url.Encode(b)
}

// EncodeFixed returns the base64url encoding of i left-padded with zeros
// to exactly size octets, as required for EC coordinates and private keys
// (RFC 7518 6.2.1.2).
func EncodeFixed(i *big.Int, size int) string {
	b := make([]byte, size)
	return base64url.Encode(i.FillBytes(b))
}

// Decode returns the BigInt represented by the base64url-encoded string.
func Decode(str string) (*big.Int, error) {
	if str == "" {
		return nil, ErrEmpty
	}
	b, err := base64url.Decode(str)
	if err != nil {
		return nil, err
	}
	bint := big.Int{}
	return bint.SetBytes(b), nil
}

// DecodeFixed decodes str and requires the octet string to be exactly size long.
func DecodeFixed(str string, size int) (*big.Int, error) {
	b, err := base64url.Decode(str)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, errors.New("invalid octet length")
	}
	return new(big.Int).SetBytes(b), nil
}
