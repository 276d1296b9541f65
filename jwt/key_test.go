package jwt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7515 A.2
const rsaJWK = `{
	"kty":"RSA",
	"alg":"RS256",
	"n":"ofgWCuLjybRlzo0tZWJjNiuSfb4p4fAkd_wWJcyQoTbji9k0l8W26mPddxHmfHQp-Vaw-4qPCJrcS2mJPMEzP1Pt0Bm4d4QlL-yRT-SFd2lZS-pCgNMsD1W_YpRPEwOWvG6b32690r2jZ47soMZo9wGzjb_7OMg0LOL-bSf63kpaSHSXndS5z5rexMdbBYUsLA9e-KXBdQOS-UTo7WTBEMa2R2CapHg665xsmtdVMTBQY4uDZlxvb3qCo5ZwKh9kG4LT6_I5IhlJH7aGhyxXFvUK-DWNmoudF8NAco9_h9iaGNj8q2ethFkMLs91kzk2PAcDTW9gb54h4FRWyuXpoQ",
	"e":"AQAB",
	"d":"Eq5xpGnNCivDflJsRQBXHx1hdR1k6Ulwe2JZD50LpXyWPEAeP88vLNO97IjlA7_GQ5sLKMgvfTeXZx9SE-7YwVol2NXOoAJe46sui395IW_GO-pWJ1O0BkTGoVEn2bKVRUCgu-GjBVaYLU6f3l9kJfFNS3E0QbVdxzubSu3Mkqzjkn439X0M_V51gfpRLI9JYanrC4D4qAdGcopV_0ZHHzQlBjudU2QvXt4ehNYTCBr6XCLQUShb1juUO1ZdiYoFaFQT5Tw8bGUl_x_jTj3ccPDVZFD9pIuhLhBOneufuBiB4cS98l2SR_RQyGWSeWjnczT0QU91p1DhOVRuOopznQ",
	"p":"4BzEEOtIpmVdVEZNCqS7baC4crd0pqnRH_5IB3jw3bcxGn6QLvnEtfdUdiYrqBdss1l58BQ3KhooKeQTa9AB0Hw_Py5PJdTJNPY8cQn7ouZ2KKDcmnPGBY5t7yLc1QlQ5xHdwW1VhvKn-nXqhJTBgIPgtldC-KDV5z-y2XDwGUc",
	"q":"uQPEfgmVtjL0Uyyx88GZFF1fOunH3-7cepKmtH4pxhtCoHqpWmT8YAmZxaewHgHAjLYsp1ZSe7zFYHj7C6ul7TjeLQeZD_YwD66t62wDmpe_HlB-TnBA-njbglfIsRLtXlnDzQkv5dTltRJ11BKBBypeeF6689rjcJIDEz9RWdc"
}`

// RFC 7515 A.3
const ecJWK = `{
	"kty":"EC",
	"crv":"P-256",
	"x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU",
	"y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0",
	"d":"jpsQnnGQmL-YBIffH1136cspYG6-0iY7X1fCE9-E9LI"
}`

// RFC 7515 A.4
const ec521JWK = `{
	"kty":"EC",
	"crv":"P-521",
	"x":"AekpBQ8ST8a8VcfVOTNl353vSrDCLLJXmPk06wTjxrrjcBpXp5EOnYG_NjFZ6OvLFV1jSfS9tsz4qUxcWceqwQGk",
	"y":"ADSmRA43Z1DSNx_RvcLI87cdL07l6jQyyBXMoxVg_l2Th-x3S1WDhjDly79ajL4Kkd0AZMaZmh9ubmf63e3kyMj2",
	"d":"AY5pb7A0UFiB3RELSD64fTLOSV_jazdF7fLYyuTw8lOfRhWg6Y6rUrPAxerEzgdRhajnu0ferB0d53vM9mE15j2C"
}`

func TestParseJWK(t *testing.T) {
	tt := []struct {
		name    string
		jwk     string
		wantErr bool
	}{
		{name: "RSA private", jwk: rsaJWK},
		{name: "EC P-256 private", jwk: ecJWK},
		{name: "EC P-521 private", jwk: ec521JWK},
		{
			name: "EC public",
			jwk: `{"kty":"EC","crv":"P-256",
				"x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU",
				"y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0"}`,
		},
		{
			name:    "Symmetric",
			jwk:     `{"kty":"oct","alg":"HS256","k":"AyM1SysPpbyDfgZld3umj1qzKObwVMkoqQ-EstJQLr_T-1qS0gZH75aKtMN3Yj0iPS4hcgUuTwjAzZr1Z9CAow"}`,
			wantErr: true,
		},
		{
			name: "Point not on curve",
			jwk: `{"kty":"EC","crv":"P-256",
				"x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU",
				"y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a4"}`,
			wantErr: true,
		},
		{
			name: "Short coordinate",
			jwk: `{"kty":"EC","crv":"P-256",
				"x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVA",
				"y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0"}`,
			wantErr: true,
		},
		{
			name:    "RSA too small",
			jwk:     `{"kty":"RSA","alg":"RS256","n":"AQAB","e":"AQAB"}`,
			wantErr: true,
		},
		{
			name:    "RSA missing exponent",
			jwk:     `{"kty":"RSA","alg":"RS256","n":"AQAB"}`,
			wantErr: true,
		},
		{
			name:    "Mismatched algorithm",
			jwk:     `{"kty":"EC","alg":"RS256","crv":"P-256","x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU","y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0"}`,
			wantErr: true,
		},
		{
			name:    "Algorithm none",
			jwk:     `{"kty":"EC","alg":"none","crv":"P-256","x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU","y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0"}`,
			wantErr: true,
		},
		{
			name:    "Garbage base64",
			jwk:     `{"kty":"RSA","alg":"RS256","n":"!!!","e":"AQAB"}`,
			wantErr: true,
		},
		{
			name:    "Not JSON",
			jwk:     `{"kty":`,
			wantErr: true,
		},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			key, err := ParseJWK(test.jwk)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, key.PublicKey)
		})
	}
}

func TestSigner(t *testing.T) {
	tt := []struct {
		name    string
		jwk     string
		alg     Algorithm
		payload string
	}{
		{
			name:    "RS256",
			jwk:     rsaJWK,
			alg:     AlgorithmRSASHA256,
			payload: "eyJhbGciOiJSUzI1NiJ9.eyJpc3MiOiJqb2UiLA0KICJleHAiOjEzMDA4MTkzODAsDQogImh0dHA6Ly9leGFtcGxlLmNvbS9pc19yb290Ijp0cnVlfQ",
		},
		{
			name:    "PS256",
			jwk:     rsaJWK,
			alg:     AlgorithmPSSSHA256,
			payload: "eyJhbGciOiJQUzI1NiJ9.UGF5bG9hZA",
		},
		{
			name:    "ES256",
			jwk:     ecJWK,
			alg:     AlgorithmECDSASHA256,
			payload: "eyJhbGciOiJFUzI1NiJ9.eyJpc3MiOiJqb2UiLA0KICJleHAiOjEzMDA4MTkzODAsDQogImh0dHA6Ly9leGFtcGxlLmNvbS9pc19yb290Ijp0cnVlfQ",
		},
		{
			name:    "ES512",
			jwk:     ec521JWK,
			alg:     AlgorithmECDSASHA512,
			payload: "eyJhbGciOiJFUzUxMiJ9.UGF5bG9hZA",
		},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			key, err := ParseJWK(test.jwk)
			require.NoError(t, err)
			key.Algorithm = test.alg

			signer := key.Signer()
			signature, err := signer([]byte(test.payload))
			require.NoError(t, err)

			verifier := key.Verifier()
			assert.NoError(t, verifier([]byte(test.payload), signature))

			signature[len(signature)/2] ^= 0x01
			assert.ErrorIs(t, verifier([]byte(test.payload), signature), ErrInvalidSignature)
		})
	}
}

func TestECDSASignatureLength(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	key, err := NewJWKFromECDSAPrivateKey(priv)
	require.NoError(t, err)
	require.Equal(t, AlgorithmECDSASHA256, key.Algorithm)

	for i := 0; i < 32; i++ {
		sig, err := key.Signer()([]byte("payload"))
		require.NoError(t, err)
		require.Len(t, sig, 64)
	}

	verifier := key.Verifier()
	require.ErrorIs(t, verifier([]byte("payload"), make([]byte, 63)), ErrInvalidSignature)
	require.ErrorIs(t, verifier([]byte("payload"), nil), ErrInvalidSignature)
}

func TestVerifierWrongKeyType(t *testing.T) {
	ecKey, err := ParseJWK(ecJWK)
	require.NoError(t, err)

	// An EC key presented for an RSA algorithm never verifies
	ecKey.Algorithm = AlgorithmRSASHA256
	require.Error(t, ecKey.Verifier()([]byte("msg"), []byte("sig")))

	ecKey.Algorithm = AlgorithmNone
	require.Error(t, ecKey.Verifier()([]byte("msg"), nil))
	_, err = ecKey.Signer()([]byte("msg"))
	require.Error(t, err)
}

func TestThumbprint(t *testing.T) {
	tt := []struct {
		name string
		jwk  string
		want string
	}{
		{
			// RFC 7638 section 3.1
			name: "RSA",
			jwk: `{
				"kty": "RSA",
				"n": "0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw",
				"e": "AQAB",
				"alg": "RS256",
				"kid": "2011-04-29"
			   }`,
			want: "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs",
		},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			key, err := ParseJWK(test.jwk)
			require.NoError(t, err)

			got, err := key.Thumbprint()
			assert.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestThumbprintIgnoresOptionalMembers(t *testing.T) {
	key, err := ParseJWK(ecJWK)
	require.NoError(t, err)

	want, err := key.Thumbprint()
	require.NoError(t, err)

	pub := key.PublicJWK()
	pub.KeyID = "other"
	pub.PublicKeyUse = PublicKeyUseSignature
	got, err := pub.Thumbprint()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPublicJWK(t *testing.T) {
	key, err := ParseJWK(rsaJWK)
	require.NoError(t, err)
	require.True(t, key.HasPrivateKeyInfo())

	pub := key.PublicJWK()
	require.False(t, pub.HasPrivateKeyInfo())

	b, err := json.Marshal(pub)
	require.NoError(t, err)

	var members map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &members))
	for _, private := range []string{"d", "p", "q", "dp", "dq", "qi"} {
		assert.NotContains(t, members, private)
	}
	assert.Equal(t, "RSA", members["kty"])
	assert.Equal(t, "AQAB", members["e"])
}

func TestNewJWKFromRSAPrivateKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := NewJWKFromRSAPrivateKey(priv, AlgorithmPSSSHA256)
	require.NoError(t, err)
	require.Equal(t, KeyTypeRSA, key.KeyType)
	require.Equal(t, PublicKeyUseSignature, key.PublicKeyUse)

	_, err = NewJWKFromRSAPrivateKey(priv, AlgorithmECDSASHA256)
	require.Error(t, err)

	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	_, err = NewJWKFromRSAPrivateKey(small, AlgorithmRSASHA256)
	require.ErrorIs(t, err, ErrKeyTooSmall)
}

func TestDestroy(t *testing.T) {
	t.Run("ECDSA", func(t *testing.T) {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		key, err := NewJWKFromECDSAPrivateKey(priv)
		require.NoError(t, err)

		sig, err := key.Signer()([]byte("msg"))
		require.NoError(t, err)

		key.Destroy()
		assert.Nil(t, key.PrivateKey)
		assert.Equal(t, 0, priv.D.Cmp(big.NewInt(0)))

		_, err = key.Signer()([]byte("msg"))
		assert.ErrorIs(t, err, ErrMissingPrivateKey)

		// Verification only needs the public half
		assert.NoError(t, key.Verifier()([]byte("msg"), sig))
	})

	t.Run("RSA", func(t *testing.T) {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		key, err := NewJWKFromRSAPrivateKey(priv, AlgorithmRSASHA256)
		require.NoError(t, err)

		key.Destroy()
		assert.Nil(t, key.PrivateKey)
		assert.Zero(t, priv.D.Sign())
		for _, prime := range priv.Primes {
			assert.Zero(t, prime.Sign())
		}
	})
	t.Run("RSA parsed", func(t *testing.T) {
		key, err := ParseJWK(rsaJWK)
		require.NoError(t, err)
		priv, ok := key.PrivateKey.(*rsa.PrivateKey)
		require.True(t, ok)
		assert.Nil(t, priv.Precomputed.Dp)

		sig, err := key.Signer()([]byte("msg"))
		require.NoError(t, err)

		key.Destroy()
		assert.Nil(t, key.PrivateKey)
		assert.Zero(t, priv.D.Sign())
		assert.NoError(t, key.Verifier()([]byte("msg"), sig))
	})
}
