package dpop

import (
	"context"
	"crypto"
	"testing"

	"github.com/ftauth/dpop/internal/mock"
	"github.com/ftauth/dpop/util/base64url"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Proofs must verify with an independent JOSE implementation.
func TestProofVerifiesWithGolangJWT(t *testing.T) {
	for _, alg := range testAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			f := newFixture(t, alg)
			req := mock.ResourceRequest
			proof, err := f.generator.GenerateProof(context.Background(), req.Method, req.URI, WithAccessToken(req.AccessToken))
			require.NoError(t, err)

			kp, err := f.generator.DefaultKeyPair()
			require.NoError(t, err)

			token, err := gojwt.Parse(proof.String(), func(token *gojwt.Token) (interface{}, error) {
				return kp.PublicJWK().PublicKey, nil
			}, gojwt.WithValidMethods([]string{string(alg)}))
			require.NoError(t, err)
			require.True(t, token.Valid)

			assert.Equal(t, "dpop+jwt", token.Header["typ"])
			claims, ok := token.Claims.(gojwt.MapClaims)
			require.True(t, ok)
			assert.Equal(t, proof.JTI(), claims["jti"])
			assert.Equal(t, "GET", claims["htm"])
			assert.Equal(t, req.URI, claims["htu"])
			assert.Equal(t, proof.AccessTokenHash(), claims["ath"])
		})
	}
}

// The thumbprint in the validation result must match the RFC 7638
// thumbprint computed by another implementation from the header JWK.
func TestResultThumbprintMatchesJWX(t *testing.T) {
	for _, alg := range testAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			f := newFixture(t, alg)
			req := mock.ResourceRequest
			proof, err := f.generator.GenerateProof(context.Background(), req.Method, req.URI)
			require.NoError(t, err)

			result, err := f.validator.ValidateProof(context.Background(), proof.String(), req.Method, req.URI, "")
			require.NoError(t, err)

			ref, err := jwk.Import(proof.JWK().PublicKey)
			require.NoError(t, err)
			want, err := ref.Thumbprint(crypto.SHA256)
			require.NoError(t, err)
			assert.Equal(t, base64url.Encode(want), result.Thumbprint)
		})
	}
}
