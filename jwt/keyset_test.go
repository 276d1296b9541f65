package jwt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeKeySet(t *testing.T) {
	tt := []struct {
		name    string
		jwks    string
		wantLen int
		wantErr bool
	}{
		{
			// RFC 7517 A.1
			name: "Public keys",
			jwks: `{"keys":
			[
			  {"kty":"EC",
			   "crv":"P-256",
			   "x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4",
			   "y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFyM",
			   "use":"enc",
			   "kid":"1"},

			  {"kty":"RSA",
			   "n": "0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw",
			   "e":"AQAB",
			   "alg":"RS256",
			   "kid":"2011-04-29"}
			]
		  }`,
			wantLen: 2,
		},
		{
			name:    "RSA without algorithm",
			jwks:    `{"keys":[{"kty":"RSA","n":"AQAB","e":"AQAB"}]}`,
			wantErr: true,
		},
		{
			name:    "Null entry",
			jwks:    `{"keys":[null]}`,
			wantErr: true,
		},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			ks, err := DecodeKeySet(test.jwks)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, ks.Keys, test.wantLen)

			for _, key := range ks.Keys {
				tp, err := key.Thumbprint()
				require.NoError(t, err)

				found, ok := ks.KeyForThumbprint(tp)
				require.True(t, ok)
				require.Equal(t, key, found)
			}
		})
	}
}
