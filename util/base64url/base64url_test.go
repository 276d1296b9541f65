package base64url

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	plaintext = "abcdefghijjklmnopqrstuvwxyz0123456789`~-_=+[]\\{}|;':\",./<>?"
	base64enc = "YWJjZGVmZ2hpamprbG1ub3BxcnN0dXZ3eHl6MDEyMzQ1Njc4OWB-LV89K1tdXHt9fDsnOiIsLi88Pj8"
)

func Test_Base64UrlEncode(t *testing.T) {
	enc := Encode([]byte(plaintext))
	require.Equal(t, base64enc, enc)
}

func Test_Base64UrlDecode(t *testing.T) {
	dec, err := Decode(base64enc)
	require.NoError(t, err)
	require.Equal(t, []byte(plaintext), dec)
}

func Test_Base64UrlDecodeRejects(t *testing.T) {
	tt := []struct {
		name  string
		input string
	}{
		{name: "Padding", input: "YQ=="},
		{name: "Standard alphabet", input: "a+b/"},
		{name: "Whitespace", input: "YW Jj"},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode(test.input)
			require.Error(t, err)
		})
	}
}

func Test_SHA256(t *testing.T) {
	// RFC 9449 section 7.1 example access token and its ath value
	token := "Kz~8mXK1EalYznwH-LC-1fBAo.4Ljp~zsPE_NeO.gxU"
	require.Equal(t, "fUHyO2r2Z3DZ53EsNrWBb0xWXoaNy59IiKCAqksmQEo", SHA256(token))
}

func Test_Equal(t *testing.T) {
	require.True(t, Equal("abc", "abc"))
	require.False(t, Equal("abc", "abd"))
	require.False(t, Equal("abc", "ab"))
}
