package dpophttp

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Header names
const (
	HeaderDPoP            = "DPoP"
	HeaderDPoPNonce       = "DPoP-Nonce"
	HeaderAuthorization   = "Authorization"
	HeaderWWWAuthenticate = "WWW-Authenticate"
)

// AuthScheme is the Authorization scheme of DPoP-bound access tokens.
const AuthScheme = "DPoP"

var (
	// ErrEmptyHeader represents an empty header.
	ErrEmptyHeader = errors.New("empty header")

	// ErrIncorrectHeaderFormat means the formatting of the header was incorrect.
	ErrIncorrectHeaderFormat = errors.New("incorrect header format")

	// ErrInvalidToken means an invalid character was present in the token.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMultipleProofs means more than one DPoP header was sent.
	ErrMultipleProofs = errors.New("multiple DPoP headers")
)

// validTokenRegex matches the token68 syntax of RFC 7235.
var validTokenRegex = regexp.MustCompile(`^[a-zA-Z0-9-._~+/]+=*$`)

// ParseDPoPAuthorizationHeader returns the access token of an
// Authorization header of the form
//
//	credentials = "DPoP" 1*SP token68
func ParseDPoPAuthorizationHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrEmptyHeader
	}
	fields := strings.Fields(authHeader)
	if len(fields) != 2 || !strings.EqualFold(fields[0], AuthScheme) {
		return "", ErrIncorrectHeaderFormat
	}
	token := fields[1]
	if !validTokenRegex.MatchString(token) {
		return "", ErrInvalidToken
	}
	return token, nil
}

// ProofHeader returns the single DPoP header of r.
func ProofHeader(r *http.Request) (string, error) {
	values := r.Header.Values(HeaderDPoP)
	switch len(values) {
	case 0:
		return "", ErrEmptyHeader
	case 1:
		if values[0] == "" {
			return "", ErrEmptyHeader
		}
		return values[0], nil
	}
	return "", ErrMultipleProofs
}

// RequestURL reconstructs the URL the client addressed. When baseURL is
// set it replaces the scheme and authority of the request, which is needed
// behind proxies.
func RequestURL(r *http.Request, baseURL string) string {
	if baseURL != "" {
		return strings.TrimSuffix(baseURL, "/") + r.URL.EscapedPath()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.EscapedPath()
}
