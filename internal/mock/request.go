package mock

import (
	"github.com/gofrs/uuid"
)

func uuidMust() string {
	id, err := uuid.NewV4()
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Request is a protected resource request used across tests.
type Request struct {
	Method      string
	URI         string
	AccessToken string
}

// Mock requests
var (
	ResourceRequest = Request{
		Method:      "GET",
		URI:         "https://api.example.com/resource",
		AccessToken: "eyJhbGciOiJSUzI1NiJ9." + uuidMust(),
	}

	TokenRequest = Request{
		Method: "POST",
		URI:    "https://auth.example.com/token",
	}

	// AccessToken is the example token from RFC 9449 section 7.1.
	AccessToken = "Kz~8mXK1EalYznwH-LC-1fBAo.4Ljp~zsPE_NeO.gxU"

	// AccessTokenHash is base64url(SHA-256(AccessToken)).
	AccessTokenHash = "fUHyO2r2Z3DZ53EsNrWBb0xWXoaNy59IiKCAqksmQEo"
)

// ClientID returns a fresh random client id.
func ClientID() string {
	return uuidMust()
}
