package jwt

// Type is the media type of a JWT, carried in the "typ" header.
type Type string

// Valid JWT types
const (
	TypeJWT    Type = "JWT"
	TypeAccess Type = "at+jwt"
	TypeDPoP   Type = "dpop+jwt"
)
