package dpop

import (
	"net"
	"net/url"
	"strings"
)

var httpMethods = map[string]struct{}{
	"GET":     {},
	"POST":    {},
	"PUT":     {},
	"DELETE":  {},
	"PATCH":   {},
	"HEAD":    {},
	"OPTIONS": {},
	"TRACE":   {},
	"CONNECT": {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// CanonicalMethod upper-cases method and checks it is a standard HTTP method.
func CanonicalMethod(method string) (string, error) {
	m := strings.ToUpper(method)
	if _, ok := httpMethods[m]; !ok {
		return "", NewError(KindInvalidProofStructure, "unsupported HTTP method")
	}
	return m, nil
}

// CanonicalURI reduces an absolute http(s) URI to the form carried in
// the htu claim: scheme://host[:port]path with the scheme and host
// lower-cased, a default port dropped and the query and fragment removed.
func CanonicalURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", WrapError(KindInvalidProofStructure, err, "malformed URI")
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := defaultPorts[scheme]; !ok {
		return "", NewError(KindInvalidProofStructure, "URI must be absolute http or https")
	}
	if u.Opaque != "" {
		return "", NewError(KindInvalidProofStructure, "opaque URI")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", NewError(KindInvalidProofStructure, "URI has no host")
	}

	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	authority := host
	if port != "" {
		authority = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		authority = "[" + host + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + authority + path, nil
}
