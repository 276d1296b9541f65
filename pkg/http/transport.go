package dpophttp

import (
	"net/http"
	"strings"
	"sync"

	"github.com/ftauth/dpop/dpop"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Transport is an http.RoundTripper that attaches a fresh DPoP proof to
// every request and, when Source is set, a DPoP-bound access token.
//
// Server nonces received in DPoP-Nonce headers are remembered per host and
// included in later proofs. A use_dpop_nonce challenge is retried once
// when the request body can be replayed.
type Transport struct {
	// Generator signs the proofs. Required.
	Generator *dpop.Generator

	// Source supplies access tokens. Optional.
	Source oauth2.TokenSource

	// KeyPair overrides the generator's default key pair.
	KeyPair *dpop.KeyPair

	// Base is the underlying transport, http.DefaultTransport when nil.
	Base http.RoundTripper

	mu     sync.Mutex
	nonces map[string]string
}

// NewClient returns an HTTP client that sends DPoP proofs.
func NewClient(g *dpop.Generator, src oauth2.TokenSource) *http.Client {
	return &http.Client{Transport: &Transport{Generator: g, Source: src}}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) nonce(host string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonces[host]
}

func (t *Transport) setNonce(host, nonce string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nonces == nil {
		t.nonces = make(map[string]string)
	}
	t.nonces[host] = nonce
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Generator == nil {
		return nil, errors.New("dpophttp: Transport's Generator is nil")
	}

	var accessToken string
	if t.Source != nil {
		token, err := t.Source.Token()
		if err != nil {
			return nil, errors.Wrap(err, "retrieving access token")
		}
		accessToken = token.AccessToken
	}

	resp, err := t.send(req, accessToken, t.nonce(req.URL.Host))
	if err != nil {
		return nil, err
	}

	nonce := resp.Header.Get(HeaderDPoPNonce)
	if nonce == "" {
		return resp, nil
	}
	t.setNonce(req.URL.Host, nonce)
	if resp.StatusCode != http.StatusUnauthorized || !isNonceChallenge(resp) {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}
	resp.Body.Close()

	retry := req
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "rewinding request body")
		}
		retry = req.Clone(req.Context())
		retry.Body = body
	}
	return t.send(retry, accessToken, nonce)
}

func (t *Transport) send(req *http.Request, accessToken, nonce string) (*http.Response, error) {
	opts := []dpop.ProofOption{}
	if accessToken != "" {
		opts = append(opts, dpop.WithAccessToken(accessToken))
	}
	if nonce != "" {
		opts = append(opts, dpop.WithNonce(nonce))
	}
	if t.KeyPair != nil {
		opts = append(opts, dpop.WithKeyPair(t.KeyPair))
	}

	proof, err := t.Generator.GenerateProof(req.Context(), req.Method, req.URL.String(), opts...)
	if err != nil {
		return nil, err
	}

	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set(HeaderDPoP, proof.String())
	if accessToken != "" {
		r.Header.Set(HeaderAuthorization, AuthScheme+" "+accessToken)
	}
	return t.base().RoundTrip(r)
}

func isNonceChallenge(resp *http.Response) bool {
	for _, challenge := range resp.Header.Values(HeaderWWWAuthenticate) {
		if strings.Contains(challenge, `error="`+ErrorUseDPoPNonce+`"`) {
			return true
		}
	}
	return false
}
