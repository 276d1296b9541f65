package dpophttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ftauth/dpop/dpop"
	"github.com/ftauth/dpop/internal/mock"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type testServer struct {
	*httptest.Server
	keys      *dpop.KeyManager
	generator *dpop.Generator
	requests  atomic.Int32
}

func newTestServer(t *testing.T, store dpop.NonceStorage, opts ...MiddlewareOption) *testServer {
	t.Helper()
	if store == nil {
		mem := dpop.NewMemoryNonceStorage()
		t.Cleanup(func() { mem.Close() })
		store = mem
	}
	validator, err := dpop.NewValidator(store, dpop.DefaultValidatorConfig())
	require.NoError(t, err)

	keys := dpop.NewKeyManager()
	t.Cleanup(keys.Close)
	generator, err := dpop.NewGenerator(keys, dpop.GeneratorConfig{})
	require.NoError(t, err)

	s := &testServer{keys: keys, generator: generator}

	r := mux.NewRouter()
	r.Use(NewMiddleware(validator, opts...).DPoPAuthenticated())
	r.HandleFunc("/resource", func(w http.ResponseWriter, r *http.Request) {
		result, ok := ResultFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		token, _ := AccessTokenFromContext(r.Context())
		json.NewEncoder(w).Encode(map[string]string{
			"thumbprint":   result.Thumbprint,
			"access_token": token,
			"method":       result.Method,
		})
	}).Methods(http.MethodGet, http.MethodPost)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.requests.Add(1)
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) proof(t *testing.T, method, path string, opts ...dpop.ProofOption) string {
	t.Helper()
	proof, err := s.generator.GenerateProof(context.Background(), method, s.URL+path, opts...)
	require.NoError(t, err)
	return proof.String()
}

func TestTransportRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	client := NewClient(s.generator, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: mock.AccessToken}))

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			req, err := http.NewRequest(method, s.URL+"/resource?q=1", nil)
			require.NoError(t, err)
			resp, err := client.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

			kp, err := s.generator.DefaultKeyPair()
			require.NoError(t, err)
			assert.Equal(t, kp.Thumbprint, body["thumbprint"])
			assert.Equal(t, mock.AccessToken, body["access_token"])
			assert.Equal(t, method, body["method"])
		})
	}
}

func TestMiddlewareRejects(t *testing.T) {
	s := newTestServer(t, nil)
	replayed := s.proof(t, http.MethodGet, "/resource")

	tt := []struct {
		name      string
		method    string
		header    func() http.Header
		status    int
		errorCode string
	}{
		{
			name:   "Missing proof",
			method: http.MethodGet,
			header: func() http.Header {
				return http.Header{}
			},
			status: http.StatusUnauthorized,
		},
		{
			name:   "Multiple proofs",
			method: http.MethodGet,
			header: func() http.Header {
				h := http.Header{}
				h.Add(HeaderDPoP, s.proof(t, http.MethodGet, "/resource"))
				h.Add(HeaderDPoP, s.proof(t, http.MethodGet, "/resource"))
				return h
			},
			status:    http.StatusBadRequest,
			errorCode: ErrorInvalidDPoPProof,
		},
		{
			name:   "Bearer scheme",
			method: http.MethodGet,
			header: func() http.Header {
				h := http.Header{}
				h.Set(HeaderDPoP, s.proof(t, http.MethodGet, "/resource", dpop.WithAccessToken(mock.AccessToken)))
				h.Set(HeaderAuthorization, "Bearer "+mock.AccessToken)
				return h
			},
			status:    http.StatusUnauthorized,
			errorCode: ErrorInvalidToken,
		},
		{
			name:   "Method mismatch",
			method: http.MethodPost,
			header: func() http.Header {
				h := http.Header{}
				h.Set(HeaderDPoP, s.proof(t, http.MethodGet, "/resource"))
				return h
			},
			status:    http.StatusUnauthorized,
			errorCode: ErrorInvalidDPoPProof,
		},
		{
			name:   "Path mismatch",
			method: http.MethodGet,
			header: func() http.Header {
				h := http.Header{}
				h.Set(HeaderDPoP, s.proof(t, http.MethodGet, "/other"))
				return h
			},
			status:    http.StatusUnauthorized,
			errorCode: ErrorInvalidDPoPProof,
		},
		{
			name:   "Unbound access token",
			method: http.MethodGet,
			header: func() http.Header {
				h := http.Header{}
				h.Set(HeaderDPoP, s.proof(t, http.MethodGet, "/resource", dpop.WithAccessToken("other")))
				h.Set(HeaderAuthorization, "DPoP "+mock.AccessToken)
				return h
			},
			status:    http.StatusUnauthorized,
			errorCode: ErrorInvalidDPoPProof,
		},
		{
			name:   "Garbage proof",
			method: http.MethodGet,
			header: func() http.Header {
				h := http.Header{}
				h.Set(HeaderDPoP, "not.a.proof")
				return h
			},
			status:    http.StatusUnauthorized,
			errorCode: ErrorInvalidDPoPProof,
		},
		{
			name:   "Replay",
			method: http.MethodGet,
			header: func() http.Header {
				h := http.Header{}
				h.Set(HeaderDPoP, replayed)
				return h
			},
			status:    http.StatusUnauthorized,
			errorCode: ErrorInvalidDPoPProof,
		},
	}

	// The first use of the replayed proof succeeds.
	req, err := http.NewRequest(http.MethodGet, s.URL+"/resource", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderDPoP, replayed)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			req, err := http.NewRequest(test.method, s.URL+"/resource", nil)
			require.NoError(t, err)
			req.Header = test.header()

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, test.status, resp.StatusCode)
			challenge := resp.Header.Get(HeaderWWWAuthenticate)
			assert.True(t, strings.HasPrefix(challenge, "DPoP "), challenge)
			if test.errorCode == "" {
				assert.NotContains(t, challenge, "error=")
				return
			}
			assert.Contains(t, challenge, `error="`+test.errorCode+`"`)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, test.errorCode, body.Error)
		})
	}
}

func TestTransportServerNonce(t *testing.T) {
	s := newTestServer(t, nil, WithServerNonce(func(r *http.Request) string {
		return "eyJ7S_zG.eyJH0-Z.HX4w-7v"
	}))
	transport := &Transport{Generator: s.generator}
	client := &http.Client{Transport: transport}

	resp, err := client.Post(s.URL+"/resource", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), s.requests.Load())

	// The nonce is remembered for the next request.
	resp, err = client.Get(s.URL + "/resource")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), s.requests.Load())
}

func TestMiddlewareServerNonceChallenge(t *testing.T) {
	s := newTestServer(t, nil, WithServerNonce(func(r *http.Request) string {
		return "server-nonce"
	}))

	req, err := http.NewRequest(http.MethodGet, s.URL+"/resource", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderDPoP, s.proof(t, http.MethodGet, "/resource"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "server-nonce", resp.Header.Get(HeaderDPoPNonce))
	assert.Contains(t, resp.Header.Get(HeaderWWWAuthenticate), `error="use_dpop_nonce"`)
}

type failingStore struct {
	dpop.NonceStorage
}

func (failingStore) StoreNonce(context.Context, string, string, string, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestMiddlewareStorageFailure(t *testing.T) {
	s := newTestServer(t, failingStore{})

	req, err := http.NewRequest(http.MethodGet, s.URL+"/resource", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderDPoP, s.proof(t, http.MethodGet, "/resource"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMiddlewareBaseURL(t *testing.T) {
	s := newTestServer(t, nil, WithBaseURL("https://api.example.com"))

	proof, err := s.generator.GenerateProof(context.Background(), http.MethodGet, "https://api.example.com/resource")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, s.URL+"/resource", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderDPoP, proof.String())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
