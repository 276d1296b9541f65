package dpophttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ftauth/dpop/dpop"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds the replay store call of each request.
const DefaultTimeout = 3 * time.Second

// Error codes of the DPoP WWW-Authenticate challenge.
const (
	ErrorInvalidDPoPProof = "invalid_dpop_proof"
	ErrorInvalidToken     = "invalid_token"
	ErrorUseDPoPNonce     = "use_dpop_nonce"
)

type contextKey string

var resultContextKey contextKey = "dpop"

// ResultFromContext returns the accepted proof of the request.
func ResultFromContext(ctx context.Context) (*dpop.ValidationResult, bool) {
	result, ok := ctx.Value(resultContextKey).(*dpop.ValidationResult)
	return result, ok
}

// AccessTokenFromContext returns the DPoP-bound access token of the request.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(accessTokenContextKey).(string)
	return token, ok && token != ""
}

var accessTokenContextKey contextKey = "access_token"

// Middleware verifies DPoP proofs on incoming requests.
type Middleware struct {
	validator *dpop.Validator
	baseURL   string
	timeout   time.Duration
	nonce     func(r *http.Request) string
	log       log.FieldLogger
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithBaseURL sets the public URL of the server, used to build htu.
func WithBaseURL(baseURL string) MiddlewareOption {
	return func(m *Middleware) {
		m.baseURL = baseURL
	}
}

// WithTimeout bounds the validation of each request.
func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(m *Middleware) {
		m.timeout = timeout
	}
}

// WithServerNonce makes the middleware require the nonce returned by
// nonce for each request. Requests without it are answered with a
// use_dpop_nonce challenge carrying a DPoP-Nonce header.
func WithServerNonce(nonce func(r *http.Request) string) MiddlewareOption {
	return func(m *Middleware) {
		m.nonce = nonce
	}
}

// WithLogger sets the request logger.
func WithLogger(l log.FieldLogger) MiddlewareOption {
	return func(m *Middleware) {
		m.log = l
	}
}

// NewMiddleware creates a middleware factory around v.
func NewMiddleware(v *dpop.Validator, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		validator: v,
		timeout:   DefaultTimeout,
		log:       log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// errorResponse is the JSON body of rejected requests.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (m *Middleware) challenge(w http.ResponseWriter, status int, code, description string) {
	params := []string{`algs="ES256 RS256 PS256"`}
	if code != "" {
		params = append(params, `error="`+code+`"`)
	}
	if description != "" {
		params = append(params, `error_description="`+description+`"`)
	}
	w.Header().Set(HeaderWWWAuthenticate, AuthScheme+" "+strings.Join(params, ", "))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if code != "" {
		json.NewEncoder(w).Encode(errorResponse{Error: code, ErrorDescription: description})
	}
}

// DPoPAuthenticated protects endpoints by requiring a valid DPoP proof. An
// Authorization header, when present, must use the DPoP scheme and its
// token is bound to the proof through ath.
func (m *Middleware) DPoPAuthenticated() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proof, err := ProofHeader(r)
			if errors.Is(err, ErrEmptyHeader) {
				m.challenge(w, http.StatusUnauthorized, "", "")
				return
			}
			if err != nil {
				m.challenge(w, http.StatusBadRequest, ErrorInvalidDPoPProof, err.Error())
				return
			}

			var accessToken string
			if authHeader := r.Header.Get(HeaderAuthorization); authHeader != "" {
				accessToken, err = ParseDPoPAuthorizationHeader(authHeader)
				if err != nil {
					m.log.WithError(err).Debug("Rejected Authorization header")
					m.challenge(w, http.StatusUnauthorized, ErrorInvalidToken, err.Error())
					return
				}
			}

			var opts []dpop.ValidateOption
			if m.nonce != nil {
				nonce := m.nonce(r)
				w.Header().Set(HeaderDPoPNonce, nonce)
				opts = append(opts, dpop.WithExpectedNonce(nonce))
			}

			ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
			defer cancel()

			result, err := m.validator.ValidateProof(ctx, proof, r.Method, RequestURL(r, m.baseURL), accessToken, opts...)
			if err != nil {
				m.handleError(w, err)
				return
			}

			ctx = context.WithValue(r.Context(), resultContextKey, result)
			ctx = context.WithValue(ctx, accessTokenContextKey, accessToken)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *Middleware) handleError(w http.ResponseWriter, err error) {
	dpopErr, ok := dpop.AsError(err)
	if !ok {
		m.log.WithError(err).Error("Unexpected DPoP validation error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	switch {
	case dpopErr.Kind == dpop.KindStorageError:
		w.WriteHeader(http.StatusServiceUnavailable)
	case errors.Is(err, dpop.ErrNonceMismatch):
		m.challenge(w, http.StatusUnauthorized, ErrorUseDPoPNonce, "Authorization server requires nonce in DPoP proof")
	default:
		m.challenge(w, http.StatusUnauthorized, ErrorInvalidDPoPProof, string(dpopErr.Kind))
	}
}
