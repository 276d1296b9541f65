package discovery

import (
	"encoding/json"
	"net/http"

	"github.com/ftauth/dpop/dpop"
	"github.com/ftauth/dpop/jwt"
	dpophttp "github.com/ftauth/dpop/pkg/http"
	"github.com/gorilla/mux"
)

// Discovery endpoints
const (
	// ResourceMetadataEndpoint serves protected resource metadata, as defined by RFC 9728.
	ResourceMetadataEndpoint = "/.well-known/oauth-protected-resource"

	// JWKSEndpoint serves the public keys of the server's own key pairs.
	JWKSEndpoint = "/.well-known/jwks.json"
)

// ResourceMetadata describes the DPoP requirements of a protected resource.
type ResourceMetadata struct {
	Resource                      string          `json:"resource"`
	JWKSURI                       string          `json:"jwks_uri,omitempty"`
	BearerMethodsSupported        []string        `json:"bearer_methods_supported"`
	DPoPSigningAlgValuesSupported []jwt.Algorithm `json:"dpop_signing_alg_values_supported"`
	DPoPBoundAccessTokensRequired bool            `json:"dpop_bound_access_tokens_required"`
}

// NewResourceMetadata returns the metadata of the resource at baseURL.
func NewResourceMetadata(baseURL string, requireTokenBinding bool) *ResourceMetadata {
	return &ResourceMetadata{
		Resource:               baseURL,
		JWKSURI:                baseURL + JWKSEndpoint,
		BearerMethodsSupported: []string{"header"},
		DPoPSigningAlgValuesSupported: []jwt.Algorithm{
			jwt.AlgorithmECDSASHA256,
			jwt.AlgorithmRSASHA256,
			jwt.AlgorithmPSSSHA256,
		},
		DPoPBoundAccessTokensRequired: requireTokenBinding,
	}
}

// SetupRoutes configures routes for service discovery.
func SetupRoutes(r *mux.Router, metadata *ResourceMetadata, keys *dpop.KeyManager) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	r.HandleFunc(ResourceMetadataEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(metadataJSON)
	}).Methods(http.MethodOptions, http.MethodGet)

	r.Handle(JWKSEndpoint, dpophttp.KeySetHandler(keys)).Methods(http.MethodOptions, http.MethodGet)

	return nil
}
