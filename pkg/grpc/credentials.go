package dpopgrpc

import (
	"context"
	"strings"

	"github.com/ftauth/dpop/dpop"
	dpophttp "github.com/ftauth/dpop/pkg/http"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/credentials"
)

// Credentials is a credentials.PerRPCCredentials that signs a proof for
// every RPC.
type Credentials struct {
	Generator *dpop.Generator

	// Source supplies DPoP-bound access tokens. Optional.
	Source oauth2.TokenSource

	// BaseURL must match the server's ServerOptions.BaseURL.
	BaseURL string

	// Insecure allows use over connections without transport security.
	Insecure bool
}

var _ credentials.PerRPCCredentials = (*Credentials)(nil)

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c *Credentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	ri, ok := credentials.RequestInfoFromContext(ctx)
	if !ok {
		return nil, errors.New("dpopgrpc: no request info in context")
	}

	var opts []dpop.ProofOption
	md := map[string]string{}
	if c.Source != nil {
		token, err := c.Source.Token()
		if err != nil {
			return nil, errors.Wrap(err, "retrieving access token")
		}
		opts = append(opts, dpop.WithAccessToken(token.AccessToken))
		md[MetadataAuthorization] = dpophttp.AuthScheme + " " + token.AccessToken
	}

	if c.BaseURL == "" {
		return nil, errors.New("dpopgrpc: Credentials' BaseURL is empty")
	}
	fullMethod := ri.Method
	if !strings.HasPrefix(fullMethod, "/") {
		fullMethod = "/" + fullMethod
	}

	proof, err := c.Generator.GenerateProof(ctx, Method, MethodURI(c.BaseURL, fullMethod), opts...)
	if err != nil {
		return nil, err
	}
	md[MetadataDPoP] = proof.String()
	return md, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c *Credentials) RequireTransportSecurity() bool {
	return !c.Insecure
}
