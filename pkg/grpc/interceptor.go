// Package dpopgrpc carries DPoP proofs over gRPC metadata. Every RPC is
// bound as a POST to the base URL of the server joined with the full
// method name.
package dpopgrpc

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ftauth/dpop/dpop"
	dpophttp "github.com/ftauth/dpop/pkg/http"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys
const (
	MetadataDPoP          = "dpop"
	MetadataAuthorization = "authorization"
)

// Method is the htm of every RPC.
const Method = "POST"

type contextKey struct{}

// ResultFromContext returns the accepted proof of the RPC.
func ResultFromContext(ctx context.Context) (*dpop.ValidationResult, bool) {
	result, ok := ctx.Value(contextKey{}).(*dpop.ValidationResult)
	return result, ok
}

// MethodURI returns the htu of an RPC.
func MethodURI(baseURL, fullMethod string) string {
	return strings.TrimSuffix(baseURL, "/") + fullMethod
}

// ServerOptions configures the interceptor.
type ServerOptions struct {
	// BaseURL is the public URL of the server, e.g. https://api.example.com.
	BaseURL string

	// Timeout bounds validation, dpophttp.DefaultTimeout when zero.
	Timeout time.Duration
	Logger  log.FieldLogger
}

// ErrInvalidBaseURL is returned when ServerOptions.BaseURL is not an
// absolute http(s) URL.
var ErrInvalidBaseURL = errors.New("dpopgrpc: BaseURL must be an absolute http or https URL")

// UnaryServerInterceptor rejects RPCs without a valid proof.
func UnaryServerInterceptor(v *dpop.Validator, opts ServerOptions) (grpc.UnaryServerInterceptor, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, ErrInvalidBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = dpophttp.DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		proofs := md.Get(MetadataDPoP)
		switch len(proofs) {
		case 0:
			return nil, status.Error(codes.Unauthenticated, "missing DPoP proof")
		case 1:
		default:
			return nil, status.Error(codes.InvalidArgument, "multiple DPoP proofs")
		}

		var accessToken string
		if auth := md.Get(MetadataAuthorization); len(auth) > 0 {
			token, err := dpophttp.ParseDPoPAuthorizationHeader(auth[0])
			if err != nil {
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
			accessToken = token
		}

		vctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		result, err := v.ValidateProof(vctx, proofs[0], Method, MethodURI(opts.BaseURL, info.FullMethod), accessToken)
		if err != nil {
			if dpop.IsKind(err, dpop.KindStorageError) {
				logger.WithError(err).WithField("method", info.FullMethod).Error("DPoP replay store unavailable")
				return nil, status.Error(codes.Unavailable, "replay store unavailable")
			}
			dpopErr, _ := dpop.AsError(err)
			reason := "invalid DPoP proof"
			if dpopErr != nil {
				reason = reason + ": " + string(dpopErr.Kind)
			}
			return nil, status.Error(codes.Unauthenticated, reason)
		}

		return handler(context.WithValue(ctx, contextKey{}, result), req)
	}, nil
}
