package dpophttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ftauth/dpop/dpop"
	"github.com/ftauth/dpop/jwt"
	"github.com/pkg/errors"
)

// KeySetHandler serves the public keys of the unexpired pairs of m.
func KeySetHandler(m *dpop.KeyManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(m.PublicKeySet())
	})
}

// DownloadKeySet retrieves and deserializes the JWKS at the given URL.
func DownloadKeySet(ctx context.Context, client *http.Client, jwksURL string) (*jwt.KeySet, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s (%d): %s", http.StatusText(resp.StatusCode), resp.StatusCode, bb)
	}

	keySet, err := jwt.DecodeKeySet(string(bb))
	if err != nil {
		return nil, errors.Wrap(err, "decoding key set")
	}
	return keySet, nil
}
