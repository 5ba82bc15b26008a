package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const discoveryPath = "/.well-known/openid-configuration"

var errNoRS256 = errors.New("oidc: issuer does not sign with RS256")

// OIDCProvider is the part of an issuer's discovery document that bearer
// token verification depends on.
type OIDCProvider struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

// SupportsRS256 reports whether tokens from this issuer can be checked
// against its JWKS. An issuer that lists no algorithms is taken to use
// RS256, the discovery default.
func (p *OIDCProvider) SupportsRS256() bool {
	if len(p.IDTokenSigningAlgValues) == 0 {
		return true
	}
	for _, alg := range p.IDTokenSigningAlgValues {
		if alg == "RS256" {
			return true
		}
	}
	return false
}

var discoveryClient = &http.Client{Timeout: 10 * time.Second}

// DiscoverOIDC loads {issuer}/.well-known/openid-configuration. The document
// must name the same issuer the tokens will carry, publish a jwks_uri and
// allow RS256.
func DiscoverOIDC(ctx context.Context, issuerURL string) (*OIDCProvider, error) {
	issuer := strings.TrimRight(issuerURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+discoveryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("oidc: discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := discoveryClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc: fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc: discovery returned status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("oidc: decode discovery document: %w", err)
	}
	switch {
	case p.JWKSURI == "":
		return nil, errors.New("oidc: discovery document has no jwks_uri")
	case strings.TrimRight(p.Issuer, "/") != issuer:
		return nil, fmt.Errorf("oidc: discovery issuer %q does not match AUTH_ISSUER %q", p.Issuer, issuerURL)
	case !p.SupportsRS256():
		return nil, errNoRS256
	}
	return &p, nil
}
