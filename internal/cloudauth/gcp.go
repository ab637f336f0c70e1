package cloudauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// ResolveGCPCredentials accepts a service-account credential in any of three
// forms and returns the raw JSON: inline JSON, base64-encoded JSON, or a path
// to a JSON key file.
func ResolveGCPCredentials(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("cloudauth: empty GCP credentials")
	}
	if strings.HasPrefix(raw, "{") {
		return []byte(raw), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && strings.HasPrefix(strings.TrimSpace(string(decoded)), "{") {
		return decoded, nil
	}
	data, err := os.ReadFile(raw)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: read GCP credentials file: %w", err)
	}
	return data, nil
}

// GCPJWTTransport is an http.RoundTripper that signs a service-account JWT
// assertion, exchanges it for a bearer token, and injects the token on every
// outbound request. Tokens are cached and refreshed before expiry.
type GCPJWTTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPJWTTransport builds a transport from service-account JSON.
func NewGCPJWTTransport(ctx context.Context, base http.RoundTripper, credJSON []byte) (*GCPJWTTransport, error) {
	cfg, err := google.JWTConfigFromJSON(credJSON, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: parse GCP service account: %w", err)
	}

	// Some token endpoints answer the assertion grant with only an id_token.
	// Keep a secondary source configured to accept that shape.
	idCfg := *cfg
	idCfg.UseIDToken = true
	src := &fallbackSource{
		primary:   cfg.TokenSource(ctx),
		secondary: idCfg.TokenSource(ctx),
	}
	return &GCPJWTTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, src),
	}, nil
}

// newGCPJWTTransportFromSource creates a transport with an explicit token
// source (used for testing).
func newGCPJWTTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPJWTTransport {
	return &GCPJWTTransport{base: base, source: oauth2.ReuseTokenSource(nil, ts)}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *GCPJWTTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *GCPJWTTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

// fallbackSource tries the access-token exchange first and falls back to the
// id_token shape when the endpoint returns no access token.
type fallbackSource struct {
	primary   oauth2.TokenSource
	secondary oauth2.TokenSource
}

func (s *fallbackSource) Token() (*oauth2.Token, error) {
	tok, err := s.primary.Token()
	if err == nil && tok.AccessToken != "" {
		return tok, nil
	}
	tok2, err2 := s.secondary.Token()
	if err2 != nil {
		if err != nil {
			return nil, err
		}
		return nil, err2
	}
	return tok2, nil
}
