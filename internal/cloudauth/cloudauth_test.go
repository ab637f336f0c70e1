package cloudauth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/oauth2"
)

// recordingTransport captures the last request for inspection.
type recordingTransport struct {
	lastReq *http.Request
}

func (rt *recordingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rt.lastReq = r
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestAPIKeyTransport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		key        string
		headerName string
		prefix     string
		extra      map[string]string
		wantHeader string
		wantValue  string
	}{
		{
			name:       "bearer auth",
			key:        "sk-test-123",
			headerName: "Authorization",
			prefix:     "Bearer ",
			wantHeader: "Authorization",
			wantValue:  "Bearer sk-test-123",
		},
		{
			name:       "portkey key header",
			key:        "pk-456",
			headerName: "x-portkey-api-key",
			wantHeader: "x-portkey-api-key",
			wantValue:  "pk-456",
		},
		{
			name:       "extra attribution headers",
			key:        "or-key",
			headerName: "Authorization",
			prefix:     "Bearer ",
			extra:      map[string]string{"HTTP-Referer": "https://gatewayz.ai"},
			wantHeader: "HTTP-Referer",
			wantValue:  "https://gatewayz.ai",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &recordingTransport{}
			transport := &APIKeyTransport{
				Key:        tt.key,
				HeaderName: tt.headerName,
				Prefix:     tt.prefix,
				Extra:      tt.extra,
				Base:       rec,
			}

			req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
			req.Header.Set("Content-Type", "application/json")

			resp, err := transport.RoundTrip(req)
			if err != nil {
				t.Fatalf("RoundTrip: %v", err)
			}
			resp.Body.Close()

			if got := rec.lastReq.Header.Get(tt.wantHeader); got != tt.wantValue {
				t.Errorf("header %q = %q, want %q", tt.wantHeader, got, tt.wantValue)
			}
			// Original request stays untouched.
			if got := req.Header.Get(tt.wantHeader); got != "" && tt.wantHeader != "Content-Type" {
				t.Errorf("original request should not have %q header, got %q", tt.wantHeader, got)
			}
			if got := rec.lastReq.Header.Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", got)
			}
		})
	}
}

func TestAPIKeyTransportNilBase(t *testing.T) {
	t.Parallel()

	transport := &APIKeyTransport{Key: "test", HeaderName: "Authorization", Prefix: "Bearer "}
	if transport.base() != http.DefaultTransport {
		t.Error("nil Base should fall back to http.DefaultTransport")
	}
}

// fakeTokenSource returns a fixed token or error.
type fakeTokenSource struct {
	token *oauth2.Token
	err   error
}

func (f *fakeTokenSource) Token() (*oauth2.Token, error) {
	return f.token, f.err
}

func TestGCPJWTTransport(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	ts := &fakeTokenSource{token: &oauth2.Token{AccessToken: "ya29.test-token"}}
	transport := newGCPJWTTransportFromSource(rec, ts)

	req, _ := http.NewRequest(http.MethodPost, "https://us-central1-aiplatform.googleapis.com/v1/...", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()

	if got := rec.lastReq.Header.Get("Authorization"); got != "Bearer ya29.test-token" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer ya29.test-token")
	}
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("original request should not have Authorization, got %q", got)
	}
}

func TestGCPJWTTransportTokenError(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	ts := &fakeTokenSource{err: errors.New("no credentials")}
	transport := newGCPJWTTransportFromSource(rec, ts)

	req, _ := http.NewRequest(http.MethodPost, "https://example.com", nil)
	if _, err := transport.RoundTrip(req); err == nil {
		t.Fatal("expected error when token source fails")
	}
}

func TestFallbackSource(t *testing.T) {
	t.Parallel()

	idTok := &oauth2.Token{AccessToken: "id-token-value"}

	// Primary succeeds.
	s := &fallbackSource{
		primary:   &fakeTokenSource{token: &oauth2.Token{AccessToken: "access"}},
		secondary: &fakeTokenSource{token: idTok},
	}
	tok, err := s.Token()
	if err != nil || tok.AccessToken != "access" {
		t.Errorf("primary path: tok=%v err=%v", tok, err)
	}

	// Primary fails, secondary id_token shape wins.
	s = &fallbackSource{
		primary:   &fakeTokenSource{err: errors.New("no access_token in response")},
		secondary: &fakeTokenSource{token: idTok},
	}
	tok, err = s.Token()
	if err != nil || tok.AccessToken != "id-token-value" {
		t.Errorf("fallback path: tok=%v err=%v", tok, err)
	}

	// Both fail: primary error surfaces.
	primaryErr := errors.New("bad assertion")
	s = &fallbackSource{
		primary:   &fakeTokenSource{err: primaryErr},
		secondary: &fakeTokenSource{err: errors.New("also bad")},
	}
	if _, err = s.Token(); !errors.Is(err, primaryErr) {
		t.Errorf("both-fail path err = %v, want primary error", err)
	}
}

func TestResolveGCPCredentials(t *testing.T) {
	t.Parallel()

	const credJSON = `{"type":"service_account","client_email":"svc@p.iam.gserviceaccount.com"}`

	got, err := ResolveGCPCredentials(credJSON)
	if err != nil || string(got) != credJSON {
		t.Errorf("inline JSON: %q, %v", got, err)
	}

	got, err = ResolveGCPCredentials(base64.StdEncoding.EncodeToString([]byte(credJSON)))
	if err != nil || string(got) != credJSON {
		t.Errorf("base64: %q, %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, []byte(credJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err = ResolveGCPCredentials(path)
	if err != nil || string(got) != credJSON {
		t.Errorf("file path: %q, %v", got, err)
	}

	if _, err := ResolveGCPCredentials(""); err == nil {
		t.Error("empty credential should error")
	}
	if _, err := ResolveGCPCredentials("/nonexistent/key.json"); err == nil {
		t.Error("missing file should error")
	}
}
