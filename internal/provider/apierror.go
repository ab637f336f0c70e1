package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
)

// Provider failure classes. Adapters wrap upstream failures in these so the
// selector and the HTTP layer can map them without string matching.
var (
	ErrTimeout        = errors.New("provider timeout")
	ErrUnavailable    = errors.New("provider unavailable")
	ErrRateLimited    = errors.New("provider rate limited")
	ErrAuth           = errors.New("provider auth error")
	ErrInvalidRequest = errors.New("provider invalid request")
)

// APIError represents an error response from an upstream provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter string // verbatim Retry-After header, if the upstream sent one
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for failover and surfacing decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Unwrap maps status classes onto the sentinel failure classes.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrAuth
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout:
		return ErrTimeout
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrUnavailable
	case e.StatusCode >= 400:
		return ErrInvalidRequest
	default:
		return nil
	}
}

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: resp.Header.Get("Retry-After"),
	}
}

// WrapTransportErr classifies transport-level failures (no HTTP response).
func WrapTransportErr(provider string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", provider, ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %v", provider, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", provider, ErrUnavailable, err)
}
