package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorResponse(msg, code string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	e.Error.Code = code
	return e
}

// setTrialHeaders writes the remaining-budget headers trial responses carry.
func setTrialHeaders(h http.Header, endAt *time.Time, tokens, requests int64, credits string) {
	if endAt != nil {
		h["X-Trial-End-Date"] = []string{endAt.UTC().Format(time.RFC3339)}
	}
	h["X-Trial-Remaining-Tokens"] = []string{strconv.FormatInt(tokens, 10)}
	h["X-Trial-Remaining-Requests"] = []string{strconv.FormatInt(requests, 10)}
	h["X-Trial-Remaining-Credits"] = []string{credits}
}

// writeError maps a domain error to its HTTP status, machine-readable code,
// and any advisory headers, then writes the JSON body.
func writeError(w http.ResponseWriter, err error) {
	var rl *gateway.RateLimitError
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 {
			secs := int(math.Ceil(rl.RetryAfter.Seconds()))
			w.Header()["Retry-After"] = []string{strconv.Itoa(secs)}
		}
		if rl.Trial != nil {
			setTrialHeaders(w.Header(), rl.Trial.EndAt, rl.Trial.RemainingTokens,
				rl.Trial.RemainingRequests, rl.Trial.RemainingCredits)
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse(err.Error(), "rate_limit_exceeded"))
		return
	}

	var trial *gateway.TrialExpiredError
	if errors.As(err, &trial) {
		w.Header()["X-Trial-Expired"] = []string{"true"}
		setTrialHeaders(w.Header(), trial.EndAt, trial.RemainingTokens,
			trial.RemainingRequests, trial.RemainingCredits)
		writeJSON(w, http.StatusForbidden, errorResponse(err.Error(), "trial_expired"))
		return
	}

	if errors.Is(err, provider.ErrRateLimited) {
		var upstream *provider.APIError
		if errors.As(err, &upstream) && upstream.RetryAfter != "" {
			w.Header()["Retry-After"] = []string{upstream.RetryAfter}
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse(err.Error(), "upstream_rate_limited"))
		return
	}

	var insufficient *gateway.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, errorResponse(err.Error(), "insufficient_credits"))
		return
	}

	status, code := errorStatus(err)
	writeJSON(w, status, errorResponse(err.Error(), code))
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrInvalidCredential),
		errors.Is(err, gateway.ErrKeyInactive),
		errors.Is(err, gateway.ErrKeyExpired),
		errors.Is(err, gateway.ErrKeyLimitReached),
		errors.Is(err, gateway.ErrUserDisabled):
		return http.StatusUnauthorized, "invalid_api_key"
	case errors.Is(err, gateway.ErrIPNotAllowed),
		errors.Is(err, gateway.ErrRefererNotAllowed),
		errors.Is(err, gateway.ErrInsufficientScope):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, gateway.ErrPlanExpired):
		return http.StatusForbidden, "plan_expired"
	case errors.Is(err, gateway.ErrModelUnknown):
		return http.StatusNotFound, "model_not_found"
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, gateway.ErrParameterInvalid):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, gateway.ErrConcurrencyLimited):
		return http.StatusTooManyRequests, "concurrency_limit"
	case errors.Is(err, provider.ErrRateLimited):
		return http.StatusTooManyRequests, "upstream_rate_limited"
	case errors.Is(err, provider.ErrTimeout),
		errors.Is(err, provider.ErrUnavailable),
		errors.Is(err, gateway.ErrCircuitOpen),
		errors.Is(err, gateway.ErrProviderExhausted):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	case errors.Is(err, gateway.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	}

	// Other upstream failures keep the status the provider returned.
	var upstream *provider.APIError
	if errors.As(err, &upstream) {
		return upstream.StatusCode, "upstream_error"
	}
	if errors.Is(err, provider.ErrInvalidRequest) {
		return http.StatusBadRequest, "upstream_rejected"
	}
	if errors.Is(err, provider.ErrAuth) {
		return http.StatusBadGateway, "upstream_auth_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

// jsonCT is a pre-allocated header value slice. Direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
