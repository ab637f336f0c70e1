// Package gateway defines domain types and interfaces for the Gatewayz
// inference gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// --- Wire types (OpenAI-compatible) ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	Provider         string          `json:"provider,omitempty"` // preferred provider hint
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message. Content stays raw so multimodal parts
// survive translation untouched.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID           string        `json:"id"`
	Object       string        `json:"object"`
	Created      int64         `json:"created"`
	Model        string        `json:"model"`
	Choices      []Choice      `json:"choices"`
	Usage        *Usage        `json:"usage,omitempty"`
	GatewayUsage *GatewayUsage `json:"gateway_usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GatewayUsage is the gateway-side accounting block appended to successful responses.
type GatewayUsage struct {
	TokensCharged    int     `json:"tokens_charged"`
	RequestMs        int64   `json:"request_ms"`
	UserBalanceAfter string  `json:"user_balance_after"`
	UserAPIKey       string  `json:"user_api_key"` // prefix only
	Provider         string  `json:"provider,omitempty"`
	CostCredits      string  `json:"cost_credits,omitempty"`
	Trial            bool    `json:"trial,omitempty"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data payload, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// ImageRequest represents an image generation request. Unknown provider-specific
// fields are carried through in Extra (closed set for chat, open for images).
type ImageRequest struct {
	Prompt   string          `json:"prompt"`
	Model    string          `json:"model,omitempty"`
	Size     string          `json:"size,omitempty"`
	N        int             `json:"n,omitempty"`
	Quality  string          `json:"quality,omitempty"`
	Style    string          `json:"style,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Extra    json.RawMessage `json:"-"`
}

// ImageDatum is a single generated image.
type ImageDatum struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// ImageResponse is the normalized image generation response.
type ImageResponse struct {
	Created      int64         `json:"created"`
	Data         []ImageDatum  `json:"data"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	GatewayUsage *GatewayUsage `json:"gateway_usage,omitempty"`
}

// --- Persisted entities ---

// SubscriptionStatus enumerates user lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

// User is the owning principal behind one or more API keys.
// Credits are fixed-point: stored as micro-credits, exposed as decimal.
type User struct {
	ID              string             `json:"id"`
	IdentitySubject string             `json:"identity_subject"`
	Email           string             `json:"email"`
	Credits         decimal.Decimal    `json:"credits"`
	Subscription    SubscriptionStatus `json:"subscription_status"`
	TrialEndAt      *time.Time         `json:"trial_end_at,omitempty"`
	IsActive        bool               `json:"is_active"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Environment tags carried by API key secrets.
const (
	EnvLive    = "live"
	EnvTest    = "test"
	EnvStaging = "staging"
	EnvDev     = "development"
)

// SecretPrefix is the prefix for all Gatewayz API key secrets; an environment
// segment follows (gw_live_..., gw_test_..., gw_staging_..., gw_dev_...).
const SecretPrefix = "gw_"

// EnvironmentFromSecret extracts the environment tag from a key secret.
// Unknown or missing segments default to live.
func EnvironmentFromSecret(secret string) string {
	rest, ok := strings.CutPrefix(secret, SecretPrefix)
	if !ok {
		return EnvLive
	}
	switch {
	case strings.HasPrefix(rest, "test_"):
		return EnvTest
	case strings.HasPrefix(rest, "staging_"):
		return EnvStaging
	case strings.HasPrefix(rest, "dev_"):
		return EnvDev
	default:
		return EnvLive
	}
}

// EnvironmentMultiplier returns the plan-limit multiplier for an environment tag.
// Non-live environments run at half the configured limits.
func EnvironmentMultiplier(env string) float64 {
	if env == EnvLive || env == "" {
		return 1.0
	}
	return 0.5
}

// ScopeMap maps an action to the resources it may touch. "*" is a wildcard on
// either side. An empty map is default-allow for back-compat with unscoped keys.
type ScopeMap map[string][]string

// Allows reports whether the scope map permits action on resource.
func (s ScopeMap) Allows(action, resource string) bool {
	if len(s) == 0 {
		return true
	}
	for _, key := range []string{action, "*"} {
		resources, ok := s[key]
		if !ok {
			continue
		}
		for _, r := range resources {
			if r == "*" || r == resource {
				return true
			}
		}
	}
	return false
}

// APIKey represents an API key credential.
type APIKey struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Secret           string     `json:"-"` // opaque, never exposed
	Name             string     `json:"name"`
	IsActive         bool       `json:"is_active"`
	IsPrimary        bool       `json:"is_primary"`
	EnvironmentTag   string     `json:"environment_tag"`
	Scopes           ScopeMap   `json:"scopes,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	MaxRequests      *int64     `json:"max_requests,omitempty"`
	RequestsUsed     int64      `json:"requests_used"`
	IPAllowlist      []string   `json:"ip_allowlist,omitempty"`
	RefererAllowlist []string   `json:"referer_allowlist,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Prefix returns the display prefix of the key secret (first 12 chars).
func (k *APIKey) Prefix() string {
	if len(k.Secret) <= 12 {
		return k.Secret
	}
	return k.Secret[:12]
}

// Usable reports whether the key may authenticate at the given instant.
func (k *APIKey) Usable(now time.Time) error {
	if !k.IsActive {
		return ErrKeyInactive
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return ErrKeyExpired
	}
	if k.MaxRequests != nil && k.RequestsUsed >= *k.MaxRequests {
		return ErrKeyLimitReached
	}
	return nil
}

// PlanType enumerates subscription plan tiers.
type PlanType string

const (
	PlanFree      PlanType = "free"
	PlanDev       PlanType = "dev"
	PlanTeam      PlanType = "team"
	PlanCustomize PlanType = "customize"
)

// Plan is a subscription plan with request/token budgets.
type Plan struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Type                  PlanType        `json:"type"`
	DailyRequestLimit     int64           `json:"daily_request_limit"`
	MonthlyRequestLimit   int64           `json:"monthly_request_limit"`
	DailyTokenLimit       int64           `json:"daily_token_limit"`
	MonthlyTokenLimit     int64           `json:"monthly_token_limit"`
	MaxConcurrentRequests int             `json:"max_concurrent_requests"`
	Features              []string        `json:"features,omitempty"`
	Price                 decimal.Decimal `json:"price"`
	IsActive              bool            `json:"is_active"`
}

// UserPlan is the assignment of a plan to a user. At most one active per user.
type UserPlan struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	PlanID    string     `json:"plan_id"`
	StartedAt time.Time  `json:"started_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// WindowKind enumerates rate-limit window granularities.
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowHour   WindowKind = "hour"
	WindowDay    WindowKind = "day"
)

// Truncate returns the window start containing t for this kind.
func (k WindowKind) Truncate(t time.Time) time.Time {
	switch k {
	case WindowMinute:
		return t.Truncate(time.Minute)
	case WindowHour:
		return t.Truncate(time.Hour)
	default:
		y, m, d := t.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// Duration returns the span of the window kind.
func (k WindowKind) Duration() time.Duration {
	switch k {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// RateWindow is a persisted sliding-window counter row.
type RateWindow struct {
	KeyID       string     `json:"key_id"`
	Kind        WindowKind `json:"window_kind"`
	WindowStart time.Time  `json:"window_start"`
	Requests    int64      `json:"requests_count"`
	Tokens      int64      `json:"tokens_count"`
}

// UsageRecord represents a single accepted request. Exactly one per accepted
// request; request_id is globally unique.
type UsageRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	KeyID            string          `json:"key_id"`
	Model            string          `json:"model"`    // canonical id
	Provider         string          `json:"provider"` // selected provider name
	PromptTokens     int             `json:"tokens_prompt"`
	CompletionTokens int             `json:"tokens_completion"`
	Cost             decimal.Decimal `json:"cost"`
	LatencyMs        int64           `json:"latency_ms"`
	RequestID        string          `json:"request_id"`
	FinishReason     string          `json:"finish_reason,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// AuditEntry is an append-only security/operations event.
type AuditEntry struct {
	UserID  string          `json:"user_id,omitempty"`
	KeyID   string          `json:"key_id,omitempty"`
	Action  string          `json:"action"`
	Details json.RawMessage `json:"details,omitempty"`
	IP      string          `json:"ip,omitempty"`
	At      time.Time       `json:"at"`
}

// Audit actions.
const (
	AuditKeyCreated        = "key_created"
	AuditKeyUpdated        = "key_updated"
	AuditKeyDeleted        = "key_deleted"
	AuditKeyRotated        = "key_rotated"
	AuditPlanAssigned      = "plan_assigned"
	AuditRateLimitTrip     = "rate_limit_violation"
	AuditSecurityViolation = "security_violation"
	AuditLimiterFailOpen   = "rate_limiter_fail_open"
	AuditCreditOverspend   = "credit_overspend"
	AuditTrialConverted    = "trial_converted"
)

// --- Credit arithmetic ---

// MicroCredit is the fixed-point storage unit: one millionth of a credit.
const MicroCredit = 1_000_000

// CreditsFromMicro converts a stored micro-credit integer to a decimal balance.
func CreditsFromMicro(micro int64) decimal.Decimal {
	return decimal.New(micro, -6)
}

// MicroFromCredits converts a decimal credit amount to micro-credits,
// rounding half up at the sixth decimal place.
func MicroFromCredits(d decimal.Decimal) int64 {
	return d.Shift(6).Round(0).IntPart()
}

// FallbackCreditPerToken is the legacy flat conversion used when a provider
// declares no pricing: 0.00002 credits per token.
var FallbackCreditPerToken = decimal.New(2, -5)

// --- Context plumbing ---

// Principal is the authenticated caller attached to request context.
type Principal struct {
	User   *User
	Key    *APIKey
	Scopes ScopeMap
	Env    string // environment tag derived from the key secret
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// PrincipalFromContext extracts the authenticated principal from ctx, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithPrincipal stores the principal in the existing requestMeta when
// present, avoiding a new context.WithValue allocation.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
