// Package auth implements the API key access gate. Keys are validated against
// the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// store is the lookup surface the gate needs.
type store interface {
	GetKeyBySecret(ctx context.Context, secret string) (*gateway.APIKey, error)
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	TouchKeyUsed(ctx context.Context, keyID string) error
}

// AuditSink records security events without blocking.
type AuditSink interface {
	Record(ctx context.Context, e *gateway.AuditEntry)
}

// cacheEntry pairs a key with its owning user so one lookup serves both.
type cacheEntry struct {
	key  *gateway.APIKey
	user *gateway.User
}

// RequestMeta is the per-request client metadata checked by the gate.
type RequestMeta struct {
	ClientIP  string
	Referer   string
	UserAgent string
}

// Gate authenticates bearer secrets and enforces key access controls.
type Gate struct {
	store         store
	audit         AuditSink
	cache         *otter.Cache[string, *cacheEntry]
	keyIDToSecret sync.Map // keyID -> secret for cache invalidation by key ID
	now           func() time.Time
}

// NewGate returns a Gate backed by store. audit may be nil.
func NewGate(s store, audit AuditSink) (*Gate, error) {
	c, err := otter.New(&otter.Options[string, *cacheEntry]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *cacheEntry](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Gate{store: s, audit: audit, cache: c, now: time.Now}, nil
}

// Authenticate resolves a bearer secret to a Principal, enforcing the key's
// access controls in order: active, expiry, request cap, IP allowlist,
// referer allowlist. The first failed check rejects with its specific reason.
func (g *Gate) Authenticate(ctx context.Context, secret string, meta RequestMeta) (*gateway.Principal, error) {
	if !strings.HasPrefix(secret, gateway.SecretPrefix) {
		return nil, gateway.ErrInvalidCredential
	}

	entry, ok := g.cache.GetIfPresent(secret)
	if !ok {
		var err error
		entry, err = g.lookup(ctx, secret)
		if err != nil {
			return nil, err
		}
		g.cache.Set(secret, entry)
		g.keyIDToSecret.Store(entry.key.ID, secret)
	}

	key, user := entry.key, entry.user
	if !user.IsActive {
		return nil, gateway.ErrUserDisabled
	}
	if err := key.Usable(g.now()); err != nil {
		if errors.Is(err, gateway.ErrKeyExpired) {
			g.cache.Invalidate(secret)
		}
		return nil, err
	}
	if err := g.checkClient(ctx, key, meta); err != nil {
		return nil, err
	}

	// Touch last-used best-effort; never on the request path.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		g.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return &gateway.Principal{
		User:   user,
		Key:    key,
		Scopes: key.Scopes,
		Env:    gateway.EnvironmentFromSecret(key.Secret),
	}, nil
}

func (g *Gate) lookup(ctx context.Context, secret string) (*cacheEntry, error) {
	key, err := g.store.GetKeyBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrInvalidCredential
		}
		return nil, err
	}

	// The store lookup already matched on the secret; compare again in
	// constant time to guard against collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
		return nil, gateway.ErrInvalidCredential
	}

	user, err := g.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrInvalidCredential
		}
		return nil, err
	}
	return &cacheEntry{key: key, user: user}, nil
}

// checkClient enforces the IP and referer allowlists. IP matching is exact;
// referer matching accepts any list entry appearing as a substring.
func (g *Gate) checkClient(ctx context.Context, key *gateway.APIKey, meta RequestMeta) error {
	if len(key.IPAllowlist) > 0 && !slices.Contains(key.IPAllowlist, meta.ClientIP) {
		g.securityViolation(ctx, key, meta, "ip_not_allowed")
		return gateway.ErrIPNotAllowed
	}
	if len(key.RefererAllowlist) > 0 {
		allowed := false
		for _, ref := range key.RefererAllowlist {
			if ref != "" && strings.Contains(meta.Referer, ref) {
				allowed = true
				break
			}
		}
		if !allowed {
			g.securityViolation(ctx, key, meta, "referer_not_allowed")
			return gateway.ErrRefererNotAllowed
		}
	}
	return nil
}

func (g *Gate) securityViolation(ctx context.Context, key *gateway.APIKey, meta RequestMeta, reason string) {
	if g.audit == nil {
		return
	}
	details, _ := json.Marshal(map[string]string{
		"reason":  reason,
		"referer": meta.Referer,
	})
	g.audit.Record(ctx, &gateway.AuditEntry{
		UserID:  key.UserID,
		KeyID:   key.ID,
		Action:  gateway.AuditSecurityViolation,
		Details: details,
		IP:      meta.ClientIP,
	})
}

// InvalidateByKeyID removes a cached key by its ID. Used when admin
// operations modify or delete a key.
func (g *Gate) InvalidateByKeyID(keyID string) {
	if secret, ok := g.keyIDToSecret.LoadAndDelete(keyID); ok {
		g.cache.Invalidate(secret.(string))
	}
}

// Authorize reports whether the scope map permits action on resource.
// An empty map is default-allow.
func Authorize(scopes gateway.ScopeMap, action, resource string) bool {
	return scopes.Allows(action, resource)
}

// AdminAuthorize compares a presented credential against the configured admin
// secret in constant time. An empty configured secret disables admin access.
func AdminAuthorize(configured, presented string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
