package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oremus-labs/agentdesk/internal/events"
	"github.com/oremus-labs/agentdesk/internal/metrics"
)

// Guard couples a Store with the session expiry signal.
type Guard struct {
	store  Store
	bus    *events.Bus
	logger zerolog.Logger

	// mu serialises expiry so concurrent 401s fire one signal.
	mu sync.Mutex
}

// NewGuard wraps store. bus may be nil, in which case expiry only clears the store.
func NewGuard(store Store, bus *events.Bus) *Guard {
	if store == nil {
		store = NewMemory("")
	}
	return &Guard{
		store:  store,
		bus:    bus,
		logger: log.With().Str("component", "credentials").Logger(),
	}
}

// Token returns the stored credential, or "" when none is available.
func (g *Guard) Token(ctx context.Context) string {
	token, err := g.store.Get(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("credential lookup failed; continuing unauthenticated")
		return ""
	}
	return token
}

// Set stores a new credential.
func (g *Guard) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("credentials: empty token")
	}
	if claims, err := Inspect(token); err == nil && claims.Expired(time.Now()) {
		g.logger.Warn().Time("expires_at", claims.ExpiresAt).Msg("storing a credential that has already expired")
	}
	return g.store.Set(ctx, token)
}

// Clear removes the credential without raising the expiry signal.
func (g *Guard) Clear(ctx context.Context) error {
	return g.store.Clear(ctx)
}

// Expire clears the stored credential and publishes session.expired. It
// reports whether the signal fired; it does not fire when no credential was
// stored, so a burst of 401s for one credential yields a single signal.
func (g *Guard) Expire(ctx context.Context, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	token, err := g.store.Get(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("credential lookup failed during expiry")
	}
	if token == "" {
		return false
	}
	if err := g.store.Clear(ctx); err != nil {
		g.logger.Error().Err(err).Msg("failed to clear expired credential")
	}
	metrics.ObserveSessionExpired()
	g.logger.Warn().Str("reason", reason).Msg("session expired; credential cleared")

	data := map[string]string{"reason": reason}
	if claims, err := Inspect(token); err == nil && claims.Subject != "" {
		data["subject"] = claims.Subject
	}
	// The signal must not depend on the caller's context surviving.
	if err := g.bus.Publish(context.WithoutCancel(ctx), events.Event{
		Type: events.TypeSessionExpired,
		Data: data,
	}); err != nil {
		g.logger.Warn().Err(err).Msg("failed to publish session expiry")
	}
	return true
}

// Claims is the displayable subset of a bearer token.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry before now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Inspect decodes JWT claims without verifying the signature. The backend
// remains the authority on validity; this is only used for display.
func Inspect(token string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, errors.Wrap(err, "parse bearer token")
	}
	var out Claims
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := parsed.Claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out, nil
}
