// Package tokens issues and validates gateway access tokens.
//
// Tokens are HS256 JWTs; the registry persists per-token state so tokens can
// be revoked and their usage tracked.
package tokens

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Entry is the stored representation of an access token. The token itself is
// never stored; only its id and a display preview.
type Entry struct {
	ID            string
	Name          string
	Preview       string
	CreatedAt     time.Time
	Active        bool
	TotalRequests int
	TotalTokens   int
}

// Store persists token entries.
type Store interface {
	SaveToken(ctx context.Context, entry Entry) error
	GetToken(ctx context.Context, id string) (*Entry, error)
	ListTokens(ctx context.Context) ([]Entry, error)
	SetTokenActive(ctx context.Context, id string, active bool) error
	RecordTokenUsage(ctx context.Context, id, model string, tokensUsed int) error
}

const issuer = "hydra"

// Registry creates, validates, and revokes access tokens.
type Registry struct {
	secret []byte
	store  Store
	clock  func() time.Time
}

// NewRegistry builds a registry over the signing secret and store.
func NewRegistry(secret string, store Store) (*Registry, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("token signing secret is required")
	}
	if store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	return &Registry{
		secret: []byte(secret),
		store:  store,
		clock:  func() time.Time { return time.Now().UTC() },
	}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Create issues a new token and persists its entry. The returned string is
// shown once and cannot be recovered later.
func (r *Registry) Create(ctx context.Context, name string) (string, Entry, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	now := r.clock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	})
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", Entry{}, fmt.Errorf("sign token: %w", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "token-" + id[:6]
	}

	entry := Entry{
		ID:        id,
		Name:      name,
		Preview:   "..." + signed[len(signed)-6:],
		CreatedAt: now,
		Active:    true,
	}
	if err := r.store.SaveToken(ctx, entry); err != nil {
		return "", Entry{}, fmt.Errorf("save token: %w", err)
	}
	return signed, entry, nil
}

// Authorize reports whether the presented token is valid and active, and
// returns its id for usage accounting.
func (r *Registry) Authorize(ctx context.Context, token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}

	parsedClaims, ok := parsed.Claims.(*claims)
	if !ok || parsedClaims.Issuer != issuer || parsedClaims.ID == "" {
		return "", false
	}

	entry, err := r.store.GetToken(ctx, parsedClaims.ID)
	if err != nil || entry == nil || !entry.Active {
		return "", false
	}
	return entry.ID, true
}

// RecordUsage adds an exchange's token cost to the token's counters.
func (r *Registry) RecordUsage(ctx context.Context, id, model string, tokensUsed int) error {
	if id == "" {
		return nil
	}
	return r.store.RecordTokenUsage(ctx, id, model, tokensUsed)
}

// List returns all token entries.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	return r.store.ListTokens(ctx)
}

// Revoke deactivates a token by id.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("token id is required")
	}
	return r.store.SetTokenActive(ctx, id, false)
}
