// Package auth authenticates back-office API keys.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// ScopeDelivery allows advancing order delivery status.
const ScopeDelivery = "orders:delivery"

// Sentinel errors for key authentication.
var (
	ErrNotFound     = errors.New("api key not found")
	ErrUnauthorized = errors.New("invalid api key")
	ErrForbidden    = errors.New("api key lacks required scope")
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key grants scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of active API keys by their hash. A missing or
// revoked key yields ErrNotFound.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashKey returns the hex SHA-256 of a raw key, the form keys are stored in.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticator checks raw keys against a Repository.
type Authenticator struct {
	keys Repository
}

// NewAuthenticator returns an Authenticator backed by keys.
func NewAuthenticator(keys Repository) *Authenticator {
	return &Authenticator{keys: keys}
}

// Authenticate resolves key and requires it to grant scope.
func (a *Authenticator) Authenticate(ctx context.Context, key, scope string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(key))

	info, err := a.keys.FindByHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, errors.Wrap(err, "find api key")
	}

	// The store matched on the hash already; compare again in constant time
	// so a wrong row can never authenticate.
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(sum[:], stored) != 1 {
		return nil, ErrUnauthorized
	}
	if !info.HasScope(scope) {
		return nil, ErrForbidden
	}
	return info, nil
}
