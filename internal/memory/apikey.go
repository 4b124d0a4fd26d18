package memory

import (
	"context"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
)

var _ auth.Repository = (*APIKeys)(nil)

// APIKeys is a fixed set of back-office keys indexed by hash.
type APIKeys struct {
	keys map[string]auth.APIKeyInfo
}

// NewAPIKeys returns a store holding keys.
func NewAPIKeys(keys ...auth.APIKeyInfo) *APIKeys {
	s := &APIKeys{keys: make(map[string]auth.APIKeyInfo, len(keys))}
	for _, k := range keys {
		s.keys[k.KeyHash] = k
	}
	return s
}

func (s *APIKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	k, ok := s.keys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &k, nil
}
