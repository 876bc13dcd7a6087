package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fslongjin/sandboxd/internal/store"
)

// IssueAPIKey creates a key for a front-end client. The plain token is only
// ever returned here; the registry keeps its hash.
func IssueAPIKey(ctx context.Context, authStore *store.AuthStore, name string, ttl time.Duration) (string, *store.APIKeyRecord, error) {
	if name == "" {
		return "", nil, fmt.Errorf("api key name is required")
	}
	token, err := newKeyToken()
	if err != nil {
		return "", nil, err
	}
	rec := &store.APIKeyRecord{
		ID:      uuid.NewString(),
		Name:    name,
		Prefix:  displayPrefix(token),
		KeyHash: keyHash(token),
	}
	if ttl > 0 {
		expiresAt := time.Now().UTC().Add(ttl)
		rec.ExpiresAt = &expiresAt
	}
	if err := authStore.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return token, rec, nil
}

// EnsureBootstrapKey registers token, taken from configuration, if it is not
// known yet. An empty token is ignored.
func EnsureBootstrapKey(ctx context.Context, authStore *store.AuthStore, token string) error {
	if token == "" {
		return nil
	}
	hash := keyHash(token)
	existing, err := authStore.Lookup(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to look up bootstrap api key: %w", err)
	}
	if existing != nil {
		return nil
	}
	rec := &store.APIKeyRecord{
		ID:      uuid.NewString(),
		Name:    "bootstrap",
		Prefix:  displayPrefix(token),
		KeyHash: hash,
	}
	if err := authStore.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to store bootstrap api key: %w", err)
	}
	slog.Info("bootstrap api key registered", "prefix", rec.Prefix)
	return nil
}
