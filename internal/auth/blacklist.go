package auth

import (
	"context"
	"errors"
	"time"

	"github.com/praxisworks/gatewarden/internal/ephemeral"
)

const blacklistPrefix = "blacklist_jti:"

// Blacklist marks jtis as revoked for the remainder of their lifetime.
// Entries expire with the token, so the set never outgrows the number of
// live revocations.
type Blacklist struct {
	store ephemeral.Store
}

func NewBlacklist(store ephemeral.Store) *Blacklist {
	return &Blacklist{store: store}
}

// Revoke blacklists the jti until the token would have expired anyway.
// A non-positive ttl means the token is already dead; nothing to do.
func (b *Blacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.store.SetWithTTL(ctx, blacklistPrefix+jti, "1", ttl)
}

func (b *Blacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := b.store.Get(ctx, blacklistPrefix+jti)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
