package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fslongjin/sandboxd/internal/clock"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/notify"
	"github.com/fslongjin/sandboxd/internal/store"
)

// SharingService manages delegation grants.
type SharingService struct {
	grants    *store.GrantStore
	sandboxes *SandboxService
	notifier  notify.Notifier
	clock     clock.Clock
}

func NewSharingService(grants *store.GrantStore, sandboxes *SandboxService, notifier notify.Notifier, clk clock.Clock) *SharingService {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SharingService{grants: grants, sandboxes: sandboxes, notifier: notifier, clock: clk}
}

func (s *SharingService) logger(ctx context.Context) *slog.Logger {
	return logx.WithComponent(ctx, "sharing_service")
}

// Share grants grantee delegated access to key. Sharing twice is a no-op and
// reports false.
func (s *SharingService) Share(ctx context.Context, c Caller, key model.Key, grantee model.Principal) (bool, error) {
	if !grantee.Valid() {
		return false, invalid("grantee", "is required")
	}
	if grantee == key.Owner {
		return false, invalid("grantee", "%s already owns %s", grantee, key)
	}
	if _, err := s.sandboxes.Resolve(ctx, key); err != nil {
		return false, err
	}
	added, err := s.grants.Create(ctx, &store.GrantRecord{
		Owner:     key.Owner,
		Number:    key.Number,
		Grantee:   grantee,
		GrantedBy: c.Principal,
		CreatedAt: s.clock.Now(),
	})
	if errors.Is(err, store.ErrNoRecord) {
		return false, notFound(key)
	}
	if err != nil {
		return false, fmt.Errorf("failed to create grant: %w", err)
	}
	if added {
		s.logger(ctx).Info("sandbox shared", "owner", key.Owner, "number", key.Number, "grantee", grantee, "principal", c.Principal)
		s.notifier.Notify(notify.KindLog, fmt.Sprintf("%s shared sandbox %s with %s", c.Principal, key, grantee))
	}
	return added, nil
}

// Unshare revokes grantee's access to key. A missing grant is NotFound.
func (s *SharingService) Unshare(ctx context.Context, c Caller, key model.Key, grantee model.Principal) error {
	if !grantee.Valid() {
		return invalid("grantee", "is required")
	}
	if _, err := s.sandboxes.Resolve(ctx, key); err != nil {
		return err
	}
	deleted, err := s.grants.Delete(ctx, key, grantee)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if !deleted {
		return fmt.Errorf("%s has no access to sandbox %s: %w", grantee, key, ErrNotFound)
	}
	s.logger(ctx).Info("sandbox unshared", "owner", key.Owner, "number", key.Number, "grantee", grantee, "principal", c.Principal)
	s.notifier.Notify(notify.KindLog, fmt.Sprintf("%s revoked %s's access to sandbox %s", c.Principal, grantee, key))
	return nil
}

// ListShared returns the sandboxes principal holds a grant on.
func (s *SharingService) ListShared(ctx context.Context, principal model.Principal) ([]model.Sandbox, error) {
	grants, err := s.grants.ListByGrantee(ctx, principal)
	if err != nil {
		return nil, err
	}
	out := make([]model.Sandbox, 0, len(grants))
	for _, g := range grants {
		sb, err := s.sandboxes.Resolve(ctx, g.Key())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *sb)
	}
	return out, nil
}

func (s *SharingService) Grants(ctx context.Context, key model.Key) ([]store.GrantRecord, error) {
	if _, err := s.sandboxes.Resolve(ctx, key); err != nil {
		return nil, err
	}
	return s.grants.ListBySandbox(ctx, key)
}

func (s *SharingService) AllGrants(ctx context.Context) ([]store.GrantRecord, error) {
	return s.grants.ListAll(ctx)
}

// grantsFor snapshots the grants on key for a single authorization decision.
func (s *SharingService) grantsFor(ctx context.Context, key model.Key) (grantSet, error) {
	set := grantSet{}
	if key.Number == 0 {
		return set, nil
	}
	grants, err := s.grants.ListBySandbox(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		set[g.Grantee] = true
	}
	return set, nil
}

type grantSet map[model.Principal]bool

func (g grantSet) HasGrant(_ model.Key, grantee model.Principal) bool {
	return g[grantee]
}
