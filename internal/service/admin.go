package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fslongjin/sandboxd/internal/clock"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/notify"
	"github.com/fslongjin/sandboxd/internal/store"
)

// AdminService owns the admin set and the global settings. Both are kept in
// memory and written through to the registry on every change.
type AdminService struct {
	admins   *store.AdminStore
	settings *store.SettingsStore
	clock    clock.Clock

	mu       sync.RWMutex
	adminSet map[model.Principal]bool
	values   map[string]string
	notifier notify.Notifier
}

func NewAdminService(admins *store.AdminStore, settings *store.SettingsStore, clk clock.Clock) *AdminService {
	if clk == nil {
		clk = clock.Real()
	}
	return &AdminService{
		admins:   admins,
		settings: settings,
		clock:    clk,
		adminSet: map[model.Principal]bool{},
		values:   map[string]string{},
		notifier: notify.Discard{},
	}
}

// SetNotifier is called once the dispatcher exists, since the dispatcher
// routes through this service.
func (s *AdminService) SetNotifier(n notify.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Load reads the admin set and settings from the registry, seeding it with
// bootstrap admins and default settings that are not yet present.
func (s *AdminService) Load(ctx context.Context, bootstrap []model.Principal, defaults map[string]string) error {
	now := s.clock.Now()
	for _, p := range bootstrap {
		if !p.Valid() {
			continue
		}
		added, err := s.admins.Add(ctx, &store.AdminRecord{Principal: p, AddedBy: "bootstrap", CreatedAt: now})
		if err != nil {
			return fmt.Errorf("failed to seed admin %s: %w", p, err)
		}
		if added {
			logx.WithComponent(ctx, "admin_service").Info("bootstrap admin added", "principal", p)
		}
	}

	current, err := s.settings.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	for key, value := range defaults {
		if _, ok := current[key]; ok || !model.ValidSettingKey(key) {
			continue
		}
		if err := s.settings.Set(ctx, key, value, now); err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
		current[key] = value
	}

	list, err := s.admins.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load admins: %w", err)
	}
	set := make(map[model.Principal]bool, len(list))
	for _, a := range list {
		set[a.Principal] = true
	}

	s.mu.Lock()
	s.adminSet = set
	s.values = current
	s.mu.Unlock()
	return nil
}

func (s *AdminService) IsAdmin(p model.Principal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminSet[p]
}

func (s *AdminService) List(ctx context.Context) ([]store.AdminRecord, error) {
	return s.admins.List(ctx)
}

// AddAdmin adds principal to the admin set. There is no removal.
func (s *AdminService) AddAdmin(ctx context.Context, c Caller, principal model.Principal) (bool, error) {
	if !principal.Valid() {
		return false, invalid("principal", "is required")
	}
	added, err := s.admins.Add(ctx, &store.AdminRecord{Principal: principal, AddedBy: c.Principal, CreatedAt: s.clock.Now()})
	if err != nil {
		return false, fmt.Errorf("failed to add admin: %w", err)
	}

	s.mu.Lock()
	s.adminSet[principal] = true
	n := s.notifier
	s.mu.Unlock()

	if added {
		logx.WithComponent(ctx, "admin_service").Info("admin added", "principal", principal, "added_by", c.Principal)
		n.Notify(notify.KindLog, fmt.Sprintf("%s made %s an admin", c.Principal, principal))
	}
	return added, nil
}

// UpdateSettings writes every entry of changes. An empty value turns the
// destination off.
func (s *AdminService) UpdateSettings(ctx context.Context, c Caller, changes map[string]string) (map[string]string, error) {
	if len(changes) == 0 {
		return nil, invalid("settings", "nothing to update")
	}
	keys := make([]string, 0, len(changes))
	for key := range changes {
		if !model.ValidSettingKey(key) {
			return nil, invalid("settings", "unknown key %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := s.clock.Now()
	for _, key := range keys {
		if err := s.settings.Set(ctx, key, changes[key], now); err != nil {
			return nil, fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}

	s.mu.Lock()
	for _, key := range keys {
		s.values[key] = changes[key]
	}
	n := s.notifier
	s.mu.Unlock()

	logx.WithComponent(ctx, "admin_service").Info("settings updated", "keys", keys, "principal", c.Principal)
	n.Notify(notify.KindLog, fmt.Sprintf("%s updated settings: %v", c.Principal, keys))
	return s.Settings(), nil
}

// Settings returns a copy of the current settings.
func (s *AdminService) Settings() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Destination implements notify.Router.
func (s *AdminService) Destination(kind notify.Kind) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case notify.KindLog:
		return s.values[model.SettingLogChannel]
	case notify.KindRenewal:
		return s.values[model.SettingRenewalChannel]
	default:
		return ""
	}
}
