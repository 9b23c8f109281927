// Package policy provides the per-tenant reconciliation policy with lazily created defaults.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/validation"
)

// Store caches tenant policies in front of a PolicyRepository.
type Store struct {
	repo     domain.PolicyRepository
	defaults domain.Policy
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]domain.Policy
}

// Option customises a Store.
type Option func(*Store)

// WithDefaults replaces the built-in defaults used for new tenants.
func WithDefaults(p domain.Policy) Option {
	return func(s *Store) { s.defaults = p.Clone() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore constructs a Store.
func NewStore(repo domain.PolicyRepository, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		defaults: domain.DefaultPolicy(""),
		now:      func() time.Time { return time.Now().UTC() },
		cache:    make(map[string]domain.Policy),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the tenant policy, persisting the defaults on first access.
func (s *Store) Get(ctx context.Context, tenantID string) (domain.Policy, error) {
	if strings.TrimSpace(tenantID) == "" {
		return domain.Policy{}, domain.NewValidationError("tenant_id", "required")
	}
	s.mu.RLock()
	cached, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	stored, err := s.repo.GetPolicy(ctx, tenantID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		p := s.defaults.Clone()
		p.TenantID = tenantID
		p.UpdatedAt = s.now()
		if err := s.repo.SavePolicy(ctx, p); err != nil {
			return domain.Policy{}, fmt.Errorf("persist default policy: %w", err)
		}
		stored = &p
	default:
		return domain.Policy{}, fmt.Errorf("load policy: %w", err)
	}

	s.mu.Lock()
	s.cache[tenantID] = stored.Clone()
	s.mu.Unlock()
	return stored.Clone(), nil
}

// Update validates and stores a new policy for its tenant.
func (s *Store) Update(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	if strings.TrimSpace(p.TenantID) == "" {
		return domain.Policy{}, domain.NewValidationError("tenant_id", "required")
	}
	if p.BreakRules == nil {
		p.BreakRules = map[string]domain.BreakRule{}
	}
	if err := validation.Struct(p); err != nil {
		return domain.Policy{}, err
	}
	p.UpdatedAt = s.now()
	if err := s.repo.SavePolicy(ctx, p); err != nil {
		return domain.Policy{}, fmt.Errorf("save policy: %w", err)
	}
	s.mu.Lock()
	s.cache[p.TenantID] = p.Clone()
	s.mu.Unlock()
	return p.Clone(), nil
}

// Invalidate drops a cached tenant policy.
func (s *Store) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}

// LoadDefaults reads tenant defaults from a YAML file. Keys that are absent keep the
// built-in values.
func LoadDefaults(path string) (domain.Policy, error) {
	p := domain.DefaultPolicy("")
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("read policy defaults: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return domain.Policy{}, fmt.Errorf("parse policy defaults: %w", err)
	}
	if p.BreakRules == nil {
		p.BreakRules = map[string]domain.BreakRule{}
	}
	if err := validation.Struct(p); err != nil {
		return domain.Policy{}, err
	}
	return p, nil
}
