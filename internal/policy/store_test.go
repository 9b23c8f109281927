package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/reconciliation/internal/domain"
)

type stubRepo struct {
	policies map[string]domain.Policy
	gets     int
	saves    int
}

func (s *stubRepo) GetPolicy(_ context.Context, tenantID string) (*domain.Policy, error) {
	s.gets++
	p, ok := s.policies[tenantID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (s *stubRepo) SavePolicy(_ context.Context, p domain.Policy) error {
	s.saves++
	if s.policies == nil {
		s.policies = map[string]domain.Policy{}
	}
	s.policies[p.TenantID] = p
	return nil
}

func TestGetCreatesDefaultsOnceAndCaches(t *testing.T) {
	repo := &stubRepo{}
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := NewStore(repo, WithClock(func() time.Time { return now }))

	p, err := store.Get(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Equal(t, "tenant-1", p.TenantID)
	require.Equal(t, 15, p.ToleranceMinutes)
	require.Equal(t, 120, p.AutoResolveThresholdMinutes)
	require.Equal(t, domain.StrategyManual, p.ConflictStrategy)
	require.Equal(t, now, p.UpdatedAt)

	p.BreakRules["mutated"] = domain.BreakRule{Convert: true}

	again, err := store.Get(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.NotContains(t, again.BreakRules, "mutated")
	require.Equal(t, 1, repo.gets)
	require.Equal(t, 1, repo.saves)
}

func TestUpdateValidates(t *testing.T) {
	store := NewStore(&stubRepo{})

	p := domain.DefaultPolicy("tenant-1")
	p.ToleranceMinutes = -5
	_, err := store.Update(context.Background(), p)
	require.True(t, domain.IsValidation(err))

	p.ToleranceMinutes = 30
	p.ConflictStrategy = domain.StrategyLatestWins
	updated, err := store.Update(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, 30, updated.ToleranceMinutes)

	got, err := store.Get(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Equal(t, domain.StrategyLatestWins, got.ConflictStrategy)
}

func TestGetRequiresTenant(t *testing.T) {
	_, err := NewStore(&stubRepo{}).Get(context.Background(), " ")
	require.True(t, domain.IsValidation(err))
}

func TestLoadDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tolerance_minutes: 10
conflict_strategy: presence_priority
break_rules:
  training:
    convert: true
    billable: true
    activity_id: act-training
`), 0o600))

	p, err := LoadDefaults(path)
	require.NoError(t, err)
	require.Equal(t, 10, p.ToleranceMinutes)
	require.Equal(t, 120, p.AutoResolveThresholdMinutes)
	require.Equal(t, domain.StrategyPresencePriority, p.ConflictStrategy)
	require.True(t, p.BreakRules["training"].Convert)

	store := NewStore(&stubRepo{}, WithDefaults(p))
	got, err := store.Get(context.Background(), "tenant-9")
	require.NoError(t, err)
	require.Equal(t, "tenant-9", got.TenantID)
	require.Equal(t, 10, got.ToleranceMinutes)
}

func TestLoadDefaultsRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conflict_strategy: coin_flip\n"), 0o600))
	_, err := LoadDefaults(path)
	require.True(t, domain.IsValidation(err))
}
