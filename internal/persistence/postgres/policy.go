package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"example.com/reconciliation/internal/domain"
)

// GetPolicy returns the stored policy document of tenantID.
func (s *Store) GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error) {
	var p domain.Policy
	err := s.inTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT document, updated_at FROM reconciliation_policies WHERE tenant_id = $1`, tenantID).
			Scan(&p, &p.UpdatedAt)
	})
	if err != nil {
		return nil, notFound(err)
	}
	p.TenantID = tenantID
	return &p, nil
}

// SavePolicy replaces the policy document of p.TenantID.
func (s *Store) SavePolicy(ctx context.Context, p domain.Policy) error {
	return s.inTenantTx(ctx, p.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO reconciliation_policies (tenant_id, document, updated_at)
            VALUES ($1, $2, $3)
            ON CONFLICT (tenant_id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
			p.TenantID, p, p.UpdatedAt)
		return err
	})
}
