package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
)

// PolicyStore is the Postgres-backed policy.Store. Versions are append-only;
// a partial unique index keeps at most one active policy per tenant.
type PolicyStore struct {
	db *DB
}

var _ policy.Store = (*PolicyStore)(nil)

// Policies returns the policy store view over this DB.
func (db *DB) Policies() *PolicyStore {
	return &PolicyStore{db: db}
}

const policyColumns = `tenant_id, name, version, active, document, created_at`

// Put commits a new policy version, assigning previous head + 1. The first
// policy for a tenant becomes active implicitly.
func (s *PolicyStore) Put(ctx context.Context, tenant, name string, doc model.PolicyDoc) (model.Policy, error) {
	if err := policy.Validate(doc); err != nil {
		return model.Policy{}, err
	}

	var stored model.Policy
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := s.db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin put policy: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		// Serialize version assignment per tenant.
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 2))`, tenant,
		); err != nil {
			return fmt.Errorf("storage: lock tenant policies: %w", err)
		}

		var version int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM policies WHERE tenant_id = $1 AND name = $2`,
			tenant, name,
		).Scan(&version); err != nil {
			return fmt.Errorf("storage: next policy version: %w", err)
		}

		var tenantHasAny bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM policies WHERE tenant_id = $1)`, tenant,
		).Scan(&tenantHasAny); err != nil {
			return fmt.Errorf("storage: check tenant policies: %w", err)
		}

		p := model.Policy{
			TenantID:  tenant,
			Name:      name,
			Version:   version,
			Active:    !tenantHasAny,
			Document:  doc,
			CreatedAt: s.db.now().UTC(),
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO policies (`+policyColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			p.TenantID, p.Name, p.Version, p.Active, p.Document, p.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert policy: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit put policy: %w", err)
		}
		stored = p
		return nil
	})
	if err != nil {
		return model.Policy{}, err
	}
	return stored, nil
}

// Activate atomically swaps the tenant's active policy.
func (s *PolicyStore) Activate(ctx context.Context, tenant, name string, version int) error {
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := s.db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin activate policy: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 2))`, tenant,
		); err != nil {
			return fmt.Errorf("storage: lock tenant policies: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE policies SET active = FALSE WHERE tenant_id = $1 AND active`, tenant,
		); err != nil {
			return fmt.Errorf("storage: deactivate policy: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE policies SET active = TRUE
			WHERE tenant_id = $1 AND name = $2 AND version = $3`,
			tenant, name, version,
		)
		if err != nil {
			return fmt.Errorf("storage: activate policy: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.Newf(errs.KindValidation, "policy: %s v%d not found for tenant %s", name, version, tenant)
		}
		return tx.Commit(ctx)
	})
}

// Active returns the tenant's currently active policy.
func (s *PolicyStore) Active(ctx context.Context, tenant string) (model.Policy, error) {
	p, err := s.scanOne(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND active`, tenant)
	if err != nil {
		return model.Policy{}, errs.Newf(errs.KindValidation, "policy: no active policy for tenant %s", tenant)
	}
	return p, nil
}

// Get returns a specific retained version.
func (s *PolicyStore) Get(ctx context.Context, tenant, name string, version int) (model.Policy, error) {
	p, err := s.scanOne(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND name = $2 AND version = $3`,
		tenant, name, version)
	if err != nil {
		return model.Policy{}, errs.Newf(errs.KindValidation, "policy: %s v%d not found for tenant %s", name, version, tenant)
	}
	return p, nil
}

func (s *PolicyStore) scanOne(ctx context.Context, query string, args ...any) (model.Policy, error) {
	var p model.Policy
	err := s.db.pool.QueryRow(ctx, query, args...).Scan(
		&p.TenantID, &p.Name, &p.Version, &p.Active, &p.Document, &p.CreatedAt,
	)
	return p, err
}
