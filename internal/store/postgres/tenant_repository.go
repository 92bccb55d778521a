package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

const tenantColumns = `id, name, host, slug, status, allowed_voucher_types,
		duplicate_window_days, duplicate_action, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (*model.Tenant, error) {
	tenant := &model.Tenant{}
	err := row.Scan(
		&tenant.ID, &tenant.Name, &tenant.Host, &tenant.Slug, &tenant.Status,
		pq.Array(&tenant.AllowedVoucherTypes),
		&tenant.DuplicateWindowDays, &tenant.DuplicateAction,
		&tenant.CreatedAt, &tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// GetTenantByHost retrieves a tenant by its exact, normalised host
func (s *Store) GetTenantByHost(ctx context.Context, host string) (*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + `
		FROM tenants
		WHERE host = $1
	`
	return scanTenant(s.db.QueryRowContext(ctx, query, host))
}

// GetTenant retrieves a tenant by ID
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + `
		FROM tenants
		WHERE id = $1
	`
	return scanTenant(s.db.QueryRowContext(ctx, query, id))
}

// CreateTenant inserts a new tenant
func (s *Store) CreateTenant(ctx context.Context, tenant *model.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, host, slug, status, allowed_voucher_types,
			duplicate_window_days, duplicate_action, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	tenant.CreatedAt = time.Now().UTC()
	tenant.UpdatedAt = tenant.CreatedAt
	if tenant.AllowedVoucherTypes == nil {
		tenant.AllowedVoucherTypes = []string{}
	}

	_, err := s.db.ExecContext(ctx, query,
		tenant.ID, tenant.Name, tenant.Host, tenant.Slug, tenant.Status,
		pq.Array(tenant.AllowedVoucherTypes),
		tenant.DuplicateWindowDays, tenant.DuplicateAction,
		tenant.CreatedAt, tenant.UpdatedAt,
	)
	return mapError(err)
}

// UpdateTenant updates a tenant; it returns sql.ErrNoRows when the tenant is missing
func (s *Store) UpdateTenant(ctx context.Context, tenant *model.Tenant) error {
	query := `
		UPDATE tenants
		SET name = $2, host = $3, slug = $4, status = $5, allowed_voucher_types = $6,
			duplicate_window_days = $7, duplicate_action = $8, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	if tenant.AllowedVoucherTypes == nil {
		tenant.AllowedVoucherTypes = []string{}
	}
	err := s.db.QueryRowContext(ctx, query,
		tenant.ID, tenant.Name, tenant.Host, tenant.Slug, tenant.Status,
		pq.Array(tenant.AllowedVoucherTypes),
		tenant.DuplicateWindowDays, tenant.DuplicateAction,
	).Scan(&tenant.UpdatedAt)
	return mapError(err)
}

// IsAppEnabled reports the app flag; a missing flag row means disabled
func (s *Store) IsAppEnabled(ctx context.Context, tenantID uuid.UUID, appKey string) (bool, error) {
	query := `SELECT enabled FROM tenant_app_flags WHERE tenant_id = $1 AND app_key = $2`
	var enabled bool
	err := s.db.QueryRowContext(ctx, query, tenantID, appKey).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return enabled, err
}

func (s *Store) SetAppEnabled(ctx context.Context, tenantID uuid.UUID, appKey string, enabled bool) error {
	query := `
		INSERT INTO tenant_app_flags (tenant_id, app_key, enabled, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, app_key) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()
	`
	_, err := s.db.ExecContext(ctx, query, tenantID, appKey, enabled)
	return mapError(err)
}

func (s *Store) ListMembershipRoles(ctx context.Context, tenantID uuid.UUID, actorID string) ([]string, error) {
	query := `
		SELECT COALESCE(array_agg(role ORDER BY role), '{}')
		FROM memberships
		WHERE tenant_id = $1 AND actor_id = $2
	`
	var roles []string
	if err := s.db.QueryRowContext(ctx, query, tenantID, actorID).Scan(pq.Array(&roles)); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) SetMembershipRoles(ctx context.Context, tenantID uuid.UUID, actorID string, roles []model.Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memberships WHERE tenant_id = $1 AND actor_id = $2`, tenantID, actorID); err != nil {
		return err
	}
	if len(roles) > 0 {
		query := `
			INSERT INTO memberships (tenant_id, actor_id, role, created_at)
			SELECT $1, $2, unnest($3::text[]), now()
		`
		if _, err := tx.ExecContext(ctx, query, tenantID, actorID, pq.Array(model.RoleStrings(roles))); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit()
}
