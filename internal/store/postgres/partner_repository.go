package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store"
)

// GetActivePartnerTokenByHash only matches active tokens of active agencies
func (s *Store) GetActivePartnerTokenByHash(ctx context.Context, tokenHash string) (*model.PartnerToken, error) {
	query := `
		SELECT t.id, t.tenant_id, t.partner_agency_id, t.token_hash, t.token_prefix,
			t.status, t.form_config, t.created_at
		FROM partner_tokens t
		JOIN partner_agencies a ON a.id = t.partner_agency_id AND a.tenant_id = t.tenant_id
		WHERE t.token_hash = $1 AND t.status = 'active' AND a.status = 'active'
	`
	token := &model.PartnerToken{}
	var formConfig []byte
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&token.ID, &token.TenantID, &token.PartnerAgencyID, &token.TokenHash, &token.TokenPrefix,
		&token.Status, &formConfig, &token.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(formConfig, &token.FormConfig); err != nil {
		return nil, fmt.Errorf("decode form_config of token %s: %w", token.ID, err)
	}
	return token, nil
}

func (s *Store) GetPartnerAgency(ctx context.Context, tenantID, agencyID uuid.UUID) (*model.PartnerAgency, error) {
	query := `
		SELECT id, tenant_id, name, status, form_config, created_at, updated_at
		FROM partner_agencies
		WHERE id = $1 AND tenant_id = $2
	`
	agency := &model.PartnerAgency{}
	var formConfig []byte
	err := s.db.QueryRowContext(ctx, query, agencyID, tenantID).Scan(
		&agency.ID, &agency.TenantID, &agency.Name, &agency.Status, &formConfig,
		&agency.CreatedAt, &agency.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(formConfig, &agency.FormConfig); err != nil {
		return nil, fmt.Errorf("decode form_config of agency %s: %w", agency.ID, err)
	}
	return agency, nil
}

func (s *Store) UpsertPartnerAgency(ctx context.Context, agency *model.PartnerAgency) error {
	formConfig, err := json.Marshal(agency.FormConfig)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := `
		INSERT INTO partner_agencies (id, tenant_id, name, status, form_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, status = EXCLUDED.status,
				form_config = EXCLUDED.form_config, updated_at = EXCLUDED.updated_at
			WHERE partner_agencies.tenant_id = EXCLUDED.tenant_id
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query,
		agency.ID, agency.TenantID, agency.Name, agency.Status, formConfig, now,
	).Scan(&agency.CreatedAt, &agency.UpdatedAt)
	if err == sql.ErrNoRows {
		// id exists under another tenant
		return fmt.Errorf("%w: partner agency %s", store.ErrConflict, agency.ID)
	}
	if err != nil {
		return mapError(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE partner_tokens SET form_config = $3
		WHERE partner_agency_id = $1 AND tenant_id = $2 AND status = 'active'
	`, agency.ID, agency.TenantID, formConfig); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreatePartnerToken(ctx context.Context, token *model.PartnerToken) error {
	formConfig, err := json.Marshal(token.FormConfig)
	if err != nil {
		return err
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO partner_tokens (id, tenant_id, partner_agency_id, token_hash, token_prefix,
			status, form_config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		token.ID, token.TenantID, token.PartnerAgencyID, token.TokenHash, token.TokenPrefix,
		token.Status, formConfig, token.CreatedAt,
	)
	return mapError(err)
}

// DeletePartnerAgency relies on ON DELETE CASCADE for tokens and
// ON DELETE SET NULL for vouchers and snapshots
func (s *Store) DeletePartnerAgency(ctx context.Context, tenantID, agencyID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM partner_agencies WHERE id = $1 AND tenant_id = $2`, agencyID, tenantID)
	if err != nil {
		return false, mapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
