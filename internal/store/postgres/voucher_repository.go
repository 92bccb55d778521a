package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store"
)

type tx struct {
	tx *sql.Tx
}

var _ store.Tx = (*tx)(nil)

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{tx: sqlTx}, nil
}

func (t *tx) Commit() error {
	return mapError(t.tx.Commit())
}

func (t *tx) Rollback() error {
	return t.tx.Rollback()
}

// LockIdentity holds a transaction-scoped advisory lock until commit or rollback
func (t *tx) LockIdentity(ctx context.Context, key int64) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	return err
}

func (t *tx) AppendAuditEvent(ctx context.Context, event *model.AuditEvent) error {
	return appendAuditEvent(ctx, t.tx, event)
}

func (t *tx) FindSnapshotCandidates(ctx context.Context, tenantID uuid.UUID, voucherType string, dateOfBirth, since time.Time) ([]model.AuthorizationSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM voucher_authorization_snapshots
		WHERE tenant_id = $1 AND voucher_type = $2 AND date_of_birth = $3::date AND created_at >= $4
		ORDER BY created_at DESC
	`
	rows, err := t.tx.QueryContext(ctx, query, tenantID, voucherType, dateOfBirth, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuthorizationSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func (t *tx) CreateVoucher(ctx context.Context, voucher *model.Voucher, snapshot *model.AuthorizationSnapshot) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO vouchers (id, tenant_id, status, voucher_type, partner_agency_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, voucher.ID, voucher.TenantID, voucher.Status, voucher.VoucherType, voucher.PartnerAgencyID, voucher.CreatedAt)
	if err != nil {
		return mapError(err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO voucher_authorization_snapshots (id, voucher_id, tenant_id, voucher_type,
			first_name, last_name, date_of_birth, household_adults, household_children,
			issuer_mode, actor_id, partner_agency_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8, $9, $10, $11, $12, $13)
	`, snapshot.ID, snapshot.VoucherID, snapshot.TenantID, snapshot.VoucherType,
		snapshot.FirstName, snapshot.LastName, snapshot.DateOfBirth,
		snapshot.HouseholdAdults, snapshot.HouseholdChildren,
		string(snapshot.IssuerMode), snapshot.ActorID, snapshot.PartnerAgencyID, snapshot.CreatedAt)
	return mapError(err)
}

func (t *tx) CreatePendingRequest(ctx context.Context, req *model.PendingVoucherRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pending_voucher_requests (id, tenant_id, voucher_type, first_name, last_name,
			date_of_birth, household_adults, household_children, actor_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10, $11)
	`, req.ID, req.TenantID, req.VoucherType, req.FirstName, req.LastName, req.DateOfBirth,
		req.HouseholdAdults, req.HouseholdChildren, req.ActorID, req.Status, req.CreatedAt)
	return mapError(err)
}

const snapshotColumns = `id, voucher_id, tenant_id, voucher_type, first_name, last_name,
		date_of_birth, household_adults, household_children, issuer_mode, actor_id,
		partner_agency_id, created_at`

func scanSnapshot(row interface{ Scan(...any) error }) (*model.AuthorizationSnapshot, error) {
	snap := &model.AuthorizationSnapshot{}
	var issuerMode string
	var partnerAgencyID uuid.NullUUID
	err := row.Scan(
		&snap.ID, &snap.VoucherID, &snap.TenantID, &snap.VoucherType, &snap.FirstName, &snap.LastName,
		&snap.DateOfBirth, &snap.HouseholdAdults, &snap.HouseholdChildren, &issuerMode, &snap.ActorID,
		&partnerAgencyID, &snap.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	snap.IssuerMode = model.IssuerMode(issuerMode)
	if partnerAgencyID.Valid {
		id := partnerAgencyID.UUID
		snap.PartnerAgencyID = &id
	}
	return snap, nil
}

func (s *Store) GetVoucher(ctx context.Context, tenantID, voucherID uuid.UUID) (*model.Voucher, error) {
	query := `
		SELECT id, tenant_id, status, voucher_type, partner_agency_id, created_at
		FROM vouchers
		WHERE id = $1 AND tenant_id = $2
	`
	voucher := &model.Voucher{}
	var partnerAgencyID uuid.NullUUID
	err := s.db.QueryRowContext(ctx, query, voucherID, tenantID).Scan(
		&voucher.ID, &voucher.TenantID, &voucher.Status, &voucher.VoucherType, &partnerAgencyID, &voucher.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if partnerAgencyID.Valid {
		id := partnerAgencyID.UUID
		voucher.PartnerAgencyID = &id
	}
	return voucher, nil
}

// GetSnapshotByVoucher returns the authorization snapshot of a voucher
func (s *Store) GetSnapshotByVoucher(ctx context.Context, voucherID uuid.UUID) (*model.AuthorizationSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM voucher_authorization_snapshots WHERE voucher_id = $1`
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, voucherID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// UpdateSnapshot writes every mutable-looking column of snap. The trigger
// rejects anything but clearing partner_agency_id, which surfaces as
// store.ErrImmutable.
func (s *Store) UpdateSnapshot(ctx context.Context, snap *model.AuthorizationSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE voucher_authorization_snapshots
		SET first_name = $2, last_name = $3, date_of_birth = $4::date, household_adults = $5,
			household_children = $6, partner_agency_id = $7
		WHERE id = $1
	`, snap.ID, snap.FirstName, snap.LastName, snap.DateOfBirth,
		snap.HouseholdAdults, snap.HouseholdChildren, snap.PartnerAgencyID)
	return mapError(err)
}
