package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teresa-solution/voucher-issuance-service/internal/audit"
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store"
)

// Recorder writes the durable result of an admitted, duplicate-cleared
// issuance inside the caller's transaction.
type Recorder struct {
	audit *audit.Emitter
}

func NewRecorder(emitter *audit.Emitter) *Recorder {
	return &Recorder{audit: emitter}
}

type recordInput struct {
	tenantID    uuid.UUID
	identity    identity.Identity
	mode        Mode
	household   model.Household
	voucherType string
	now         time.Time
	metadata    map[string]any
}

// record creates a voucher with its snapshot, or a pending request for
// initiate-only callers, and emits the terminal audit event.
func (r *Recorder) record(ctx context.Context, tx store.Tx, in recordInput) (*Result, error) {
	agencyID := in.identity.PartnerAgencyID()
	meta := map[string]any{"voucher_type": in.voucherType, "mode": string(in.mode)}
	for k, v := range in.metadata {
		meta[k] = v
	}

	if in.mode == ModeInitiateOnly {
		req := &model.PendingVoucherRequest{
			ID:          uuid.New(),
			TenantID:    in.tenantID,
			VoucherType: in.voucherType,
			Household:   in.household,
			ActorID:     in.identity.ActorID(),
			Status:      model.PendingStatusPending,
			CreatedAt:   in.now,
		}
		if err := tx.CreatePendingRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("create pending request: %w", err)
		}
		if err := r.audit.EmitTo(ctx, tx, &model.AuditEvent{
			TenantID:  &in.tenantID,
			ActorID:   req.ActorID,
			EventType: model.EventVoucherRequested,
			EntityID:  &req.ID,
			Metadata:  meta,
		}); err != nil {
			return nil, err
		}
		return &Result{Mode: in.mode, RequestID: &req.ID, Status: req.Status}, nil
	}

	voucher := &model.Voucher{
		ID:              uuid.New(),
		TenantID:        in.tenantID,
		Status:          model.VoucherStatusActive,
		VoucherType:     in.voucherType,
		PartnerAgencyID: agencyID,
		CreatedAt:       in.now,
	}
	snapshot := &model.AuthorizationSnapshot{
		ID:              uuid.New(),
		VoucherID:       voucher.ID,
		TenantID:        in.tenantID,
		VoucherType:     in.voucherType,
		Household:       in.household,
		IssuerMode:      issuerMode(in.identity),
		ActorID:         in.identity.ActorID(),
		PartnerAgencyID: agencyID,
		CreatedAt:       in.now,
	}
	if err := tx.CreateVoucher(ctx, voucher, snapshot); err != nil {
		return nil, fmt.Errorf("create voucher: %w", err)
	}
	if err := r.audit.EmitTo(ctx, tx, &model.AuditEvent{
		TenantID:        &in.tenantID,
		ActorID:         snapshot.ActorID,
		EventType:       model.EventVoucherIssued,
		EntityID:        &voucher.ID,
		PartnerAgencyID: agencyID,
		Metadata:        meta,
	}); err != nil {
		return nil, err
	}
	return &Result{Mode: in.mode, VoucherID: &voucher.ID, Status: voucher.Status}, nil
}
