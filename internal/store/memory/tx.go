package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store"
)

var errTxDone = errors.New("memory: transaction has already been committed or rolled back")

// tx stages writes until Commit. Holding the store's txMu for its whole
// lifetime serializes transactions, which is what LockIdentity needs.
type tx struct {
	s    *Store
	done bool

	vouchers  []model.Voucher
	snapshots []model.AuthorizationSnapshot
	pending   []model.PendingVoucherRequest
	audit     []model.AuditEvent
}

var _ store.Tx = (*tx)(nil)

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &tx{s: s}, nil
}

func (t *tx) LockIdentity(context.Context, int64) error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *tx) FindSnapshotCandidates(_ context.Context, tenantID uuid.UUID, voucherType string, dateOfBirth, since time.Time) ([]model.AuthorizationSnapshot, error) {
	if t.done {
		return nil, errTxDone
	}
	match := func(snap model.AuthorizationSnapshot) bool {
		return snap.TenantID == tenantID &&
			snap.VoucherType == voucherType &&
			sameDate(snap.DateOfBirth, dateOfBirth) &&
			!snap.CreatedAt.Before(since)
	}

	var out []model.AuthorizationSnapshot
	t.s.mu.RLock()
	for _, snap := range t.s.snapshots {
		if match(snap) {
			out = append(out, snap)
		}
	}
	t.s.mu.RUnlock()
	for _, snap := range t.snapshots {
		if match(snap) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (t *tx) CreateVoucher(_ context.Context, voucher *model.Voucher, snapshot *model.AuthorizationSnapshot) error {
	if t.done {
		return errTxDone
	}
	if snapshot.VoucherID != voucher.ID || snapshot.TenantID != voucher.TenantID {
		return fmt.Errorf("memory: snapshot does not belong to voucher %s", voucher.ID)
	}
	t.s.mu.RLock()
	_, exists := t.s.vouchers[voucher.ID]
	t.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: vouchers_pkey", store.ErrConflict)
	}
	for _, v := range t.vouchers {
		if v.ID == voucher.ID {
			return fmt.Errorf("%w: vouchers_pkey", store.ErrConflict)
		}
	}
	t.vouchers = append(t.vouchers, *voucher)
	t.snapshots = append(t.snapshots, *snapshot)
	return nil
}

func (t *tx) CreatePendingRequest(_ context.Context, req *model.PendingVoucherRequest) error {
	if t.done {
		return errTxDone
	}
	t.pending = append(t.pending, *req)
	return nil
}

func (t *tx) AppendAuditEvent(_ context.Context, event *model.AuditEvent) error {
	if t.done {
		return errTxDone
	}
	t.s.mu.RLock()
	err := t.s.auditErr
	t.s.mu.RUnlock()
	if err != nil {
		return err
	}
	t.audit = append(t.audit, cloneEvent(*event))
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.s.txMu.Unlock()

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, v := range t.vouchers {
		t.s.vouchers[v.ID] = v
	}
	for _, snap := range t.snapshots {
		t.s.snapshots[snap.ID] = snap
	}
	for _, p := range t.pending {
		t.s.pending[p.ID] = p
	}
	t.s.audit = append(t.s.audit, t.audit...)
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.s.txMu.Unlock()
	return nil
}
