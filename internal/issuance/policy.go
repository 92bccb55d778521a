package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teresa-solution/voucher-issuance-service/internal/config"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

type Outcome string

const (
	OutcomeNoMatch Outcome = "no_match"
	OutcomeRefusal Outcome = "refusal"
	OutcomeWarning Outcome = "warning"
)

// Policy is the duplicate policy in force for one tenant.
type Policy struct {
	WindowDays int
	Action     string
}

// EffectivePolicy applies the tenant's overrides on top of the deployment
// defaults. Out of range windows are clamped and unknown actions ignored.
func EffectivePolicy(tenant *model.Tenant, defaults Policy) Policy {
	p := defaults
	if p.WindowDays == 0 {
		p.WindowDays = 90
	}
	if !config.ValidAction(p.Action) {
		p.Action = config.ActionWarning
	}
	if tenant != nil {
		if tenant.DuplicateWindowDays != nil {
			p.WindowDays = *tenant.DuplicateWindowDays
		}
		if tenant.DuplicateAction != nil && config.ValidAction(*tenant.DuplicateAction) {
			p.Action = *tenant.DuplicateAction
		}
	}
	p.WindowDays = config.ClampWindowDays(p.WindowDays)
	return p
}

// WindowStart is the earliest creation time still inside the window.
func (p Policy) WindowStart(now time.Time) time.Time {
	return now.Add(-time.Duration(p.WindowDays) * 24 * time.Hour)
}

// Candidate is the household being issued to.
type Candidate struct {
	TenantID    uuid.UUID
	VoucherType string
	FirstName   string
	LastName    string
	DateOfBirth time.Time
}

func (c Candidate) Key() string {
	return IdentityKey(c.VoucherType, c.FirstName, c.LastName, c.DateOfBirth)
}

// Evaluation is the result of a duplicate check. Matches holds the voucher
// ids of every matching snapshot, newest first as returned by the store.
type Evaluation struct {
	Outcome Outcome
	Matches []uuid.UUID
}

func (e Evaluation) MatchedVoucherID() uuid.UUID {
	if len(e.Matches) == 0 {
		return uuid.Nil
	}
	return e.Matches[0]
}

func (e Evaluation) Matched(voucherID uuid.UUID) bool {
	for _, id := range e.Matches {
		if id == voucherID {
			return true
		}
	}
	return false
}

type CandidateFinder interface {
	FindSnapshotCandidates(ctx context.Context, tenantID uuid.UUID, voucherType string, dateOfBirth, since time.Time) ([]model.AuthorizationSnapshot, error)
}

// Evaluate narrows candidates in storage by tenant, type, date of birth and
// window, then compares the full normalized key in memory.
func Evaluate(ctx context.Context, finder CandidateFinder, c Candidate, p Policy, now time.Time) (Evaluation, error) {
	voucherType := NormalizeVoucherType(c.VoucherType)
	rows, err := finder.FindSnapshotCandidates(ctx, c.TenantID, voucherType, c.DateOfBirth, p.WindowStart(now))
	if err != nil {
		return Evaluation{}, fmt.Errorf("find duplicate candidates: %w", err)
	}

	key := c.Key()
	var matches []uuid.UUID
	for _, row := range rows {
		if row.TenantID != c.TenantID {
			continue
		}
		if IdentityKey(row.VoucherType, row.FirstName, row.LastName, row.DateOfBirth) == key {
			matches = append(matches, row.VoucherID)
		}
	}
	if len(matches) == 0 {
		return Evaluation{Outcome: OutcomeNoMatch}, nil
	}
	if p.Action == config.ActionRefusal {
		return Evaluation{Outcome: OutcomeRefusal, Matches: matches}, nil
	}
	return Evaluation{Outcome: OutcomeWarning, Matches: matches}, nil
}
