package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/dileet/ecco-sub003/pkg/errorir"
)

// Milestone is an independently releasable slice of an escrow.
// Released never reverts once set.
type Milestone struct {
	ID         string     `json:"id"`
	Amount     Money      `json:"amount"`
	Approved   bool       `json:"approved,omitempty"`
	Released   bool       `json:"released"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// EscrowAgreement locks a total payment split into milestones.
type EscrowAgreement struct {
	ID               string      `json:"id"`
	JobID            string      `json:"job_id"`
	Payer            string      `json:"payer"`
	Recipient        string      `json:"recipient"`
	ChainID          int64       `json:"chain_id"`
	Token            string      `json:"token"`
	TotalAmount      Money       `json:"total_amount"`
	Milestones       []Milestone `json:"milestones"`
	RequiresApproval bool        `json:"requires_approval"`
	Approver         string      `json:"approver,omitempty"`
	ApproverKey      string      `json:"approver_key,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

type EscrowParams struct {
	JobID            string
	Payer            string
	Recipient        string
	ChainID          int64
	Total            Money
	Milestones       []Money
	RequiresApproval bool
	Approver         string
	ApproverKey      string // see EncodeApproverKey
	Now              time.Time
}

// CreateEscrowAgreement splits Total into milestones. Milestone amounts
// must be positive and sum exactly to Total.
func CreateEscrowAgreement(p EscrowParams) (EscrowAgreement, error) {
	if p.JobID == "" || p.Payer == "" || p.Recipient == "" {
		return EscrowAgreement{}, errorir.Malformed("escrow requires job id, payer and recipient")
	}
	if len(p.Milestones) == 0 {
		return EscrowAgreement{}, errorir.Malformed("escrow requires at least one milestone")
	}
	if p.RequiresApproval && p.Approver == "" {
		return EscrowAgreement{}, errorir.Malformed("escrow requiring approval must name an approver")
	}
	sum := Zero(p.Total.Currency)
	milestones := make([]Milestone, 0, len(p.Milestones))
	for i, amt := range p.Milestones {
		if !amt.IsPositive() {
			return EscrowAgreement{}, errorir.Malformed("milestone %d amount must be positive", i+1)
		}
		var err error
		if sum, err = sum.Add(amt); err != nil {
			return EscrowAgreement{}, errorir.Wrap(errorir.ErrMalformed, err, "milestone %d", i+1)
		}
		milestones = append(milestones, Milestone{ID: uuid.NewString(), Amount: amt})
	}
	if !sum.Equal(p.Total) {
		return EscrowAgreement{}, errorir.Malformed("milestones sum to %s, total is %s", sum, p.Total)
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	return EscrowAgreement{
		ID:               uuid.NewString(),
		JobID:            p.JobID,
		Payer:            p.Payer,
		Recipient:        p.Recipient,
		ChainID:          p.ChainID,
		Token:            p.Total.Currency,
		TotalAmount:      p.Total,
		Milestones:       milestones,
		RequiresApproval: p.RequiresApproval,
		Approver:         p.Approver,
		ApproverKey:      p.ApproverKey,
		CreatedAt:        now.UTC(),
	}, nil
}

// Milestone looks up a milestone by id.
func (a EscrowAgreement) Milestone(id string) (Milestone, bool) {
	for _, m := range a.Milestones {
		if m.ID == id {
			return m, true
		}
	}
	return Milestone{}, false
}

// Released sums the milestones already invoiced.
func (a EscrowAgreement) Released() Money {
	sum := Zero(a.Token)
	for _, m := range a.Milestones {
		if m.Released {
			sum, _ = sum.Add(m.Amount)
		}
	}
	return sum
}

// Authorizes reports whether caller may release milestones: the approver
// when approval is required, otherwise the payer.
func (a EscrowAgreement) Authorizes(caller string) bool {
	if a.RequiresApproval {
		return caller == a.Approver
	}
	return caller == a.Payer
}

func (a EscrowAgreement) milestoneIndex(id string) int {
	for i, m := range a.Milestones {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Approve records that the approver signed off on a milestone. Approval is
// bookkeeping for the paying side and does not release funds.
func (a EscrowAgreement) Approve(milestoneID string) (EscrowAgreement, error) {
	idx := a.milestoneIndex(milestoneID)
	switch {
	case idx < 0:
		return a, errorir.NotFound("milestone %s in escrow %s", milestoneID, a.ID)
	case a.Milestones[idx].Released:
		return a, errorir.AlreadyProcessed("milestone %s already released", milestoneID)
	}
	next := a
	next.Milestones = append([]Milestone(nil), a.Milestones...)
	next.Milestones[idx].Approved = true
	return next, nil
}

// Release marks one milestone released on behalf of caller. The input
// agreement is left untouched.
func (a EscrowAgreement) Release(milestoneID, caller string, now time.Time) (EscrowAgreement, error) {
	idx := a.milestoneIndex(milestoneID)
	if idx < 0 {
		return a, errorir.NotFound("milestone %s in escrow %s", milestoneID, a.ID)
	}
	if a.Milestones[idx].Released {
		return a, errorir.AlreadyProcessed("milestone %s already released", milestoneID)
	}
	if !a.Authorizes(caller) {
		return a, errorir.Unauthorized("%s may not release escrow %s", caller, a.ID)
	}
	next := a
	next.Milestones = append([]Milestone(nil), a.Milestones...)
	at := now.UTC()
	next.Milestones[idx].Released = true
	next.Milestones[idx].ReleasedAt = &at
	return next, nil
}

// ReleaseEscrowMilestone releases one milestone and invoices exactly its
// amount.
func ReleaseEscrowMilestone(a EscrowAgreement, milestoneID, caller string, now time.Time) (EscrowAgreement, Invoice, error) {
	next, err := a.Release(milestoneID, caller, now)
	if err != nil {
		return a, Invoice{}, err
	}
	m, _ := next.Milestone(milestoneID)
	inv, err := CreateInvoice(InvoiceParams{
		JobID:     a.JobID,
		ChainID:   a.ChainID,
		Amount:    m.Amount,
		Recipient: a.Recipient,
		Now:       now,
	})
	if err != nil {
		return a, Invoice{}, err
	}
	return next, inv, nil
}

// Outstanding reports whether any milestone is still unreleased.
func (a EscrowAgreement) Outstanding() bool {
	for _, m := range a.Milestones {
		if !m.Released {
			return true
		}
	}
	return false
}

// LedgerEntry records a released milestone as an obligation to settle.
func (a EscrowAgreement) LedgerEntry(milestoneID string, now time.Time) (LedgerEntry, error) {
	m, ok := a.Milestone(milestoneID)
	if !ok {
		return LedgerEntry{}, errorir.NotFound("milestone %s in escrow %s", milestoneID, a.ID)
	}
	if !m.Released {
		return LedgerEntry{}, errorir.Malformed("milestone %s has not been released", milestoneID)
	}
	return newLedgerEntry(LedgerEscrow, a.ID+"/"+m.ID, a.JobID, a.Payer, a.Recipient, a.ChainID, m.Amount, now), nil
}
