/**
 * @description
 * Escrow (sequestre) is the aggregate holding a job's funds with the custodian.
 * It owns the materials/labor fragments and every released or refunded amount,
 * and it is the only place where escrow status transitions are decided.
 *
 * @notes
 * - An Escrow value is mutated in memory first; callers persist it only after
 *   the corresponding money movement succeeded, so a failed release never
 *   advances the stored aggregate.
 * - released + refunded + remaining == total holds after every operation.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EscrowStatus string

const (
	// EscrowStatusNew is the in-memory state before a successful block. It is never persisted.
	EscrowStatusNew      EscrowStatus = ""
	EscrowStatusBlocked  EscrowStatus = "BLOCKED"
	EscrowStatusPartial  EscrowStatus = "PARTIAL"
	EscrowStatusReleased EscrowStatus = "RELEASED"
	EscrowStatusRefunded EscrowStatus = "REFUNDED"
)

// Fragment identifies one of the two portions of a fragmented escrow.
type Fragment string

const (
	FragmentMaterials Fragment = "materials"
	FragmentLabor     Fragment = "labor"
)

// Escrow maps to the `escrows` table.
type Escrow struct {
	ID      uuid.UUID `json:"id"`
	JobID   uuid.UUID `json:"job_id"`
	PayerID uuid.UUID `json:"payer_id"`
	PayeeID uuid.UUID `json:"payee_id"`

	Total     Money `json:"total_amount"`
	Materials Money `json:"materials_amount"`
	Labor     Money `json:"labor_amount"`

	MaterialsReleased Money `json:"materials_released"`
	LaborReleased     Money `json:"labor_released"`
	MaterialsRefunded Money `json:"materials_refunded"`
	LaborRefunded     Money `json:"labor_refunded"`
	Refunded          Money `json:"refunded_amount"`

	Status         EscrowStatus `json:"status"`
	Fragmented     bool         `json:"fragmented"`
	Frozen         bool         `json:"frozen"`
	FreezeReason   string       `json:"freeze_reason,omitempty"`
	RefundReason   string       `json:"refund_reason,omitempty"`
	BlockReference string       `json:"block_reference"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// RefundAllocation records how a refund was drawn from the fragments.
// Unfragmented refunds carry only Amount.
type RefundAllocation struct {
	Amount    Money `json:"amount"`
	Materials Money `json:"materials"`
	Labor     Money `json:"labor"`
}

// NewEscrow returns an unblocked escrow for a job.
func NewEscrow(jobID, payerID, payeeID uuid.UUID, now time.Time) *Escrow {
	return &Escrow{
		ID:        uuid.New(),
		JobID:     jobID,
		PayerID:   payerID,
		PayeeID:   payeeID,
		Status:    EscrowStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (e *Escrow) Released() Money { return e.MaterialsReleased + e.LaborReleased }

// Remaining is the balance still held by the custodian for this escrow.
func (e *Escrow) Remaining() Money { return e.Total - e.Released() - e.Refunded }

func (e *Escrow) MaterialsRemaining() Money {
	return e.Materials - e.MaterialsReleased - e.MaterialsRefunded
}

func (e *Escrow) LaborRemaining() Money {
	return e.Labor - e.LaborReleased - e.LaborRefunded
}

// Block records a successful gateway block. Only valid on a fresh escrow.
func (e *Escrow) Block(total Money, providerReference string) error {
	if e.Frozen {
		return ErrEscrowFrozen
	}
	if e.Status != EscrowStatusNew {
		return ErrInvalidTransition
	}
	if total <= 0 {
		return ErrInvalidAmount
	}
	e.Total = total
	e.BlockReference = strings.TrimSpace(providerReference)
	e.Status = EscrowStatusBlocked
	return nil
}

// Fragment splits the blocked total. Re-fragmenting with identical amounts is a no-op.
func (e *Escrow) Fragment(rule FragmentationRule) error {
	if e.Frozen {
		return ErrEscrowFrozen
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	materials, labor := rule.Split(e.Total)
	if e.Fragmented {
		if e.Materials == materials && e.Labor == labor {
			return nil
		}
		return ErrAlreadyFragmented
	}
	if e.Status != EscrowStatusBlocked {
		return ErrInvalidTransition
	}
	e.Materials = materials
	e.Labor = labor
	e.Fragmented = true
	e.Status = EscrowStatusPartial
	return nil
}

func (e *Escrow) ReleaseLabor(amount Money) error {
	return e.release(FragmentLabor, amount)
}

// ReleaseMaterials is driven by redemption token consumption.
func (e *Escrow) ReleaseMaterials(amount Money) error {
	return e.release(FragmentMaterials, amount)
}

func (e *Escrow) release(fragment Fragment, amount Money) error {
	if e.Frozen {
		return ErrEscrowFrozen
	}
	if e.Status != EscrowStatusBlocked && e.Status != EscrowStatusPartial {
		return ErrInvalidTransition
	}
	if !e.Fragmented {
		return ErrNotFragmented
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	switch fragment {
	case FragmentLabor:
		if amount > e.LaborRemaining() {
			return ErrInsufficientBalance
		}
		e.LaborReleased += amount
	case FragmentMaterials:
		if amount > e.MaterialsRemaining() {
			return ErrInsufficientBalance
		}
		e.MaterialsReleased += amount
	default:
		return fmt.Errorf("unknown fragment %q", fragment)
	}

	if e.Remaining() == 0 {
		e.Status = EscrowStatusReleased
	} else {
		e.Status = EscrowStatusPartial
	}
	return nil
}

// Refund returns amount to the payer, drawing on labor first and then materials.
// An unfragmented escrow can only be refunded in full.
func (e *Escrow) Refund(amount Money, reason string) (RefundAllocation, error) {
	if e.Frozen {
		return RefundAllocation{}, ErrEscrowFrozen
	}
	if e.Status != EscrowStatusBlocked && e.Status != EscrowStatusPartial {
		return RefundAllocation{}, ErrInvalidTransition
	}
	if amount <= 0 {
		return RefundAllocation{}, ErrInvalidAmount
	}
	remaining := e.Remaining()
	if amount > remaining {
		return RefundAllocation{}, ErrInsufficientBalance
	}

	alloc := RefundAllocation{Amount: amount}
	if e.Fragmented {
		alloc.Labor = minMoney(amount, e.LaborRemaining())
		alloc.Materials = amount - alloc.Labor
		e.LaborRefunded += alloc.Labor
		e.MaterialsRefunded += alloc.Materials
	} else if amount != remaining {
		return RefundAllocation{}, ErrNotFragmented
	}

	e.Refunded += amount
	e.RefundReason = strings.TrimSpace(reason)
	if e.Remaining() == 0 {
		e.Status = EscrowStatusRefunded
	} else {
		e.Status = EscrowStatusPartial
	}
	return alloc, nil
}

// Freeze is idempotent; the first reason wins.
func (e *Escrow) Freeze(reason string) {
	if e.Frozen {
		return
	}
	e.Frozen = true
	e.FreezeReason = strings.TrimSpace(reason)
}

func (e *Escrow) Unfreeze() {
	e.Frozen = false
	e.FreezeReason = ""
}

// ReverseRelease undoes a release whose money movement was later reported
// failed by the provider. It ignores the frozen flag.
func (e *Escrow) ReverseRelease(fragment Fragment, amount Money) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	switch fragment {
	case FragmentLabor:
		if amount > e.LaborReleased {
			return ErrInvalidAmount
		}
		e.LaborReleased -= amount
	case FragmentMaterials:
		if amount > e.MaterialsReleased {
			return ErrInvalidAmount
		}
		e.MaterialsReleased -= amount
	default:
		return fmt.Errorf("unknown fragment %q", fragment)
	}
	e.settleAfterReversal()
	return nil
}

// ReverseRefund undoes a refund whose payout was later reported failed.
func (e *Escrow) ReverseRefund(alloc RefundAllocation) error {
	if alloc.Amount <= 0 || alloc.Amount > e.Refunded ||
		alloc.Labor > e.LaborRefunded || alloc.Materials > e.MaterialsRefunded {
		return ErrInvalidAmount
	}
	e.Refunded -= alloc.Amount
	e.LaborRefunded -= alloc.Labor
	e.MaterialsRefunded -= alloc.Materials
	if e.Refunded == 0 {
		e.RefundReason = ""
	}
	e.settleAfterReversal()
	return nil
}

func (e *Escrow) settleAfterReversal() {
	if e.Fragmented || e.Released() > 0 || e.Refunded > 0 {
		e.Status = EscrowStatusPartial
		return
	}
	e.Status = EscrowStatusBlocked
}

// CheckInvariants verifies the money conservation rules of the aggregate.
func (e *Escrow) CheckInvariants() error {
	if e.Fragmented && e.Materials+e.Labor != e.Total {
		return fmt.Errorf("fragments %d+%d do not sum to total %d", e.Materials, e.Labor, e.Total)
	}
	if e.Remaining() < 0 {
		return fmt.Errorf("released %d plus refunded %d exceed total %d", e.Released(), e.Refunded, e.Total)
	}
	if e.Fragmented && (e.MaterialsRemaining() < 0 || e.LaborRemaining() < 0) {
		return fmt.Errorf("fragment overdrawn: materials remaining %d labor remaining %d", e.MaterialsRemaining(), e.LaborRemaining())
	}
	return nil
}

func minMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}
