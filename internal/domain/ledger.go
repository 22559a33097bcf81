package domain

import (
	"time"

	"github.com/google/uuid"
)

type LedgerEntryType string

const (
	LedgerEscrowBlock     LedgerEntryType = "ESCROW_BLOCK"
	LedgerMaterialRelease LedgerEntryType = "MATERIAL_RELEASE"
	LedgerLaborRelease    LedgerEntryType = "LABOR_RELEASE"
	LedgerRefund          LedgerEntryType = "REFUND"
	LedgerJetonValidation LedgerEntryType = "JETON_VALIDATION"
	LedgerServiceFee      LedgerEntryType = "SERVICE_FEE"
)

type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "PENDING"
	LedgerCompleted LedgerStatus = "COMPLETED"
	LedgerFailed    LedgerStatus = "FAILED"
	LedgerCancelled LedgerStatus = "CANCELLED"
)

// IsTerminal reports whether no further status row may follow this one.
func (s LedgerStatus) IsTerminal() bool {
	return s == LedgerCompleted || s == LedgerFailed || s == LedgerCancelled
}

// Metadata keys written alongside ledger rows.
const (
	MetaFromPhone        = "from_phone"
	MetaToPhone          = "to_phone"
	MetaAttempts         = "attempts"
	MetaFragment         = "fragment"
	MetaTokenID          = "token_id"
	MetaRefundMaterials  = "refund_materials"
	MetaRefundLabor      = "refund_labor"
	MetaMilestone        = "milestone"
	MetaStatusSource     = "status_source"
	MetaCompensated      = "compensated"
	MetaRefundReason     = "refund_reason"
	MetaRedeemedAmount   = "redeemed_amount"
	MetaSupplierDistance = "supplier_distance_m"
	MetaJobID            = "job_id"
	MetaPayeeID          = "payee_id"
	MetaSuppliers        = "authorized_suppliers"
	MetaServiceFee       = "service_fee"
	MetaTokenWithdrawn   = "token_withdrawn"
	MetaFallbackUsed     = "fallback_used"
)

// LedgerEntry is one immutable row of the `ledger_entries` event log. Rows that
// share RecordID describe the same logical money movement; the row with the
// highest Sequence is its current status.
type LedgerEntry struct {
	ID                    uuid.UUID         `json:"id"`
	RecordID              uuid.UUID         `json:"record_id"`
	Sequence              int               `json:"sequence"`
	EscrowID              *uuid.UUID        `json:"escrow_id,omitempty"`
	FromParty             *uuid.UUID        `json:"from_party,omitempty"`
	ToParty               *uuid.UUID        `json:"to_party,omitempty"`
	Amount                Money             `json:"amount"`
	Type                  LedgerEntryType   `json:"type"`
	Status                LedgerStatus      `json:"status"`
	Provider              string            `json:"provider,omitempty"`
	ProviderTransactionID *string           `json:"provider_transaction_id,omitempty"`
	Reference             string            `json:"reference"`
	ErrorCode             string            `json:"error_code,omitempty"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// NewLedgerRecord starts a new logical record with its first row.
func NewLedgerRecord(typ LedgerEntryType, status LedgerStatus, amount Money, reference string, now time.Time) LedgerEntry {
	id := uuid.New()
	return LedgerEntry{
		ID:        id,
		RecordID:  id,
		Sequence:  1,
		Amount:    amount,
		Type:      typ,
		Status:    status,
		Reference: reference,
		Metadata:  map[string]string{},
		CreatedAt: now,
	}
}

// Next returns a new row for the same record carrying the given status. The
// receiver is left untouched.
func (e LedgerEntry) Next(status LedgerStatus, now time.Time) LedgerEntry {
	next := e
	next.ID = uuid.New()
	next.Sequence = e.Sequence + 1
	next.Status = status
	next.CreatedAt = now
	next.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		next.Metadata[k] = v
	}
	return next
}

// WithProviderTransactionID returns a copy of e referencing the provider transaction.
func (e LedgerEntry) WithProviderTransactionID(id string) LedgerEntry {
	if id == "" {
		return e
	}
	e.ProviderTransactionID = &id
	return e
}

// WithFailure returns a copy of e carrying the failure classification.
func (e LedgerEntry) WithFailure(code, reason string) LedgerEntry {
	e.ErrorCode = code
	e.FailureReason = reason
	return e
}
