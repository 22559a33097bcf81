package domain

import "github.com/google/uuid"

// Party is the payment identity of a user resolved from the identity service.
type Party struct {
	ID       uuid.UUID `json:"id"`
	Phone    string    `json:"phone_number"`
	Location *GeoPoint `json:"location,omitempty"`
}

// OpenEscrowRequest is sent by the marketplace when a client accepts a quote.
type OpenEscrowRequest struct {
	JobID               uuid.UUID   `json:"job_id"`
	PayerID             uuid.UUID   `json:"payer_id"`
	PayeeID             uuid.UUID   `json:"payee_id"`
	Amount              int64       `json:"amount"`
	AuthorizedSuppliers []uuid.UUID `json:"authorized_suppliers"`
}

// ReleaseLaborRequest releases part of the labor fragment against a milestone.
type ReleaseLaborRequest struct {
	Amount      int64  `json:"amount"`
	MilestoneID string `json:"milestone_id"`
}

// RefundRequest returns funds to the payer. A zero amount refunds the whole remaining balance.
type RefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type FreezeRequest struct {
	Reason string `json:"reason"`
}

// RedeemTokenRequest is submitted by a supplier's point of sale.
type RedeemTokenRequest struct {
	Code                string    `json:"code"`
	SupplierID          uuid.UUID `json:"supplier_id"`
	Amount              int64     `json:"amount"`
	SupplierLocation    *GeoPoint `json:"supplier_location,omitempty"`
	BeneficiaryLocation *GeoPoint `json:"beneficiary_location,omitempty"`
	FallbackCode        string    `json:"fallback_code,omitempty"`
}

// RedeemTokenResult reports the outcome of a redemption.
type RedeemTokenResult struct {
	Token          *Token       `json:"token"`
	Ledger         *LedgerEntry `json:"ledger_entry"`
	DistanceMeters float64      `json:"distance_meters"`
}

// EscrowView is the escrow plus its active token, as returned by the ops API.
type EscrowView struct {
	Escrow *Escrow `json:"escrow"`
	Token  *Token  `json:"token,omitempty"`
}

// MovementResult is an escrow after a money movement together with the ledger row that recorded it.
type MovementResult struct {
	Escrow *Escrow      `json:"escrow"`
	Ledger *LedgerEntry `json:"ledger_entry"`
}
