package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProviderStatusEvent is a provider callback forwarded onto the broker, or
// decoded from a webhook, reporting the outcome of a provider transaction.
type ProviderStatusEvent struct {
	EventID               string    `json:"event_id"`
	Provider              string    `json:"provider"`
	ProviderTransactionID string    `json:"provider_transaction_id"`
	Reference             string    `json:"reference"`
	Status                string    `json:"status"`
	ErrorCode             string    `json:"error_code"`
	Reason                string    `json:"reason"`
	Amount                int64     `json:"amount"`
	OccurredAt            time.Time `json:"occurred_at"`
}

// DisputeEvent is emitted by the dispute workflow when a job dispute opens or closes.
type DisputeEvent struct {
	EventID    string    `json:"event_id"`
	DisputeID  string    `json:"dispute_id"`
	JobID      uuid.UUID `json:"job_id"`
	EscrowID   uuid.UUID `json:"escrow_id"`
	Reason     string    `json:"reason"`
	Resolution string    `json:"resolution"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Dispute resolutions understood by the engine.
const (
	DisputeResolutionRelease = "release"
	DisputeResolutionRefund  = "refund"
)

// EscrowEventType names an outbound notification routing key.
type EscrowEventType string

const (
	EventEscrowBlocked         EscrowEventType = "escrow.blocked"
	EventEscrowFragmented      EscrowEventType = "escrow.fragmented"
	EventEscrowReleased        EscrowEventType = "escrow.released"
	EventEscrowRefunded        EscrowEventType = "escrow.refunded"
	EventEscrowFrozen          EscrowEventType = "escrow.frozen"
	EventEscrowUnfrozen        EscrowEventType = "escrow.unfrozen"
	EventJetonGenerated        EscrowEventType = "jeton.generated"
	EventJetonRedeemed         EscrowEventType = "jeton.redeemed"
	EventJetonExpired          EscrowEventType = "jeton.expired"
	EventFallbackCodeRequested EscrowEventType = "jeton.fallback_code.requested"
)

// EscrowEvent is the payload published to notification consumers.
type EscrowEvent struct {
	EventID    uuid.UUID         `json:"event_id"`
	Type       EscrowEventType   `json:"type"`
	EscrowID   uuid.UUID         `json:"escrow_id"`
	JobID      uuid.UUID         `json:"job_id,omitempty"`
	Recipients []uuid.UUID       `json:"recipients"`
	Amount     int64             `json:"amount,omitempty"`
	Status     string            `json:"status,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEscrowEvent builds a notification for the parties of e.
func NewEscrowEvent(typ EscrowEventType, e *Escrow, amount Money, now time.Time) EscrowEvent {
	return EscrowEvent{
		EventID:    uuid.New(),
		Type:       typ,
		EscrowID:   e.ID,
		JobID:      e.JobID,
		Recipients: []uuid.UUID{e.PayerID, e.PayeeID},
		Amount:     amount.Int64(),
		Status:     string(e.Status),
		Data:       map[string]string{},
		OccurredAt: now,
	}
}
