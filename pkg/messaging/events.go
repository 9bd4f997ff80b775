package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects published by the exchange core.
const (
	EventMintCreated   = "mint.created"
	EventMintProof     = "mint.proof_submitted"
	EventMintConfirmed = "mint.confirmed"
	EventMintRejected  = "mint.rejected"
	EventMintExpired   = "mint.expired"
	EventMintCancelled = "mint.cancelled"

	EventBurnCreated   = "burn.created"
	EventBurnCompleted = "burn.completed"
	EventBurnExpired   = "burn.expired"

	EventEscrowDisputed = "escrow.disputed"
	EventEscrowRefunded = "escrow.refunded"

	EventDisputeOpened    = "dispute.opened"
	EventDisputeEscalated = "dispute.escalated"
	EventDisputeResolved  = "dispute.resolved"

	EventWithdrawalCreated  = "withdrawal.created"
	EventWithdrawalApproved = "withdrawal.approved"
	EventWithdrawalRejected = "withdrawal.rejected"
	EventWithdrawalPaid     = "withdrawal.paid"

	EventAgentStatusChanged = "agent.status_changed"
)

// Event is the envelope carried on every subject. Amounts travel as
// decimal strings like everywhere else on the wire.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Subject   string    `json:"subject"`
	EntityID  uuid.UUID `json:"entity_id"`
	AgentID   uuid.UUID `json:"agent_id,omitempty"`
	UserID    uuid.UUID `json:"user_id,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Token     string    `json:"token_type,omitempty"`
	Status    string    `json:"status,omitempty"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
