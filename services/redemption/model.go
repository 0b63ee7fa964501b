package redemption

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// validTransitions encodes the state machine. Terminal states have no exits.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusRejected},
	StatusProcessing: {StatusCompleted, StatusRejected},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request is one withdrawal attempt. TransactionID points at the ledger hold
// that reserves the funds for the request's lifetime.
type Request struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	UserID        string         `gorm:"column:user_id;index" json:"userId"`
	Amount        int64          `gorm:"column:amount_eloits" json:"amountEloits"`
	Method        string         `gorm:"column:method" json:"method"`
	MethodDetails datatypes.JSON `gorm:"column:method_details" json:"methodDetails,omitempty"`
	Status        Status         `gorm:"column:status;index" json:"status"`
	TransactionID string         `gorm:"column:transaction_id" json:"transactionId"`
	PayoutRef     string         `gorm:"column:payout_ref" json:"payoutRef,omitempty"`
	FailureReason string         `gorm:"column:failure_reason" json:"failureReason,omitempty"`
	ReviewedBy    string         `gorm:"column:reviewed_by" json:"reviewedBy,omitempty"`
	ProcessedAt   *time.Time     `gorm:"column:processed_at" json:"processedAt,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;index" json:"createdAt"`
	UpdatedAt     time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

func (Request) TableName() string { return "redemption_requests" }
