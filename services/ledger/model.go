package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type EntryType string

const (
	TypeCredit EntryType = "CREDIT"
	TypeDebit  EntryType = "DEBIT"
)

type TxnStatus string

const (
	StatusPending   TxnStatus = "pending"
	StatusCompleted TxnStatus = "completed"
	StatusReversed  TxnStatus = "reversed"
)

// ActivityRedemption marks debit entries created by the redemption workflow.
const ActivityRedemption = "redemption"

// AccountSummary is the materialized per-user balance row. Balance fields are
// mutated only through the Service write path; availableBalance never exceeds
// totalEarned - totalRedeemed.
type AccountSummary struct {
	UserID           string    `gorm:"column:user_id;primaryKey" json:"userId"`
	TotalEarned      int64     `gorm:"column:total_earned" json:"totalEarned"`
	TotalRedeemed    int64     `gorm:"column:total_redeemed" json:"totalRedeemed"`
	AvailableBalance int64     `gorm:"column:available_balance" json:"availableBalance"`
	PendingBalance   int64     `gorm:"column:pending_balance" json:"pendingBalance"`
	TrustScore       int       `gorm:"column:trust_score" json:"trustScore"`
	Level            int       `gorm:"column:level" json:"level"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (AccountSummary) TableName() string { return "account_summary" }

var levelThresholds = []int64{0, 1000, 5000, 20000, 50000}

// LevelFor derives the account level from lifetime earnings.
func LevelFor(totalEarned int64) int {
	level := 1
	for i, threshold := range levelThresholds {
		if totalEarned >= threshold {
			level = i + 1
		}
	}
	return level
}

// Transaction is an immutable, append-only ledger entry. Completed and
// reversed entries never change amount or user; compensation happens through
// new entries or status flips of pending holds.
type Transaction struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt    time.Time      `gorm:"column:created_at;index" json:"createdAt"`
	UpdatedAt    time.Time      `gorm:"column:updated_at" json:"-"`
	UserID       string         `gorm:"column:user_id;index" json:"userId"`
	Type         EntryType      `gorm:"column:type" json:"type"`
	ActivityType string         `gorm:"column:activity_type;index" json:"activityType"`
	Category     string         `gorm:"column:category" json:"category"`
	Amount       int64          `gorm:"column:amount_eloits" json:"amountEloits"`
	SourceID     string         `gorm:"column:source_id;index" json:"sourceId"`
	SourceType   string         `gorm:"column:source_type" json:"sourceType"`
	Status       TxnStatus      `gorm:"column:status" json:"status"`
	Description  string         `gorm:"column:description" json:"description,omitempty"`
	PreviousHash string         `gorm:"column:previous_hash" json:"-"`
	Hash         string         `gorm:"column:hash" json:"-"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}

func (Transaction) TableName() string { return "transactions" }

func (t *Transaction) HashFields() map[string]string {
	return map[string]string{
		"id":            t.ID,
		"user_id":       t.UserID,
		"type":          string(t.Type),
		"activity_type": t.ActivityType,
		"amount":        fmt.Sprintf("%d", t.Amount),
		"source_id":     t.SourceID,
		"source_type":   t.SourceType,
		"created_at":    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": t.PreviousHash,
	}
}

func (t *Transaction) GenerateHash() string {
	fields := t.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}
