package rules

import "time"

// ActivityReferralCommission is the reserved activity type used when paying
// referral commissions back through the award pipeline.
const ActivityReferralCommission = "referral_commission"

// RewardRule configures how one activity type earns ELOITS. Limits are
// rolling-window caps on the sum awarded; zero means unlimited.
type RewardRule struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	ActivityType string    `gorm:"column:activity_type;uniqueIndex" json:"activityType"`
	Category     string    `gorm:"column:category" json:"category"`
	BaseAmount   int64     `gorm:"column:base_amount" json:"baseAmount"`
	DailyLimit   int64     `gorm:"column:daily_limit" json:"dailyLimit"`
	WeeklyLimit  int64     `gorm:"column:weekly_limit" json:"weeklyLimit"`
	MonthlyLimit int64     `gorm:"column:monthly_limit" json:"monthlyLimit"`
	IsActive     bool      `gorm:"column:is_active" json:"isActive"`
	Description  string    `gorm:"column:description" json:"description,omitempty"`
	UpdatedBy    string    `gorm:"column:updated_by" json:"updatedBy,omitempty"`
	UpdateReason string    `gorm:"column:update_reason" json:"updateReason,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (RewardRule) TableName() string { return "reward_rules" }
