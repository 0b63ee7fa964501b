package referral

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusChurned Status = "churned"
)

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

var tierRates = map[Tier]float64{
	TierBronze:   0.05,
	TierSilver:   0.075,
	TierGold:     0.10,
	TierPlatinum: 0.125,
}

var tierRank = map[Tier]int{
	TierBronze:   0,
	TierSilver:   1,
	TierGold:     2,
	TierPlatinum: 3,
}

// TierFor maps the cumulative earnings of a referrer's referred users to a
// tier. Tiers only move up; the caller enforces that by never writing a
// lower-ranked tier.
func TierFor(referredEarnings int64) Tier {
	switch {
	case referredEarnings >= 200000:
		return TierPlatinum
	case referredEarnings >= 50000:
		return TierGold
	case referredEarnings >= 10000:
		return TierSilver
	default:
		return TierBronze
	}
}

// Referral links a referred user to their referrer. A user can be referred at
// most once, enforced by the unique index. EarningsTotal accumulates the
// referred user's commissionable earnings and drives tier progression;
// CommissionPct is the rate applied to the most recent commission.
type Referral struct {
	ID            string     `gorm:"column:id;primaryKey" json:"id"`
	ReferrerID    string     `gorm:"column:referrer_id;index" json:"referrerId"`
	ReferredID    string     `gorm:"column:referred_id;uniqueIndex" json:"referredId"`
	Status        Status     `gorm:"column:status" json:"status"`
	EarningsTotal int64      `gorm:"column:earnings_total" json:"earningsTotal"`
	CommissionPct float64    `gorm:"column:commission_percentage" json:"commissionPercentage"`
	ActivatedAt   *time.Time `gorm:"column:activated_at" json:"activatedAt,omitempty"`
	CreatedAt     time.Time  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

func (Referral) TableName() string { return "referrals" }

// ReferrerProfile caches the referrer's tier and aggregates. The commission
// total is derived from the ledger, so the profile can always be rebuilt.
type ReferrerProfile struct {
	ReferrerID      string    `gorm:"column:referrer_id;primaryKey" json:"referrerId"`
	Tier            Tier      `gorm:"column:tier" json:"tier"`
	TotalCommission int64     `gorm:"column:total_commission" json:"totalCommission"`
	ActiveReferrals int       `gorm:"column:active_referrals" json:"activeReferrals"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (ReferrerProfile) TableName() string { return "referrer_profiles" }
