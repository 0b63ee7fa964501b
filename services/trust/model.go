package trust

import "time"

// Sources of trust adjustments.
const (
	SourceAwardSignal     = "award_signal"
	SourceFraudFlag       = "fraud_flag"
	SourceInactivitySweep = "inactivity_sweep"
	SourceManual          = "manual"
)

// HistoryEntry records one trust adjustment. OldScore and NewScore are the
// stored values around the change, both clamped, so the history alone replays
// to the current score and never disagrees with what was persisted.
type HistoryEntry struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	UserID    string    `gorm:"column:user_id;index" json:"userId"`
	Delta     int       `gorm:"column:delta" json:"delta"`
	OldScore  int       `gorm:"column:old_score" json:"oldScore"`
	NewScore  int       `gorm:"column:new_score" json:"newScore"`
	Reason    string    `gorm:"column:reason" json:"reason"`
	Source    string    `gorm:"column:source" json:"source"`
	RefID     string    `gorm:"column:ref_id;index" json:"refId,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;index" json:"createdAt"`
}

func (HistoryEntry) TableName() string { return "trust_history" }
