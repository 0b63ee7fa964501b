package award

import (
	"encoding/json"

	"eloits-rewards-engine/pkg/taskname"

	"github.com/hibiken/asynq"
)

// TrustSignalPayload notifies the trust engine that an award completed.
type TrustSignalPayload struct {
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId"`
	ActivityType  string `json:"activityType"`
	Amount        int64  `json:"amountEloits"`
}

func NewTrustSignalTask(p TrustSignalPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.TrustAwardSignal, payload), nil
}

// EarningRecordedPayload notifies the referral engine that a user earned
// ELOITS, so a commission can be paid to their referrer.
type EarningRecordedPayload struct {
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId"`
	ActivityType  string `json:"activityType"`
	Amount        int64  `json:"amountEloits"`
}

func NewEarningRecordedTask(p EarningRecordedPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ReferralEarningRecorded, payload), nil
}
