package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eloits-rewards-engine/pkg/taskname"
	"eloits-rewards-engine/services/award"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// FraudFlagPayload is enqueued when an admin flags suspicious activity.
type FraudFlagPayload struct {
	UserID    string `json:"userId"`
	FlagID    string `json:"flagId"`
	Reason    string `json:"reason"`
	FlaggedBy string `json:"flaggedBy"`
}

func NewFraudFlagTask(p FraudFlagPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.TrustFraudFlag, payload, asynq.Queue("critical")), nil
}

func NewDecaySweepTask() *asynq.Task {
	return asynq.NewTask(taskname.TrustDecaySweep, nil, asynq.Queue("low"))
}

// HandleAwardSignal bumps the score after a completed award.
func (s *Service) HandleAwardSignal(ctx context.Context, t *asynq.Task) error {
	var p award.TrustSignalPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal trust signal: %w", err)
	}

	_, err := s.Adjust(ctx, AdjustParams{
		UserID: p.UserID,
		Delta:  s.awardDelta,
		Reason: "earned " + p.ActivityType,
		Source: SourceAwardSignal,
		RefID:  p.TransactionID,
	})
	return err
}

// ApplyFraudFlag applies the configured fraud penalty.
func (s *Service) ApplyFraudFlag(ctx context.Context, p FraudFlagPayload) (*HistoryEntry, error) {
	return s.Adjust(ctx, AdjustParams{
		UserID: p.UserID,
		Delta:  s.fraudDelta,
		Reason: p.Reason,
		Source: SourceFraudFlag,
		RefID:  p.FlagID,
	})
}

// HandleFraudFlag applies the fraud penalty.
func (s *Service) HandleFraudFlag(ctx context.Context, t *asynq.Task) error {
	var p FraudFlagPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal fraud flag: %w", err)
	}

	if _, err := s.ApplyFraudFlag(ctx, p); err != nil {
		return err
	}

	zap.L().Warn("fraud flag applied",
		zap.String("user_id", p.UserID),
		zap.String("flag_id", p.FlagID),
		zap.String("flagged_by", p.FlaggedBy),
	)
	return nil
}

// HandleDecaySweep runs the periodic inactivity penalty.
func (s *Service) HandleDecaySweep(ctx context.Context, t *asynq.Task) error {
	_, err := s.SweepInactive(ctx, time.Now())
	return err
}
