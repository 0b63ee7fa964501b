package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/taskname"

	"github.com/hibiken/asynq"
)

type ProcessPayoutPayload struct {
	RequestID string `json:"requestId"`
}

func NewProcessPayoutTask(requestID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessPayoutPayload{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.RedemptionProcessPayout, payload, asynq.Queue("critical")), nil
}

// HandleProcessPayout drives a freshly created request into the payout rail.
// A request that already left pending (cancelled, or a redelivered task) is
// left alone.
func (s *Service) HandleProcessPayout(ctx context.Context, t *asynq.Task) error {
	var p ProcessPayoutPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal process payout: %w", err)
	}

	_, err := s.Process(ctx, p.RequestID)
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) && be.Code == errutil.StatusConflict {
			return nil
		}
		return err
	}
	return nil
}
