package redemption

import (
	"context"

	"go.uber.org/zap"
)

// PayoutRail hands a redemption to an external payout channel. Payout returns
// the rail's reference for the transfer; completion (or failure) is reported
// back later through Complete and Reject. A returned error means the rail
// refused the request outright.
type PayoutRail interface {
	Name() string
	Payout(ctx context.Context, req *Request) (string, error)
}

// ManualRail parks requests for operator review. It is the default rail: the
// request stays in processing until an admin completes or rejects it.
type ManualRail struct{}

func NewManualRail() *ManualRail { return &ManualRail{} }

func (ManualRail) Name() string { return "manual" }

func (ManualRail) Payout(ctx context.Context, req *Request) (string, error) {
	zap.L().Info("redemption queued for manual review",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
	)
	return "manual:" + req.ID, nil
}
