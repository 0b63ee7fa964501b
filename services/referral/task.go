package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/services/award"
	"eloits-rewards-engine/services/rules"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandleEarningRecorded pays the referrer's commission for one earning. The
// commission flows through the award engine as a referral_commission credit
// keyed by the original transaction, so a redelivered task cannot pay twice.
func (s *Service) HandleEarningRecorded(ctx context.Context, t *asynq.Task) error {
	var p award.EarningRecordedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal earning recorded: %w", err)
	}

	// The producer already skips commission credits; this guard keeps a
	// misrouted task from cascading anyway.
	if p.ActivityType == rules.ActivityReferralCommission {
		return nil
	}

	ref, err := s.referrals.FindOne(ctx, &Referral{ReferredID: p.UserID, Status: StatusActive})
	if err != nil {
		return err
	}
	if ref == nil {
		return nil
	}

	// A redelivered earning is recognized by the commission it already
	// produced; the origin transaction is the commission's source key.
	paid, err := s.ledger.FindCompletedBySource(ctx, ref.ReferrerID, rules.ActivityReferralCommission, p.TransactionID)
	if err != nil {
		return err
	}
	if paid != nil {
		return nil
	}

	profile, err := s.Profile(ctx, ref.ReferrerID)
	if err != nil {
		return err
	}
	tier := profile.Tier
	if tier == "" {
		tier = TierBronze
	}
	rate := tierRates[tier]

	// The rate in force when the earning arrives applies; tier progression
	// from this earning only affects later commissions.
	commission := commissionFor(tier, p.Amount)
	if commission > 0 {
		_, err = s.award.Award(ctx, award.AwardParams{
			UserID:       ref.ReferrerID,
			ActivityType: rules.ActivityReferralCommission,
			Amount:       commission,
			SourceID:     p.TransactionID,
			SourceType:   "transaction",
			Description:  "commission on referral earning",
		})
		if err != nil {
			var be errutil.BaseError
			if errors.As(err, &be) && be.Code == errutil.StatusConflict {
				return nil // lost the race with another delivery
			}
			return err
		}
	}

	if err := s.db.WithContext(ctx).Model(&Referral{}).
		Where("id = ?", ref.ID).
		Updates(map[string]any{
			"earnings_total":        gorm.Expr("earnings_total + ?", p.Amount),
			"commission_percentage": rate,
			"updated_at":            time.Now().UTC(),
		}).Error; err != nil {
		return err
	}

	zap.L().Info("referral commission paid",
		zap.String("referrer_id", ref.ReferrerID),
		zap.String("referred_id", p.UserID),
		zap.String("tier", string(tier)),
		zap.Int64("commission", commission),
	)

	if _, err := s.refreshTier(ctx, profile); err != nil {
		zap.L().Warn("failed to refresh referrer tier",
			zap.String("referrer_id", ref.ReferrerID), zap.Error(err))
	}
	return nil
}
