package referral

import (
	"context"
	"errors"
	"math"
	"time"

	"eloits-rewards-engine/pkg/db/option"
	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/repository"
	"eloits-rewards-engine/services/award"
	"eloits-rewards-engine/services/ledger"
	"eloits-rewards-engine/services/rules"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActivitySignupBonus is the optional one-time bonus paid to a referrer when
// their referral activates. It only pays when an admin has configured an
// active rule for it.
const ActivitySignupBonus = "referral_signup"

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	referrals repository.Repository[Referral]
	profiles  repository.Repository[ReferrerProfile]
	ledger    *ledger.Service
	award     *award.Service
	rules     *rules.Service
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
	Award  *award.Service
	Rules  *rules.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		referrals: repository.ProvideStore[Referral](p.DB),
		profiles:  repository.ProvideStore[ReferrerProfile](p.DB),
		ledger:    p.Ledger,
		award:     p.Award,
		rules:     p.Rules,
	}
}

type RecordParams struct {
	ReferrerID string
	ReferredID string
}

// Record registers a pending referral. Self-referral and re-referral of an
// already referred user are rejected.
func (s *Service) Record(ctx context.Context, p RecordParams) (*Referral, error) {
	if p.ReferrerID == "" || p.ReferredID == "" {
		return nil, errutil.BadRequest("referrerId and referredId are required", nil)
	}
	if p.ReferrerID == p.ReferredID {
		return nil, errutil.UnprocessableEntity("self-referral is not allowed", nil)
	}

	existing, err := s.referrals.FindOne(ctx, &Referral{ReferredID: p.ReferredID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errutil.Conflict("user already has a referrer", nil)
	}

	now := time.Now().UTC()
	ref := &Referral{
		ID:         s.node.Generate().String(),
		ReferrerID: p.ReferrerID,
		ReferredID: p.ReferredID,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(ref).Error; err != nil {
			return err
		}
		_, err := s.ensureProfile(ctx, tx, p.ReferrerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("referral recorded",
		zap.String("referral_id", ref.ID),
		zap.String("referrer_id", p.ReferrerID),
		zap.String("referred_id", p.ReferredID),
	)
	return ref, nil
}

// Activate marks the referral active once the referred user qualifies.
// Activating twice is a no-op. A signup bonus is paid to the referrer when a
// rule for it exists.
func (s *Service) Activate(ctx context.Context, referredID string) (*Referral, error) {
	ref, err := s.referrals.FindOne(ctx, &Referral{ReferredID: referredID})
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, errutil.NotFound("no referral recorded for user", nil)
	}
	if ref.Status == StatusActive {
		return ref, nil
	}
	if ref.Status != StatusPending {
		return nil, errutil.Conflict("referral has churned", nil)
	}

	now := time.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Referral{}).
			Where("id = ? AND status = ?", ref.ID, StatusPending).
			Updates(map[string]any{
				"status":       StatusActive,
				"activated_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&ReferrerProfile{}).
			Where("referrer_id = ?", ref.ReferrerID).
			Updates(map[string]any{
				"active_referrals": gorm.Expr("active_referrals + 1"),
				"updated_at":       now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	ref.Status = StatusActive
	ref.ActivatedAt = &now

	s.paySignupBonus(ctx, ref)
	return ref, nil
}

func (s *Service) paySignupBonus(ctx context.Context, ref *Referral) {
	rule, err := s.rules.Resolve(ctx, ActivitySignupBonus)
	if err != nil || rule == nil {
		return
	}

	_, err = s.award.Award(ctx, award.AwardParams{
		UserID:       ref.ReferrerID,
		ActivityType: ActivitySignupBonus,
		SourceID:     ref.ID,
		SourceType:   "referral",
		Description:  "referral activated",
	})
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) && be.Code == errutil.StatusConflict {
			return // already paid on a previous activation attempt
		}
		zap.L().Error("failed to pay signup bonus",
			zap.String("referral_id", ref.ID), zap.Error(err))
	}
}

// Churn retires an active referral; commissions stop immediately. Earnings
// and tier are kept, since tier progression never reverses.
func (s *Service) Churn(ctx context.Context, referredID string) (*Referral, error) {
	ref, err := s.referrals.FindOne(ctx, &Referral{ReferredID: referredID})
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, errutil.NotFound("no referral recorded for user", nil)
	}
	if ref.Status == StatusChurned {
		return ref, nil
	}
	if ref.Status != StatusActive {
		return nil, errutil.Conflict("only active referrals can churn", nil)
	}

	now := time.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Referral{}).
			Where("id = ? AND status = ?", ref.ID, StatusActive).
			Updates(map[string]any{"status": StatusChurned, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&ReferrerProfile{}).
			Where("referrer_id = ? AND active_referrals > 0", ref.ReferrerID).
			Updates(map[string]any{
				"active_referrals": gorm.Expr("active_referrals - 1"),
				"updated_at":       now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	ref.Status = StatusChurned
	ref.UpdatedAt = now

	zap.L().Info("referral churned",
		zap.String("referral_id", ref.ID),
		zap.String("referrer_id", ref.ReferrerID),
		zap.String("referred_id", ref.ReferredID),
	)
	return ref, nil
}

// ListByReferrer returns the referrer's referrals, newest first.
func (s *Service) ListByReferrer(ctx context.Context, referrerID string, limit, offset int) ([]*Referral, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.referrals.Find(ctx, &Referral{ReferrerID: referrerID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}

// Profile returns the referrer's tier and aggregates, creating the default
// bronze profile on first read.
func (s *Service) Profile(ctx context.Context, referrerID string) (*ReferrerProfile, error) {
	profile, err := s.profiles.FindOne(ctx, &ReferrerProfile{ReferrerID: referrerID})
	if err != nil {
		return nil, err
	}
	if profile == nil {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			var innerErr error
			profile, innerErr = s.ensureProfile(ctx, tx, referrerID)
			return innerErr
		})
		if err != nil {
			return nil, err
		}
	}
	return profile, nil
}

func (s *Service) ensureProfile(ctx context.Context, tx *gorm.DB, referrerID string) (*ReferrerProfile, error) {
	profile, err := s.profiles.WithTrx(tx).FindOne(ctx, &ReferrerProfile{ReferrerID: referrerID})
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	now := time.Now().UTC()
	profile = &ReferrerProfile{
		ReferrerID: referrerID,
		Tier:       TierBronze,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(profile).Error; err != nil {
		return nil, err
	}
	return profile, nil
}

// commissionFor rounds half up.
func commissionFor(tier Tier, amount int64) int64 {
	rate, ok := tierRates[tier]
	if !ok {
		rate = tierRates[TierBronze]
	}
	return int64(math.Floor(float64(amount)*rate + 0.5))
}

// refreshTier recomputes the tier from the cumulative earnings of the
// referrer's referred users and promotes the profile when the derived tier is
// higher; tiers never move down. The lifetime commission aggregate is synced
// from the ledger at the same time, so the profile can always be rebuilt.
// Returns the effective tier.
func (s *Service) refreshTier(ctx context.Context, profile *ReferrerProfile) (Tier, error) {
	var earned int64
	err := s.db.WithContext(ctx).Model(&Referral{}).
		Select("COALESCE(SUM(earnings_total), 0)").
		Where("referrer_id = ?", profile.ReferrerID).
		Scan(&earned).Error
	if err != nil {
		return profile.Tier, err
	}

	commission, _, err := s.ledger.SumCompletedSince(ctx, profile.ReferrerID, rules.ActivityReferralCommission, time.Time{})
	if err != nil {
		return profile.Tier, err
	}

	derived := TierFor(earned)
	current := profile.Tier
	if current == "" {
		current = TierBronze
	}

	effective := current
	changes := map[string]any{}
	if commission != profile.TotalCommission {
		changes["total_commission"] = commission
	}
	if tierRank[derived] > tierRank[current] {
		changes["tier"] = derived
		effective = derived
	}
	if len(changes) == 0 {
		return effective, nil
	}

	changes["updated_at"] = time.Now().UTC()
	err = s.db.WithContext(ctx).Model(&ReferrerProfile{}).
		Where("referrer_id = ?", profile.ReferrerID).
		Updates(changes).Error
	if err != nil {
		return current, err
	}
	profile.Tier = effective
	profile.TotalCommission = commission

	if effective != current {
		zap.L().Info("referrer tier promoted",
			zap.String("referrer_id", profile.ReferrerID),
			zap.String("tier", string(effective)),
			zap.Int64("referred_earnings", earned),
		)
	}
	return effective, nil
}
