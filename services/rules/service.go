package rules

import (
	"context"
	"time"

	"eloits-rewards-engine/pkg/config"
	"eloits-rewards-engine/pkg/db/option"
	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	rules repository.Repository[RewardRule]
	node  *snowflake.Node
	cache *Cache
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Cfg  *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	ttl := 5 * time.Minute
	if p.Cfg != nil && p.Cfg.Rewards.RuleCacheTTL > 0 {
		ttl = p.Cfg.Rewards.RuleCacheTTL
	}
	return &Service{
		rules: repository.ProvideStore[RewardRule](p.DB),
		node:  p.Node,
		cache: NewCache(ttl),
	}
}

type CreateParams struct {
	ActivityType string
	Category     string
	BaseAmount   int64
	DailyLimit   int64
	WeeklyLimit  int64
	MonthlyLimit int64
	Description  string
	UpdatedBy    string
	Reason       string
}

func (s *Service) Create(ctx context.Context, p CreateParams) (*RewardRule, error) {
	if p.ActivityType == "" {
		return nil, errutil.BadRequest("activityType is required", nil)
	}
	// Admin mutations always carry a reason; it is never defaulted.
	if p.Reason == "" {
		return nil, errutil.BadRequest("reason is required", nil)
	}
	if p.BaseAmount < 0 || p.DailyLimit < 0 || p.WeeklyLimit < 0 || p.MonthlyLimit < 0 {
		return nil, errutil.BadRequest("amounts and limits must be >= 0", nil)
	}

	existing, err := s.rules.FindOne(ctx, &RewardRule{ActivityType: p.ActivityType})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errutil.Conflict("rule already exists for this activity type", nil)
	}

	now := time.Now().UTC()
	rule := &RewardRule{
		ID:           s.node.Generate().String(),
		ActivityType: p.ActivityType,
		Category:     p.Category,
		BaseAmount:   p.BaseAmount,
		DailyLimit:   p.DailyLimit,
		WeeklyLimit:  p.WeeklyLimit,
		MonthlyLimit: p.MonthlyLimit,
		IsActive:     true,
		Description:  p.Description,
		UpdatedBy:    p.UpdatedBy,
		UpdateReason: p.Reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.cache.Invalidate(rule.ActivityType)
	zap.L().Info("reward rule created",
		zap.String("rule_id", rule.ID),
		zap.String("activity_type", rule.ActivityType),
		zap.String("updated_by", p.UpdatedBy),
	)
	return rule, nil
}

type UpdateParams struct {
	Category     *string
	BaseAmount   *int64
	DailyLimit   *int64
	WeeklyLimit  *int64
	MonthlyLimit *int64
	IsActive     *bool
	Description  *string
	UpdatedBy    string
	Reason       string
}

func (s *Service) Update(ctx context.Context, ruleID string, p UpdateParams) (*RewardRule, error) {
	if p.Reason == "" {
		return nil, errutil.BadRequest("reason is required", nil)
	}

	rule, err := s.rules.FindOne(ctx, &RewardRule{ID: ruleID})
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, errutil.NotFound("rule not found", nil)
	}

	changes := map[string]any{
		"updated_by":    p.UpdatedBy,
		"update_reason": p.Reason,
		"updated_at":    time.Now().UTC(),
	}
	if p.Category != nil {
		changes["category"] = *p.Category
	}
	if p.BaseAmount != nil {
		if *p.BaseAmount < 0 {
			return nil, errutil.BadRequest("baseAmount must be >= 0", nil)
		}
		changes["base_amount"] = *p.BaseAmount
	}
	if p.DailyLimit != nil {
		changes["daily_limit"] = *p.DailyLimit
	}
	if p.WeeklyLimit != nil {
		changes["weekly_limit"] = *p.WeeklyLimit
	}
	if p.MonthlyLimit != nil {
		changes["monthly_limit"] = *p.MonthlyLimit
	}
	if p.IsActive != nil {
		changes["is_active"] = *p.IsActive
	}
	if p.Description != nil {
		changes["description"] = *p.Description
	}

	if err := s.rules.Update(ctx, ruleID, changes); err != nil {
		return nil, err
	}

	s.cache.Invalidate(rule.ActivityType)
	zap.L().Info("reward rule updated",
		zap.String("rule_id", ruleID),
		zap.String("activity_type", rule.ActivityType),
		zap.String("updated_by", p.UpdatedBy),
		zap.String("reason", p.Reason),
	)
	return s.rules.FindOne(ctx, &RewardRule{ID: ruleID})
}

// Deactivate is the delete operation. Rules are never removed so historical
// awards keep a resolvable origin.
func (s *Service) Deactivate(ctx context.Context, ruleID, updatedBy, reason string) (*RewardRule, error) {
	inactive := false
	return s.Update(ctx, ruleID, UpdateParams{IsActive: &inactive, UpdatedBy: updatedBy, Reason: reason})
}

func (s *Service) Get(ctx context.Context, ruleID string) (*RewardRule, error) {
	rule, err := s.rules.FindOne(ctx, &RewardRule{ID: ruleID})
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, errutil.NotFound("rule not found", nil)
	}
	return rule, nil
}

func (s *Service) List(ctx context.Context, includeInactive bool) ([]*RewardRule, error) {
	query := &RewardRule{}
	if !includeInactive {
		query.IsActive = true
	}
	return s.rules.Find(ctx, query, option.WithSortBy(option.QuerySortBy{
		SortBy:  "activity_type",
		OrderBy: "asc",
		Allow:   map[string]bool{"activity_type": true},
	}))
}

// Resolve returns the active rule for an activity type, or (nil, nil) when no
// active rule exists. Reads go through the cache.
func (s *Service) Resolve(ctx context.Context, activityType string) (*RewardRule, error) {
	return s.cache.Fetch(activityType, func() (*RewardRule, error) {
		return s.rules.FindOne(ctx, &RewardRule{ActivityType: activityType, IsActive: true})
	})
}

// Invalidate drops the cached entry for an activity type.
func (s *Service) Invalidate(activityType string) {
	s.cache.Invalidate(activityType)
}

// EnsureDefaults seeds the rules the engine itself depends on. Runs at
// startup and is idempotent.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	existing, err := s.rules.FindOne(ctx, &RewardRule{ActivityType: ActivityReferralCommission})
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	now := time.Now().UTC()
	rule := &RewardRule{
		ID:           s.node.Generate().String(),
		ActivityType: ActivityReferralCommission,
		Category:     "referral",
		BaseAmount:   0,
		IsActive:     true,
		Description:  "commission paid to referrers; amount is computed per earning",
		UpdatedBy:    "system",
		UpdateReason: "seed",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return err
	}

	zap.L().Info("seeded default reward rule", zap.String("activity_type", rule.ActivityType))
	return nil
}
