package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &RewardRule{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node}), db
}

func TestCreate_RejectsDuplicateActivityType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateParams{ActivityType: "quiz_completed", BaseAmount: 50, Reason: "launch"})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusConflict, be.Code)
}

func TestCreate_RejectsNegativeValues(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Create(context.Background(), CreateParams{ActivityType: "quiz_completed", BaseAmount: -1, Reason: "launch"})
	require.Error(t, err)

	_, err = svc.Create(context.Background(), CreateParams{ActivityType: "quiz_completed", DailyLimit: -1, Reason: "launch"})
	require.Error(t, err)
}

func TestMutationsRequireReason(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{ActivityType: "quiz_completed", BaseAmount: 100})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Code)

	rule, err := svc.Create(ctx, CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	amount := int64(150)
	_, err = svc.Update(ctx, rule.ID, UpdateParams{BaseAmount: &amount, UpdatedBy: "admin-1"})
	require.Error(t, err)
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Code)

	// Nothing changed without a reason.
	current, err := svc.Get(ctx, rule.ID)
	require.NoError(t, err)
	require.EqualValues(t, 100, current.BaseAmount)
}

func TestUpdate_RecordsAuditFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	amount := int64(150)
	updated, err := svc.Update(ctx, rule.ID, UpdateParams{
		BaseAmount: &amount,
		UpdatedBy:  "admin-1",
		Reason:     "seasonal boost",
	})
	require.NoError(t, err)
	require.EqualValues(t, 150, updated.BaseAmount)
	require.Equal(t, "admin-1", updated.UpdatedBy)
	require.Equal(t, "seasonal boost", updated.UpdateReason)
}

func TestResolve_UsesCacheUntilInvalidated(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, "quiz_completed")
	require.NoError(t, err)
	require.EqualValues(t, 100, resolved.BaseAmount)

	// A write behind the service's back is invisible until invalidation.
	require.NoError(t, db.Model(&RewardRule{}).
		Where("id = ?", rule.ID).
		Update("base_amount", 999).Error)

	resolved, err = svc.Resolve(ctx, "quiz_completed")
	require.NoError(t, err)
	require.EqualValues(t, 100, resolved.BaseAmount)

	svc.Invalidate("quiz_completed")

	resolved, err = svc.Resolve(ctx, "quiz_completed")
	require.NoError(t, err)
	require.EqualValues(t, 999, resolved.BaseAmount)
}

func TestResolve_SkipsInactiveRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	_, err = svc.Deactivate(ctx, rule.ID, "admin-1", "abuse spike")
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, "quiz_completed")
	require.NoError(t, err)
	require.Nil(t, resolved)
}

func TestCacheTTLExpires(t *testing.T) {
	cache := NewCache(10 * time.Millisecond)
	cache.Set("quiz_completed", &RewardRule{ActivityType: "quiz_completed"})

	_, ok := cache.Get("quiz_completed")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Get("quiz_completed")
	require.False(t, ok)
}

func TestEnsureDefaults_IsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureDefaults(ctx))
	require.NoError(t, svc.EnsureDefaults(ctx))

	seeded, err := svc.Resolve(ctx, ActivityReferralCommission)
	require.NoError(t, err)
	require.NotNil(t, seeded)
	require.True(t, seeded.IsActive)

	all, err := svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestList_FiltersInactive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{ActivityType: "daily_login", BaseAmount: 10, Reason: "launch"})
	require.NoError(t, err)

	inactive, err := svc.Create(ctx, CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)
	_, err = svc.Deactivate(ctx, inactive.ID, "admin-1", "retired")
	require.NoError(t, err)

	rules, err := svc.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "daily_login", rules[0].ActivityType)

	rules, err = svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
}
