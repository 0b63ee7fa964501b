package referral

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/services/award"
	"eloits-rewards-engine/services/ledger"
	"eloits-rewards-engine/services/rules"
	"eloits-rewards-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	referral *Service
	ledger   *ledger.Service
	rules    *rules.Service
	award    *award.Service
	db       *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.AccountSummary{}, &ledger.Transaction{}, &rules.RewardRule{},
		&Referral{}, &ReferrerProfile{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	rulesSvc := rules.NewService(rules.ServiceParams{DB: db, Node: node})
	require.NoError(t, rulesSvc.EnsureDefaults(context.Background()))

	awardSvc := award.NewService(award.ServiceParams{DB: db, Ledger: ledgerSvc, Rules: rulesSvc})

	return &fixture{
		referral: NewService(ServiceParams{
			DB: db, Node: node, Ledger: ledgerSvc, Award: awardSvc, Rules: rulesSvc,
		}),
		ledger: ledgerSvc,
		rules:  rulesSvc,
		award:  awardSvc,
		db:     db,
	}
}

func TestRecord_RejectsSelfReferral(t *testing.T) {
	f := newFixture(t)

	_, err := f.referral.Record(context.Background(), RecordParams{
		ReferrerID: "user-1", ReferredID: "user-1",
	})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusUnprocessableEntity, be.Code)
}

func TestRecord_RejectsSecondReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Record(ctx, RecordParams{ReferrerID: "alice", ReferredID: "carol"})
	require.NoError(t, err)

	_, err = f.referral.Record(ctx, RecordParams{ReferrerID: "bob", ReferredID: "carol"})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusConflict, be.Code)
}

func TestActivate_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Record(ctx, RecordParams{ReferrerID: "alice", ReferredID: "carol"})
	require.NoError(t, err)

	ref, err := f.referral.Activate(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, StatusActive, ref.Status)
	require.NotNil(t, ref.ActivatedAt)

	_, err = f.referral.Activate(ctx, "carol")
	require.NoError(t, err)

	profile, err := f.referral.Profile(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, profile.ActiveReferrals)
}

func TestHandleEarningRecorded_PaysBronzeCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Record(ctx, RecordParams{ReferrerID: "alice", ReferredID: "carol"})
	require.NoError(t, err)
	_, err = f.referral.Activate(ctx, "carol")
	require.NoError(t, err)

	task, err := award.NewEarningRecordedTask(award.EarningRecordedPayload{
		UserID:        "carol",
		TransactionID: "txn-1",
		ActivityType:  "quiz_completed",
		Amount:        1000,
	})
	require.NoError(t, err)

	require.NoError(t, f.referral.HandleEarningRecorded(ctx, task))

	summary, err := f.ledger.GetSummary(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 50, summary.TotalEarned) // 5% of 1000

	// The referral row carries the accumulated earnings and the applied rate.
	refs, err := f.referral.ListByReferrer(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.EqualValues(t, 1000, refs[0].EarningsTotal)
	require.InDelta(t, 0.05, refs[0].CommissionPct, 1e-9)

	// Redelivery pays nothing extra and counts nothing twice.
	require.NoError(t, f.referral.HandleEarningRecorded(ctx, task))

	summary, err = f.ledger.GetSummary(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 50, summary.TotalEarned)

	refs, err = f.referral.ListByReferrer(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1000, refs[0].EarningsTotal)
}

func TestHandleEarningRecorded_PendingReferralEarnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Record(ctx, RecordParams{ReferrerID: "alice", ReferredID: "carol"})
	require.NoError(t, err)

	task, err := award.NewEarningRecordedTask(award.EarningRecordedPayload{
		UserID:        "carol",
		TransactionID: "txn-1",
		ActivityType:  "quiz_completed",
		Amount:        1000,
	})
	require.NoError(t, err)

	require.NoError(t, f.referral.HandleEarningRecorded(ctx, task))

	summary, err := f.ledger.GetSummary(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, summary)
}

func TestHandleEarningRecorded_PromotesTierFromReferredEarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Record(ctx, RecordParams{ReferrerID: "alice", ReferredID: "carol"})
	require.NoError(t, err)
	_, err = f.referral.Activate(ctx, "carol")
	require.NoError(t, err)

	// A single earning pushes carol's cumulative earnings past the silver
	// threshold. It is still rated at bronze, the tier in force when it
	// arrived; the promotion applies to later commissions.
	big, err := award.NewEarningRecordedTask(award.EarningRecordedPayload{
		UserID:        "carol",
		TransactionID: "txn-1",
		ActivityType:  "quiz_completed",
		Amount:        12000,
	})
	require.NoError(t, err)
	require.NoError(t, f.referral.HandleEarningRecorded(ctx, big))

	profile, err := f.referral.Profile(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, TierSilver, profile.Tier)

	summary, err := f.ledger.GetSummary(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 600, summary.TotalEarned) // 5% of 12000

	next, err := award.NewEarningRecordedTask(award.EarningRecordedPayload{
		UserID:        "carol",
		TransactionID: "txn-2",
		ActivityType:  "quiz_completed",
		Amount:        1000,
	})
	require.NoError(t, err)
	require.NoError(t, f.referral.HandleEarningRecorded(ctx, next))

	summary, err = f.ledger.GetSummary(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 675, summary.TotalEarned) // + 7.5% of 1000 at silver

	profile, err = f.referral.Profile(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 675, profile.TotalCommission)

	refs, err := f.referral.ListByReferrer(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 13000, refs[0].EarningsTotal)
	require.InDelta(t, 0.075, refs[0].CommissionPct, 1e-9)
}

func TestChurn_StopsCommissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.referral.Record(ctx, RecordParams{ReferrerID: "alice", ReferredID: "carol"})
	require.NoError(t, err)
	_, err = f.referral.Activate(ctx, "carol")
	require.NoError(t, err)

	ref, err := f.referral.Churn(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, StatusChurned, ref.Status)

	// Churning twice is a no-op; re-activation is not allowed.
	_, err = f.referral.Churn(ctx, "carol")
	require.NoError(t, err)
	_, err = f.referral.Activate(ctx, "carol")
	require.Error(t, err)

	profile, err := f.referral.Profile(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 0, profile.ActiveReferrals)

	task, err := award.NewEarningRecordedTask(award.EarningRecordedPayload{
		UserID:        "carol",
		TransactionID: "txn-1",
		ActivityType:  "quiz_completed",
		Amount:        1000,
	})
	require.NoError(t, err)
	require.NoError(t, f.referral.HandleEarningRecorded(ctx, task))

	summary, err := f.ledger.GetSummary(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, summary)
}

func TestTierFor_Thresholds(t *testing.T) {
	require.Equal(t, TierBronze, TierFor(0))
	require.Equal(t, TierBronze, TierFor(9999))
	require.Equal(t, TierSilver, TierFor(10000))
	require.Equal(t, TierGold, TierFor(50000))
	require.Equal(t, TierPlatinum, TierFor(200000))
}

func TestCommissionFor_RoundsHalfUp(t *testing.T) {
	require.EqualValues(t, 50, commissionFor(TierBronze, 1000))
	require.EqualValues(t, 1, commissionFor(TierBronze, 10))   // 0.5 rounds up
	require.EqualValues(t, 0, commissionFor(TierBronze, 9))    // 0.45 rounds down
	require.EqualValues(t, 75, commissionFor(TierSilver, 1000))
	require.EqualValues(t, 125, commissionFor(TierPlatinum, 1000))
}

func TestActivate_PaysSignupBonusWhenRuleExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{
		ActivityType: ActivitySignupBonus,
		BaseAmount:   500,
		Category:     "referral",
		Reason:       "referral program launch",
	})
	require.NoError(t, err)

	_, err = f.referral.Record(ctx, RecordParams{ReferrerID: "alice", ReferredID: "carol"})
	require.NoError(t, err)
	_, err = f.referral.Activate(ctx, "carol")
	require.NoError(t, err)

	summary, err := f.ledger.GetSummary(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 500, summary.TotalEarned)
}
