package award

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/task"
	"eloits-rewards-engine/services/ledger"
	"eloits-rewards-engine/services/rules"
	"eloits-rewards-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type fixture struct {
	award    *Service
	ledger   *ledger.Service
	rules    *rules.Service
	enqueuer *fakeEnqueuer
	outbox   *task.Outbox
	db       *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.AccountSummary{}, &ledger.Transaction{}, &rules.RewardRule{},
		&task.OutboxMessage{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	rulesSvc := rules.NewService(rules.ServiceParams{DB: db, Node: node})
	enqueuer := &fakeEnqueuer{}
	outbox := task.NewOutbox(db, node, enqueuer)

	return &fixture{
		award: NewService(ServiceParams{
			DB:     db,
			Ledger: ledgerSvc,
			Rules:  rulesSvc,
			Outbox: outbox,
		}),
		ledger:   ledgerSvc,
		rules:    rulesSvc,
		enqueuer: enqueuer,
		outbox:   outbox,
		db:       db,
	}
}

func (f *fixture) pendingOutbox(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&task.OutboxMessage{}).
		Where("dispatched_at IS NULL").Count(&n).Error)
	return n
}

func TestAward_RepetitionDecay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	expected := []int64{100, 90, 81}
	for i, want := range expected {
		entry, err := f.award.Award(ctx, AwardParams{
			UserID:       "user-1",
			ActivityType: "quiz_completed",
			SourceID:     fmt.Sprintf("quiz-%d", i),
		})
		require.NoError(t, err)
		require.Equal(t, want, entry.Amount, "award %d", i+1)
	}

	summary, err := f.ledger.GetSummary(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 271, summary.TotalEarned)
}

func TestDecayedAmount_FloorsAtMinimumFactor(t *testing.T) {
	f := newFixture(t)

	require.EqualValues(t, 100, f.award.decayedAmount(100, 0))
	require.EqualValues(t, 90, f.award.decayedAmount(100, 1))
	require.EqualValues(t, 81, f.award.decayedAmount(100, 2))
	// 0.9^30 is well below the 0.1 floor.
	require.EqualValues(t, 10, f.award.decayedAmount(100, 30))
}

func TestAward_DailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{
		ActivityType: "daily_challenge",
		BaseAmount:   100,
		DailyLimit:   500,
		Reason:       "launch",
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.award.Award(ctx, AwardParams{
			UserID:       "user-1",
			ActivityType: "daily_challenge",
			Amount:       100, // override skips decay, still capped
			SourceID:     fmt.Sprintf("challenge-%d", i),
		})
		require.NoError(t, err)
	}

	_, err = f.award.Award(ctx, AwardParams{
		UserID:       "user-1",
		ActivityType: "daily_challenge",
		Amount:       100,
		SourceID:     "challenge-5",
	})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusTooManyRequests, be.Code)

	summary, err := f.ledger.GetSummary(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 500, summary.TotalEarned)
}

func TestAward_WeeklyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{
		ActivityType: "weekly_challenge",
		BaseAmount:   100,
		WeeklyLimit:  250,
		Reason:       "launch",
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.award.Award(ctx, AwardParams{
			UserID:       "user-1",
			ActivityType: "weekly_challenge",
			Amount:       100,
			SourceID:     fmt.Sprintf("week-%d", i),
		})
		require.NoError(t, err)
	}

	_, err = f.award.Award(ctx, AwardParams{
		UserID:       "user-1",
		ActivityType: "weekly_challenge",
		Amount:       100,
		SourceID:     "week-2",
	})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusTooManyRequests, be.Code)

	summary, err := f.ledger.GetSummary(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 200, summary.TotalEarned)
}

func TestAward_MonthlyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{
		ActivityType: "monthly_challenge",
		BaseAmount:   100,
		MonthlyLimit: 250,
		Reason:       "launch",
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.award.Award(ctx, AwardParams{
			UserID:       "user-1",
			ActivityType: "monthly_challenge",
			Amount:       100,
			SourceID:     fmt.Sprintf("month-%d", i),
		})
		require.NoError(t, err)
	}

	_, err = f.award.Award(ctx, AwardParams{
		UserID:       "user-1",
		ActivityType: "monthly_challenge",
		Amount:       100,
		SourceID:     "month-2",
	})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusTooManyRequests, be.Code)

	summary, err := f.ledger.GetSummary(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 200, summary.TotalEarned)
}

func TestAward_IdempotentPerSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	params := AwardParams{
		UserID:       "user-1",
		ActivityType: "quiz_completed",
		SourceID:     "quiz-1",
	}

	_, err = f.award.Award(ctx, params)
	require.NoError(t, err)

	_, err = f.award.Award(ctx, params)
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusConflict, be.Code)

	summary, err := f.ledger.GetSummary(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, summary.TotalEarned)
}

func TestAward_MissingSourceSkipsDuplicateCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	// Without a source there is no idempotency key; repeats are distinct
	// events and decay normally.
	params := AwardParams{UserID: "user-1", ActivityType: "quiz_completed"}

	_, err = f.award.Award(ctx, params)
	require.NoError(t, err)
	_, err = f.award.Award(ctx, params)
	require.NoError(t, err)

	summary, err := f.ledger.GetSummary(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 190, summary.TotalEarned) // 100 + 90
}

func TestAward_NoActiveRule(t *testing.T) {
	f := newFixture(t)

	_, err := f.award.Award(context.Background(), AwardParams{
		UserID:       "user-1",
		ActivityType: "unknown_activity",
		SourceID:     "src-1",
	})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusUnprocessableEntity, be.Code)
}

func TestAward_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.award.Award(ctx, AwardParams{ActivityType: "quiz_completed", SourceID: "s"})
	require.Error(t, err)

	_, err = f.award.Award(ctx, AwardParams{UserID: "user-1", SourceID: "s"})
	require.Error(t, err)

	_, err = f.award.Award(ctx, AwardParams{UserID: "user-1", ActivityType: "quiz_completed", SourceID: "s", Amount: -5})
	require.Error(t, err)
}

func TestAward_DeliversTrustAndReferralSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	_, err = f.award.Award(ctx, AwardParams{
		UserID:       "user-1",
		ActivityType: "quiz_completed",
		SourceID:     "quiz-1",
	})
	require.NoError(t, err)

	require.Len(t, f.enqueuer.tasks, 2)
	require.Equal(t, "trust:award:signal", f.enqueuer.tasks[0].Type())
	require.Equal(t, "referral:earning:recorded", f.enqueuer.tasks[1].Type())
	require.Zero(t, f.pendingOutbox(t))
}

func TestAward_CommissionDoesNotFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rules.EnsureDefaults(ctx))

	_, err := f.award.Award(ctx, AwardParams{
		UserID:       "referrer-1",
		ActivityType: rules.ActivityReferralCommission,
		Amount:       25,
		SourceID:     "txn-1",
	})
	require.NoError(t, err)

	require.Empty(t, f.enqueuer.tasks)

	var staged int64
	require.NoError(t, f.db.Model(&task.OutboxMessage{}).Count(&staged).Error)
	require.Zero(t, staged)
}

func TestAward_BrokerOutageDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	f.enqueuer.err = errors.New("redis down")

	entry, err := f.award.Award(ctx, AwardParams{
		UserID:       "user-1",
		ActivityType: "quiz_completed",
		SourceID:     "quiz-1",
	})
	require.NoError(t, err)
	require.NotNil(t, entry)

	summary, err := f.ledger.GetSummary(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, summary.TotalEarned)
}

func TestAward_SignalsSurviveBrokerOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateParams{ActivityType: "quiz_completed", BaseAmount: 100, Reason: "launch"})
	require.NoError(t, err)

	f.enqueuer.err = errors.New("redis down")

	_, err = f.award.Award(ctx, AwardParams{
		UserID:       "user-1",
		ActivityType: "quiz_completed",
		SourceID:     "quiz-1",
	})
	require.NoError(t, err)

	// The signals committed with the credit and wait for redelivery.
	require.Empty(t, f.enqueuer.tasks)
	require.EqualValues(t, 2, f.pendingOutbox(t))

	// Broker recovers; the drain sweep delivers everything exactly once.
	f.enqueuer.err = nil
	n, err := f.outbox.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, f.enqueuer.tasks, 2)
	require.Equal(t, "trust:award:signal", f.enqueuer.tasks[0].Type())
	require.Equal(t, "referral:earning:recorded", f.enqueuer.tasks[1].Type())
	require.Zero(t, f.pendingOutbox(t))

	n, err = f.outbox.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
