package trust

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eloits-rewards-engine/services/award"
	"eloits-rewards-engine/services/ledger"
	"eloits-rewards-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.AccountSummary{}, &ledger.Transaction{}, &HistoryEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{DB: db, Node: node, Ledger: ledgerSvc})
	return svc, ledgerSvc, db
}

func TestAdjust_ClampsToBounds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Adjust(ctx, AdjustParams{
		UserID: "user-1", Delta: 80, Reason: "boost", Source: SourceManual,
	})
	require.NoError(t, err)
	require.Equal(t, 50, entry.OldScore)
	require.Equal(t, 100, entry.NewScore) // 50 + 80 clamped

	entry, err = svc.Adjust(ctx, AdjustParams{
		UserID: "user-1", Delta: -250, Reason: "fraud", Source: SourceManual,
	})
	require.NoError(t, err)
	// The history row carries the stored values around the change, not the
	// unclamped arithmetic.
	require.Equal(t, 100, entry.OldScore)
	require.Equal(t, 0, entry.NewScore)

	score, err := svc.Score(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, score)
}

func TestAdjust_RefIDDeduplicates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	params := AdjustParams{
		UserID: "user-1", Delta: 1, Reason: "earned quiz_completed",
		Source: SourceAwardSignal, RefID: "txn-1",
	}

	first, err := svc.Adjust(ctx, params)
	require.NoError(t, err)
	require.Equal(t, 51, first.NewScore)

	second, err := svc.Adjust(ctx, params)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	score, err := svc.Score(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 51, score)

	history, err := svc.History(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestScore_DefaultsForUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	score, err := svc.Score(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, 50, score)
}

func TestReplay_MatchesStoredScore(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	deltas := []int{1, 1, -25, 1, 90, -3}
	for i, d := range deltas {
		_, err := svc.Adjust(ctx, AdjustParams{
			UserID: "user-1", Delta: d, Source: SourceManual,
			RefID: string(rune('a' + i)),
		})
		require.NoError(t, err)
	}

	replayed, match, err := svc.Replay(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, match)

	stored, err := svc.Score(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, stored, replayed)
}

func TestHandleAwardSignal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := award.NewTrustSignalTask(award.TrustSignalPayload{
		UserID:        "user-1",
		TransactionID: "txn-1",
		ActivityType:  "quiz_completed",
		Amount:        100,
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandleAwardSignal(ctx, task))
	// Retry delivers the same transaction again.
	require.NoError(t, svc.HandleAwardSignal(ctx, task))

	score, err := svc.Score(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 51, score)
}

func TestHandleFraudFlag(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := NewFraudFlagTask(FraudFlagPayload{
		UserID:    "user-1",
		FlagID:    "flag-1",
		Reason:    "duplicate accounts",
		FlaggedBy: "admin-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandleFraudFlag(ctx, task))

	score, err := svc.Score(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 25, score)
}

func TestSweepInactive(t *testing.T) {
	svc, ledgerSvc, db := newTestService(t)
	ctx := context.Background()

	// active user earned recently, idle user long ago
	_, err := ledgerSvc.Credit(ctx, ledger.CreditParams{
		UserID: "active", ActivityType: "quiz_completed", Amount: 10, SourceID: "q1",
	})
	require.NoError(t, err)

	_, err = ledgerSvc.Credit(ctx, ledger.CreditParams{
		UserID: "idle", ActivityType: "quiz_completed", Amount: 10, SourceID: "q2",
	})
	require.NoError(t, err)
	require.NoError(t, db.Model(&ledger.Transaction{}).
		Where("user_id = ?", "idle").
		Update("created_at", time.Now().UTC().Add(-60*24*time.Hour)).Error)

	now := time.Now()
	swept, err := svc.SweepInactive(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	score, err := svc.Score(ctx, "idle")
	require.NoError(t, err)
	require.Equal(t, 48, score)

	// Same-day rerun is a no-op.
	_, err = svc.SweepInactive(ctx, now)
	require.NoError(t, err)

	score, err = svc.Score(ctx, "idle")
	require.NoError(t, err)
	require.Equal(t, 48, score)

	score, err = svc.Score(ctx, "active")
	require.NoError(t, err)
	require.Equal(t, 50, score)
}
