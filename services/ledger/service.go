package ledger

import (
	"context"
	"sync"
	"time"

	"eloits-rewards-engine/pkg/config"
	"eloits-rewards-engine/pkg/db/option"
	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service is the single write path for balance change. Every mutation runs as
// one gorm transaction under a per-user mutex, so concurrent operations on the
// same user serialize while different users proceed in parallel.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	summaries    repository.Repository[AccountSummary]
	transactions repository.Repository[Transaction]

	initialTrust int
	locks        sync.Map
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Cfg  *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	initialTrust := 50
	if p.Cfg != nil {
		initialTrust = p.Cfg.Rewards.Trust.InitialScore
	}
	return &Service{
		db:           p.DB,
		node:         p.Node,
		summaries:    repository.ProvideStore[AccountSummary](p.DB),
		transactions: repository.ProvideStore[Transaction](p.DB),
		initialTrust: initialTrust,
	}
}

// WithUserLock serializes balance mutations for one user. Lock granularity is
// the userID, so unrelated users never contend.
func (s *Service) WithUserLock(userID string, fn func() error) error {
	muAny, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

type CreditParams struct {
	UserID       string
	ActivityType string
	Category     string
	Amount       int64
	SourceID     string
	SourceType   string
	Description  string
	Metadata     datatypes.JSON
}

// Credit appends a completed credit entry and updates the summary atomically.
// When SourceID is set, a completed entry with the same (user, activity,
// source) key rejects the call so retries cannot double-credit.
func (s *Service) Credit(ctx context.Context, p CreditParams) (*Transaction, error) {
	span := trace.SpanFromContext(ctx)
	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("user_id", p.UserID),
		zap.String("activity_type", p.ActivityType),
	}

	if p.UserID == "" {
		return nil, errutil.BadRequest("userId is required", nil)
	}
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0 for credit", nil)
	}

	var entry *Transaction
	err := s.WithUserLock(p.UserID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var innerErr error
			entry, innerErr = s.CreditInTx(ctx, tx, p)
			return innerErr
		})
	})
	if err != nil {
		zap.L().With(opts...).Debug("credit rejected", zap.Error(err))
		return nil, err
	}

	return entry, nil
}

// CreditInTx is the composable form of Credit. Caller must hold the user lock
// and pass its open transaction.
func (s *Service) CreditInTx(ctx context.Context, tx *gorm.DB, p CreditParams) (*Transaction, error) {
	if p.UserID == "" {
		return nil, errutil.BadRequest("userId is required", nil)
	}
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0 for credit", nil)
	}

	if p.SourceID != "" {
		existing, err := s.transactions.WithTrx(tx).FindOne(ctx, &Transaction{
			UserID:       p.UserID,
			ActivityType: p.ActivityType,
			SourceID:     p.SourceID,
			Status:       StatusCompleted,
		})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, errutil.Conflict("transaction already recorded for this source", nil)
		}
	}

	summary, err := s.getOrCreateSummary(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}

	entry, err := s.appendEntry(ctx, tx, appendParams{
		UserID:       p.UserID,
		Type:         TypeCredit,
		ActivityType: p.ActivityType,
		Category:     p.Category,
		Amount:       p.Amount,
		SourceID:     p.SourceID,
		SourceType:   p.SourceType,
		Status:       StatusCompleted,
		Description:  p.Description,
		Metadata:     p.Metadata,
	})
	if err != nil {
		return nil, err
	}

	totalEarned := summary.TotalEarned + p.Amount
	if err := tx.Model(&AccountSummary{}).
		Where("user_id = ?", p.UserID).
		Updates(map[string]any{
			"total_earned":      totalEarned,
			"available_balance": summary.AvailableBalance + p.Amount,
			"level":             LevelFor(totalEarned),
			"updated_at":        time.Now().UTC(),
		}).Error; err != nil {
		return nil, err
	}

	return entry, nil
}

type ReserveParams struct {
	UserID      string
	Amount      int64
	SourceID    string
	SourceType  string
	Description string
}

// ReserveInTx moves Amount from available to pending and appends a pending
// debit entry. Caller must hold the user lock and pass its open transaction so
// the hold commits atomically with the caller's own row (the redemption
// request).
func (s *Service) ReserveInTx(ctx context.Context, tx *gorm.DB, p ReserveParams) (*Transaction, error) {
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0", nil)
	}

	summary, err := s.getOrCreateSummary(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}

	if summary.AvailableBalance < p.Amount {
		return nil, errutil.UnprocessableEntity("insufficient balance", nil)
	}

	entry, err := s.appendEntry(ctx, tx, appendParams{
		UserID:       p.UserID,
		Type:         TypeDebit,
		ActivityType: ActivityRedemption,
		Amount:       p.Amount,
		SourceID:     p.SourceID,
		SourceType:   p.SourceType,
		Status:       StatusPending,
		Description:  p.Description,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Model(&AccountSummary{}).
		Where("user_id = ?", p.UserID).
		Updates(map[string]any{
			"available_balance": summary.AvailableBalance - p.Amount,
			"pending_balance":   summary.PendingBalance + p.Amount,
			"updated_at":        time.Now().UTC(),
		}).Error; err != nil {
		return nil, err
	}

	return entry, nil
}

// SettleInTx converts a pending debit hold into a permanent redemption.
func (s *Service) SettleInTx(ctx context.Context, tx *gorm.DB, txnID string) (*Transaction, error) {
	entry, summary, err := s.pendingDebit(ctx, tx, txnID)
	if err != nil {
		return nil, err
	}

	if err := tx.Model(&Transaction{}).
		Where("id = ?", entry.ID).
		Updates(map[string]any{"status": StatusCompleted, "updated_at": time.Now().UTC()}).Error; err != nil {
		return nil, err
	}
	entry.Status = StatusCompleted

	if err := tx.Model(&AccountSummary{}).
		Where("user_id = ?", entry.UserID).
		Updates(map[string]any{
			"pending_balance": summary.PendingBalance - entry.Amount,
			"total_redeemed":  summary.TotalRedeemed + entry.Amount,
			"updated_at":      time.Now().UTC(),
		}).Error; err != nil {
		return nil, err
	}

	return entry, nil
}

// ReleaseInTx reverses a pending debit hold, returning the funds to the
// available balance. History stays append-only: the entry flips to reversed
// rather than being deleted.
func (s *Service) ReleaseInTx(ctx context.Context, tx *gorm.DB, txnID string) (*Transaction, error) {
	entry, summary, err := s.pendingDebit(ctx, tx, txnID)
	if err != nil {
		return nil, err
	}

	if err := tx.Model(&Transaction{}).
		Where("id = ?", entry.ID).
		Updates(map[string]any{"status": StatusReversed, "updated_at": time.Now().UTC()}).Error; err != nil {
		return nil, err
	}
	entry.Status = StatusReversed

	if err := tx.Model(&AccountSummary{}).
		Where("user_id = ?", entry.UserID).
		Updates(map[string]any{
			"pending_balance":   summary.PendingBalance - entry.Amount,
			"available_balance": summary.AvailableBalance + entry.Amount,
			"updated_at":        time.Now().UTC(),
		}).Error; err != nil {
		return nil, err
	}

	return entry, nil
}

// Settle is the self-contained form of SettleInTx.
func (s *Service) Settle(ctx context.Context, txnID string) (*Transaction, error) {
	return s.finalize(ctx, txnID, s.SettleInTx)
}

// Release is the self-contained form of ReleaseInTx.
func (s *Service) Release(ctx context.Context, txnID string) (*Transaction, error) {
	return s.finalize(ctx, txnID, s.ReleaseInTx)
}

func (s *Service) finalize(ctx context.Context, txnID string, fn func(context.Context, *gorm.DB, string) (*Transaction, error)) (*Transaction, error) {
	existing, err := s.transactions.FindOne(ctx, &Transaction{ID: txnID})
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errutil.NotFound("transaction not found", nil)
	}

	var entry *Transaction
	err = s.WithUserLock(existing.UserID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var innerErr error
			entry, innerErr = fn(ctx, tx, txnID)
			return innerErr
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetSummary returns the authoritative balance row, or nil when the user has
// no ledger activity yet.
func (s *Service) GetSummary(ctx context.Context, userID string) (*AccountSummary, error) {
	return s.summaries.FindOne(ctx, &AccountSummary{UserID: userID})
}

type ListQuery struct {
	Limit        int
	Offset       int
	ActivityType string
}

// ListTransactions returns the user's entries sorted created_at DESC.
func (s *Service) ListTransactions(ctx context.Context, userID string, q ListQuery) ([]*Transaction, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	return s.transactions.Find(ctx, &Transaction{UserID: userID, ActivityType: q.ActivityType},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(q.Limit),
		option.WithOffset(q.Offset),
	)
}

// SumCompletedSince aggregates completed credits of one activity type within
// a window. The count doubles as the repetition counter for decay, derived
// from the ledger itself so it cannot drift.
func (s *Service) SumCompletedSince(ctx context.Context, userID, activityType string, since time.Time) (int64, int64, error) {
	return s.SumCompletedSinceInTx(ctx, nil, userID, activityType, since)
}

// SumCompletedSinceInTx runs the aggregation on the caller's transaction so
// award decisions read the same snapshot they write.
func (s *Service) SumCompletedSinceInTx(ctx context.Context, tx *gorm.DB, userID, activityType string, since time.Time) (int64, int64, error) {
	db := s.db
	if tx != nil {
		db = tx
	}
	var agg struct {
		Total int64
		N     int64
	}
	err := db.WithContext(ctx).Model(&Transaction{}).
		Select("COALESCE(SUM(amount_eloits), 0) AS total, COUNT(*) AS n").
		Where("user_id = ? AND activity_type = ? AND status = ? AND type = ? AND created_at >= ?",
			userID, activityType, StatusCompleted, TypeCredit, since).
		Scan(&agg).Error
	if err != nil {
		return 0, 0, err
	}
	return agg.Total, agg.N, nil
}

// FindCompletedBySource looks up the completed entry for an idempotency key.
func (s *Service) FindCompletedBySource(ctx context.Context, userID, activityType, sourceID string) (*Transaction, error) {
	return s.transactions.FindOne(ctx, &Transaction{
		UserID:       userID,
		ActivityType: activityType,
		SourceID:     sourceID,
		Status:       StatusCompleted,
	})
}

// VerifyChain replays the user's hash chain and reports whether any entry was
// tampered with.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	entries, err := s.transactions.Find(ctx, &Transaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "asc",
			Allow:   map[string]bool{"id": true},
		}),
	)
	if err != nil {
		return false, err
	}

	var lastHash string
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}

// TopEarners returns summaries ordered by lifetime earnings, for the
// leaderboard snapshot. Never used for balance decisions.
func (s *Service) TopEarners(ctx context.Context, limit int) ([]*AccountSummary, error) {
	var results []*AccountSummary
	err := s.db.WithContext(ctx).Model(&AccountSummary{}).
		Order("total_earned DESC").Order("user_id ASC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SummaryInTx returns the summary row for update, creating it if needed.
// Caller must hold the user lock.
func (s *Service) SummaryInTx(ctx context.Context, tx *gorm.DB, userID string) (*AccountSummary, error) {
	return s.getOrCreateSummary(ctx, tx, userID)
}

// SetTrustScoreInTx writes the trust score on the summary row. The score is
// computed by the trust engine; the ledger only persists it.
func (s *Service) SetTrustScoreInTx(ctx context.Context, tx *gorm.DB, userID string, score int) error {
	return tx.WithContext(ctx).Model(&AccountSummary{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"trust_score": score,
			"updated_at":  time.Now().UTC(),
		}).Error
}

type appendParams struct {
	UserID       string
	Type         EntryType
	ActivityType string
	Category     string
	Amount       int64
	SourceID     string
	SourceType   string
	Status       TxnStatus
	Description  string
	Metadata     datatypes.JSON
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, p appendParams) (*Transaction, error) {
	last, err := s.transactions.WithTrx(tx).FindOne(ctx, &Transaction{UserID: p.UserID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "desc",
			Allow:   map[string]bool{"id": true},
		}),
		option.WithLockingUpdate(),
	)
	if err != nil {
		return nil, err
	}

	entry := &Transaction{
		ID:           s.node.Generate().String(),
		CreatedAt:    time.Now().UTC(),
		UserID:       p.UserID,
		Type:         p.Type,
		ActivityType: p.ActivityType,
		Category:     p.Category,
		Amount:       p.Amount,
		SourceID:     p.SourceID,
		SourceType:   p.SourceType,
		Status:       p.Status,
		Description:  p.Description,
		Metadata:     p.Metadata,
	}
	if last != nil {
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) getOrCreateSummary(ctx context.Context, tx *gorm.DB, userID string) (*AccountSummary, error) {
	summary, err := s.summaries.WithTrx(tx).FindOne(ctx, &AccountSummary{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if summary != nil {
		return summary, nil
	}

	now := time.Now().UTC()
	summary = &AccountSummary{
		UserID:     userID,
		TrustScore: s.initialTrust,
		Level:      1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(summary).Error; err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Service) pendingDebit(ctx context.Context, tx *gorm.DB, txnID string) (*Transaction, *AccountSummary, error) {
	entry, err := s.transactions.WithTrx(tx).FindOne(ctx, &Transaction{ID: txnID}, option.WithLockingUpdate())
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, errutil.NotFound("transaction not found", nil)
	}
	if entry.Type != TypeDebit || entry.Status != StatusPending {
		return nil, nil, errutil.Conflict("transaction is not a pending hold", nil)
	}

	summary, err := s.summaries.WithTrx(tx).FindOne(ctx, &AccountSummary{UserID: entry.UserID}, option.WithLockingUpdate())
	if err != nil {
		return nil, nil, err
	}
	if summary == nil {
		return nil, nil, errutil.NotFound("account summary not found", nil)
	}

	return entry, summary, nil
}
