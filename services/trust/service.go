package trust

import (
	"context"
	"time"

	"eloits-rewards-engine/pkg/config"
	"eloits-rewards-engine/pkg/db/option"
	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/repository"
	"eloits-rewards-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MinScore = 0
	MaxScore = 100
)

// Service maintains the per-user trust score. The score lives on the ledger
// summary row; every change also appends a history entry in the same
// transaction, so score and history cannot diverge.
type Service struct {
	db      *gorm.DB
	ledger  *ledger.Service
	history repository.Repository[HistoryEntry]
	node    *snowflake.Node

	initialScore    int
	awardDelta      int
	fraudDelta      int
	inactivityDelta int
	inactivityAfter time.Duration
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
	Cfg    *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:              p.DB,
		ledger:          p.Ledger,
		history:         repository.ProvideStore[HistoryEntry](p.DB),
		node:            p.Node,
		initialScore:    50,
		awardDelta:      1,
		fraudDelta:      -25,
		inactivityDelta: -2,
		inactivityAfter: 30 * 24 * time.Hour,
	}
	if p.Cfg != nil {
		t := p.Cfg.Rewards.Trust
		s.initialScore = t.InitialScore
		s.awardDelta = t.AwardDelta
		s.fraudDelta = t.FraudDelta
		s.inactivityDelta = t.InactivityDelta
		s.inactivityAfter = t.InactivityAfter
	}
	return s
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

type AdjustParams struct {
	UserID string
	Delta  int
	Reason string
	Source string
	// RefID deduplicates retried adjustments. Empty disables the check.
	RefID string
}

// Adjust applies a delta to the user's score, clamped to [0, 100], and
// records the history entry atomically. A repeated (source, refId) pair is a
// no-op returning the original entry, which makes task retries safe.
func (s *Service) Adjust(ctx context.Context, p AdjustParams) (*HistoryEntry, error) {
	if p.UserID == "" {
		return nil, errutil.BadRequest("userId is required", nil)
	}
	if p.Source == "" {
		return nil, errutil.BadRequest("source is required", nil)
	}

	var entry *HistoryEntry
	err := s.ledger.WithUserLock(p.UserID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			if p.RefID != "" {
				existing, err := s.history.WithTrx(tx).FindOne(ctx, &HistoryEntry{
					UserID: p.UserID,
					Source: p.Source,
					RefID:  p.RefID,
				})
				if err != nil {
					return err
				}
				if existing != nil {
					entry = existing
					return nil
				}
			}

			summary, err := s.ledger.SummaryInTx(ctx, tx, p.UserID)
			if err != nil {
				return err
			}

			next := clamp(summary.TrustScore + p.Delta)
			if err := s.ledger.SetTrustScoreInTx(ctx, tx, p.UserID, next); err != nil {
				return err
			}

			entry = &HistoryEntry{
				ID:        s.node.Generate().String(),
				UserID:    p.UserID,
				Delta:     p.Delta,
				OldScore:  summary.TrustScore,
				NewScore:  next,
				Reason:    p.Reason,
				Source:    p.Source,
				RefID:     p.RefID,
				CreatedAt: time.Now().UTC(),
			}
			return tx.WithContext(ctx).Create(entry).Error
		})
	})
	if err != nil {
		return nil, err
	}

	zap.L().Debug("trust score adjusted",
		zap.String("user_id", p.UserID),
		zap.Int("delta", p.Delta),
		zap.Int("score", entry.NewScore),
		zap.String("source", p.Source),
	)
	return entry, nil
}

// Score returns the current trust score, falling back to the initial score
// for users without a ledger footprint.
func (s *Service) Score(ctx context.Context, userID string) (int, error) {
	summary, err := s.ledger.GetSummary(ctx, userID)
	if err != nil {
		return 0, err
	}
	if summary == nil {
		return s.initialScore, nil
	}
	return summary.TrustScore, nil
}

// History lists the user's adjustments, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*HistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.history.Find(ctx, &HistoryEntry{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}

// Replay recomputes the score from the initial value and the full history,
// clamping at each step, and reports whether it matches the stored score.
func (s *Service) Replay(ctx context.Context, userID string) (int, bool, error) {
	entries, err := s.history.Find(ctx, &HistoryEntry{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "asc",
			Allow:   map[string]bool{"id": true},
		}),
	)
	if err != nil {
		return 0, false, err
	}

	score := s.initialScore
	for _, e := range entries {
		score = clamp(score + e.Delta)
	}

	stored, err := s.Score(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	return score, score == stored, nil
}

// SweepInactive penalizes users with no completed credit since the
// inactivity cutoff. The sweep key makes one penalty per user per sweep day,
// so rerunning a sweep is harmless.
func (s *Service) SweepInactive(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-s.inactivityAfter)

	active := s.db.Model(&ledger.Transaction{}).
		Distinct("user_id").
		Where("status = ? AND type = ? AND created_at >= ?",
			ledger.StatusCompleted, ledger.TypeCredit, cutoff)

	var userIDs []string
	err := s.db.WithContext(ctx).Model(&ledger.AccountSummary{}).
		Where("trust_score > ?", MinScore).
		Where("user_id NOT IN (?)", active).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return 0, err
	}

	sweepKey := "sweep:" + now.UTC().Format("2006-01-02")
	swept := 0
	for _, userID := range userIDs {
		_, err := s.Adjust(ctx, AdjustParams{
			UserID: userID,
			Delta:  s.inactivityDelta,
			Reason: "no earning activity since " + cutoff.Format("2006-01-02"),
			Source: SourceInactivitySweep,
			RefID:  sweepKey,
		})
		if err != nil {
			zap.L().Error("inactivity sweep failed for user",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		swept++
	}

	zap.L().Info("inactivity sweep finished", zap.Int("swept", swept))
	return swept, nil
}
