package award

import (
	"context"
	"math"
	"time"

	"eloits-rewards-engine/pkg/config"
	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/task"
	"eloits-rewards-engine/services/ledger"
	"eloits-rewards-engine/services/rules"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service turns activity events into ledger credits. It resolves the rule,
// applies repetition decay and rolling caps, writes the credit, and stages
// trust and referral signals in the same transaction. The decision and the
// write share one transaction under the user lock, so caps hold under
// concurrency and a committed award can never lose its fan-out.
type Service struct {
	db     *gorm.DB
	ledger *ledger.Service
	rules  *rules.Service
	outbox *task.Outbox

	decayBase  float64
	decayFloor float64
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Ledger *ledger.Service
	Rules  *rules.Service
	Outbox *task.Outbox   `optional:"true"`
	Cfg    *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	decayBase, decayFloor := 0.9, 0.1
	if p.Cfg != nil {
		decayBase = p.Cfg.Rewards.DecayBase
		decayFloor = p.Cfg.Rewards.DecayFloor
	}
	return &Service{
		db:         p.DB,
		ledger:     p.Ledger,
		rules:      p.Rules,
		outbox:     p.Outbox,
		decayBase:  decayBase,
		decayFloor: decayFloor,
	}
}

type AwardParams struct {
	UserID       string
	ActivityType string
	// Amount overrides the rule's base amount when > 0. Overrides skip decay
	// but still count against limits.
	Amount      int64
	SourceID    string
	SourceType  string
	Description string
	Metadata    datatypes.JSON
}

func (s *Service) Award(ctx context.Context, p AwardParams) (*ledger.Transaction, error) {
	span := trace.SpanFromContext(ctx)
	fields := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("user_id", p.UserID),
		zap.String("activity_type", p.ActivityType),
		zap.String("source_id", p.SourceID),
	}

	if p.UserID == "" || p.ActivityType == "" {
		return nil, errutil.BadRequest("userId and activityType are required", nil)
	}
	if p.Amount < 0 {
		return nil, errutil.BadRequest("amount override must be >= 0", nil)
	}

	rule, err := s.rules.Resolve(ctx, p.ActivityType)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, errutil.UnprocessableEntity("no active rule for activity type", nil)
	}

	now := time.Now().UTC()

	var entry *ledger.Transaction
	err = s.ledger.WithUserLock(p.UserID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			dayTotal, dayCount, err := s.ledger.SumCompletedSinceInTx(ctx, tx, p.UserID, p.ActivityType, dayStart(now))
			if err != nil {
				return err
			}

			amount := p.Amount
			if amount == 0 {
				amount = s.decayedAmount(rule.BaseAmount, dayCount)
			}
			if amount <= 0 {
				return errutil.UnprocessableEntity("award amount resolves to zero", nil)
			}

			if rule.DailyLimit > 0 && dayTotal+amount > rule.DailyLimit {
				return errutil.TooManyRequest("daily limit exceeded for activity type", nil)
			}
			if rule.WeeklyLimit > 0 {
				weekTotal, _, err := s.ledger.SumCompletedSinceInTx(ctx, tx, p.UserID, p.ActivityType, weekStart(now))
				if err != nil {
					return err
				}
				if weekTotal+amount > rule.WeeklyLimit {
					return errutil.TooManyRequest("weekly limit exceeded for activity type", nil)
				}
			}
			if rule.MonthlyLimit > 0 {
				monthTotal, _, err := s.ledger.SumCompletedSinceInTx(ctx, tx, p.UserID, p.ActivityType, monthStart(now))
				if err != nil {
					return err
				}
				if monthTotal+amount > rule.MonthlyLimit {
					return errutil.TooManyRequest("monthly limit exceeded for activity type", nil)
				}
			}

			entry, err = s.ledger.CreditInTx(ctx, tx, ledger.CreditParams{
				UserID:       p.UserID,
				ActivityType: p.ActivityType,
				Category:     rule.Category,
				Amount:       amount,
				SourceID:     p.SourceID,
				SourceType:   p.SourceType,
				Description:  p.Description,
				Metadata:     p.Metadata,
			})
			if err != nil {
				return err
			}
			return s.stageSignals(ctx, tx, entry)
		})
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(fields...).Info("award credited",
		zap.String("transaction_id", entry.ID),
		zap.Int64("amount", entry.Amount),
	)

	if s.outbox != nil {
		s.outbox.DrainLogged(ctx)
	}
	return entry, nil
}

// decayedAmount applies repetition decay: the nth award of the same activity
// in one UTC day earns base * decayBase^(n-1), never below the floor factor.
// Rounded half up.
func (s *Service) decayedAmount(base, priorToday int64) int64 {
	factor := math.Pow(s.decayBase, float64(priorToday))
	if factor < s.decayFloor {
		factor = s.decayFloor
	}
	return int64(math.Floor(float64(base)*factor + 0.5))
}

// stageSignals writes the post-award fan-out into the outbox inside the
// award's own transaction, so the signals commit with the credit and a broker
// outage delays delivery instead of dropping it. Commission credits stay
// silent so a referral earning cannot trigger another commission.
func (s *Service) stageSignals(ctx context.Context, tx *gorm.DB, entry *ledger.Transaction) error {
	if s.outbox == nil || entry.ActivityType == rules.ActivityReferralCommission {
		return nil
	}

	trustTask, err := NewTrustSignalTask(TrustSignalPayload{
		UserID:        entry.UserID,
		TransactionID: entry.ID,
		ActivityType:  entry.ActivityType,
		Amount:        entry.Amount,
	})
	if err != nil {
		return err
	}
	if err := s.outbox.Stage(ctx, tx, trustTask, "default"); err != nil {
		return err
	}

	earningTask, err := NewEarningRecordedTask(EarningRecordedPayload{
		UserID:        entry.UserID,
		TransactionID: entry.ID,
		ActivityType:  entry.ActivityType,
		Amount:        entry.Amount,
	})
	if err != nil {
		return err
	}
	return s.outbox.Stage(ctx, tx, earningTask, "default")
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday-based week
	return d.AddDate(0, 0, -offset)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
