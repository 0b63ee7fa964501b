package redemption

import (
	"context"
	"time"

	"eloits-rewards-engine/pkg/config"
	"eloits-rewards-engine/pkg/db/option"
	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/repository"
	"eloits-rewards-engine/pkg/task"
	"eloits-rewards-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service runs the redemption state machine. Funds are held in the ledger
// for the whole lifetime of a request: reserved at creation, settled on
// completion, released on rejection or cancellation. Request row and ledger
// hold always change in the same transaction.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	requests repository.Repository[Request]
	ledger   *ledger.Service
	rail     PayoutRail
	outbox   *task.Outbox

	minAmount int64
	maxAmount int64
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
	Rail   PayoutRail     `optional:"true"`
	Outbox *task.Outbox   `optional:"true"`
	Cfg    *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:       p.DB,
		node:     p.Node,
		requests: repository.ProvideStore[Request](p.DB),
		ledger:   p.Ledger,
		rail:     p.Rail,
		outbox:   p.Outbox,
	}
	if s.rail == nil {
		s.rail = NewManualRail()
	}
	if p.Cfg != nil {
		s.minAmount = p.Cfg.Rewards.Redemption.MinAmount
		s.maxAmount = p.Cfg.Rewards.Redemption.MaxAmount
	}
	return s
}

type CreateParams struct {
	UserID        string
	Amount        int64
	Method        string
	MethodDetails datatypes.JSON
}

// Create reserves the funds and opens a pending request; the payout task is
// staged in the same transaction so the request cannot commit without its
// driver. Insufficient balance surfaces as 422 from the ledger.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Request, error) {
	if p.UserID == "" {
		return nil, errutil.BadRequest("userId is required", nil)
	}
	if p.Method == "" {
		return nil, errutil.BadRequest("method is required", nil)
	}
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0", nil)
	}
	if s.minAmount > 0 && p.Amount < s.minAmount {
		return nil, errutil.UnprocessableEntity("amount is below the minimum redemption", nil)
	}
	if s.maxAmount > 0 && p.Amount > s.maxAmount {
		return nil, errutil.UnprocessableEntity("amount is above the maximum redemption", nil)
	}

	now := time.Now().UTC()
	req := &Request{
		ID:            s.node.Generate().String(),
		UserID:        p.UserID,
		Amount:        p.Amount,
		Method:        p.Method,
		MethodDetails: p.MethodDetails,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.ledger.WithUserLock(p.UserID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			hold, err := s.ledger.ReserveInTx(ctx, tx, ledger.ReserveParams{
				UserID:      p.UserID,
				Amount:      p.Amount,
				SourceID:    req.ID,
				SourceType:  "redemption_request",
				Description: "redemption via " + p.Method,
			})
			if err != nil {
				return err
			}
			req.TransactionID = hold.ID
			if err := tx.WithContext(ctx).Create(req).Error; err != nil {
				return err
			}

			if s.outbox != nil {
				t, err := NewProcessPayoutTask(req.ID)
				if err != nil {
					return err
				}
				return s.outbox.Stage(ctx, tx, t, "critical")
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("redemption requested",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.String("method", req.Method),
	)

	if s.outbox != nil {
		s.outbox.DrainLogged(ctx)
	}

	return req, nil
}

// Process moves the request to processing and hands it to the payout rail.
// A rail error rejects the request and releases the hold.
func (s *Service) Process(ctx context.Context, requestID string) (*Request, error) {
	req, err := s.transition(ctx, requestID, StatusProcessing, func(tx *gorm.DB, req *Request) (map[string]any, error) {
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	ref, railErr := s.rail.Payout(ctx, req)
	if railErr != nil {
		zap.L().Error("payout rail refused request",
			zap.String("request_id", req.ID),
			zap.String("rail", s.rail.Name()),
			zap.Error(railErr),
		)
		return s.Reject(ctx, req.ID, "payout failed: "+railErr.Error(), "system")
	}

	if ref != "" {
		if err := s.requests.Update(ctx, req.ID, map[string]any{
			"payout_ref": ref,
			"updated_at": time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
		req.PayoutRef = ref
	}
	return req, nil
}

// Complete settles the hold and closes the request.
func (s *Service) Complete(ctx context.Context, requestID, reviewedBy string) (*Request, error) {
	return s.transition(ctx, requestID, StatusCompleted, func(tx *gorm.DB, req *Request) (map[string]any, error) {
		if _, err := s.ledger.SettleInTx(ctx, tx, req.TransactionID); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		return map[string]any{
			"reviewed_by":  reviewedBy,
			"processed_at": now,
		}, nil
	})
}

// Reject releases the hold back to the user's balance.
func (s *Service) Reject(ctx context.Context, requestID, reason, reviewedBy string) (*Request, error) {
	return s.transition(ctx, requestID, StatusRejected, func(tx *gorm.DB, req *Request) (map[string]any, error) {
		if _, err := s.ledger.ReleaseInTx(ctx, tx, req.TransactionID); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		return map[string]any{
			"failure_reason": reason,
			"reviewed_by":    reviewedBy,
			"processed_at":   now,
		}, nil
	})
}

// Cancel lets the owner withdraw a request that has not started processing.
func (s *Service) Cancel(ctx context.Context, requestID, userID string) (*Request, error) {
	existing, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, errutil.Forbidden("request belongs to another user", nil)
	}

	return s.transition(ctx, requestID, StatusCancelled, func(tx *gorm.DB, req *Request) (map[string]any, error) {
		if _, err := s.ledger.ReleaseInTx(ctx, tx, req.TransactionID); err != nil {
			return nil, err
		}
		return map[string]any{"processed_at": time.Now().UTC()}, nil
	})
}

func (s *Service) Get(ctx context.Context, requestID string) (*Request, error) {
	req, err := s.requests.FindOne(ctx, &Request{ID: requestID})
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errutil.NotFound("redemption request not found", nil)
	}
	return req, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.requests.Find(ctx, &Request{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
}

// transition re-reads the request under the user lock, validates the edge,
// runs the side effects, and writes the new status, all in one transaction.
func (s *Service) transition(ctx context.Context, requestID string, to Status, fn func(tx *gorm.DB, req *Request) (map[string]any, error)) (*Request, error) {
	existing, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var req *Request
	err = s.ledger.WithUserLock(existing.UserID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var innerErr error
			req, innerErr = s.requests.WithTrx(tx).FindOne(ctx, &Request{ID: requestID}, option.WithLockingUpdate())
			if innerErr != nil {
				return innerErr
			}
			if req == nil {
				return errutil.NotFound("redemption request not found", nil)
			}
			if !canTransition(req.Status, to) {
				return errutil.Conflict("invalid status transition", nil,
					errutil.WithDetails(errutil.Detail{
						Field:   "status",
						Message: string(req.Status) + " cannot become " + string(to),
					}))
			}

			changes, innerErr := fn(tx, req)
			if innerErr != nil {
				return innerErr
			}
			if changes == nil {
				changes = map[string]any{}
			}
			changes["status"] = to
			changes["updated_at"] = time.Now().UTC()

			if innerErr := tx.Model(&Request{}).
				Where("id = ?", requestID).
				Updates(changes).Error; innerErr != nil {
				return innerErr
			}

			req.Status = to
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("redemption transitioned",
		zap.String("request_id", requestID),
		zap.String("status", string(to)),
	)
	return s.Get(ctx, requestID)
}
