package task

import (
	"context"
	"time"

	"eloits-rewards-engine/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxMessage is a task staged inside a database transaction. The row
// commits atomically with the state it announces, so a crash between commit
// and enqueue leaves the row behind for the drain sweep instead of losing the
// signal.
type OutboxMessage struct {
	ID           string     `gorm:"column:id;primaryKey"`
	TaskType     string     `gorm:"column:task_type"`
	Payload      []byte     `gorm:"column:payload"`
	Queue        string     `gorm:"column:queue"`
	Attempts     int        `gorm:"column:attempts"`
	LastError    string     `gorm:"column:last_error"`
	CreatedAt    time.Time  `gorm:"column:created_at;index"`
	DispatchedAt *time.Time `gorm:"column:dispatched_at;index"`
}

func (OutboxMessage) TableName() string { return "task_outbox" }

// Outbox stages tasks transactionally and hands them to the broker after
// commit. Dispatched rows keep their timestamp as a delivery audit trail.
type Outbox struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer Enqueuer
}

func NewOutbox(db *gorm.DB, node *snowflake.Node, enqueuer Enqueuer) *Outbox {
	return &Outbox{db: db, node: node, enqueuer: enqueuer}
}

// Stage records the task in the caller's open transaction. Nothing reaches
// the broker until Drain runs after the transaction commits.
func (o *Outbox) Stage(ctx context.Context, tx *gorm.DB, t *asynq.Task, queue string) error {
	if queue == "" {
		queue = "default"
	}
	msg := &OutboxMessage{
		ID:        o.node.Generate().String(),
		TaskType:  t.Type(),
		Payload:   t.Payload(),
		Queue:     queue,
		CreatedAt: time.Now().UTC(),
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// Drain hands pending messages to the broker, oldest first, and returns the
// number delivered. A message the broker refuses keeps its row and is retried
// on the next drain.
func (o *Outbox) Drain(ctx context.Context) (int, error) {
	var pending []*OutboxMessage
	err := o.db.WithContext(ctx).
		Where("dispatched_at IS NULL").
		Order("id asc").
		Limit(100).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, msg := range pending {
		t := asynq.NewTask(msg.TaskType, msg.Payload, asynq.Queue(msg.Queue))
		if _, err := o.enqueuer.Enqueue(t); err != nil {
			zap.L().Warn("outbox dispatch failed",
				zap.String("task_type", msg.TaskType),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			if uerr := o.db.WithContext(ctx).Model(&OutboxMessage{}).
				Where("id = ?", msg.ID).
				Updates(map[string]any{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": err.Error(),
				}).Error; uerr != nil {
				return dispatched, uerr
			}
			continue
		}

		now := time.Now().UTC()
		if err := o.db.WithContext(ctx).Model(&OutboxMessage{}).
			Where("id = ?", msg.ID).
			Update("dispatched_at", now).Error; err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// DrainLogged is the post-commit fast path. A failure here is not an error
// for the caller; the rows stay pending for the scheduled sweep.
func (o *Outbox) DrainLogged(ctx context.Context) {
	if _, err := o.Drain(ctx); err != nil {
		zap.L().Warn("outbox drain failed", zap.Error(err))
	}
}

// HandleDrain is the periodic sweep behind the scheduler entry.
func (o *Outbox) HandleDrain(ctx context.Context, _ *asynq.Task) error {
	_, err := o.Drain(ctx)
	return err
}

// OutboxModule wires the outbox, its worker handler, and the every-minute
// drain sweep that redelivers messages stranded by a crash or broker outage.
var OutboxModule = fx.Module("task:outbox",
	fx.Provide(NewOutbox),
	fx.Invoke(registerOutboxHandler),
	fx.Provide(
		fx.Annotate(
			newDrainSchedule,
			fx.ResultTags(`group:"scheduler"`),
		),
	),
)

func registerOutboxHandler(mux *asynq.ServeMux, o *Outbox) {
	mux.HandleFunc(taskname.OutboxDrain, o.HandleDrain)
}

func newDrainSchedule() SchedulerEntry {
	return SchedulerEntry{
		Cronspec: "* * * * *",
		Task:     asynq.NewTask(taskname.OutboxDrain, nil, asynq.Queue("low")),
	}
}
