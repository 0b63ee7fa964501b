package trust

import (
	"eloits-rewards-engine/pkg/task"
	"eloits-rewards-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("trust.service",
	fx.Provide(NewService),
)

// TaskModule attaches the trust handlers to the worker mux and schedules the
// nightly inactivity sweep.
var TaskModule = fx.Module("task.trust",
	fx.Invoke(registerTaskHandlers),
	fx.Provide(
		fx.Annotate(
			newSweepSchedule,
			fx.ResultTags(`group:"scheduler"`),
		),
	),
)

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.TrustAwardSignal, svc.HandleAwardSignal)
	mux.HandleFunc(taskname.TrustFraudFlag, svc.HandleFraudFlag)
	mux.HandleFunc(taskname.TrustDecaySweep, svc.HandleDecaySweep)
}

func newSweepSchedule() task.SchedulerEntry {
	return task.SchedulerEntry{
		Cronspec: "0 3 * * *",
		Task:     NewDecaySweepTask(),
	}
}
