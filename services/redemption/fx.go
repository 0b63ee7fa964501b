package redemption

import (
	"eloits-rewards-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("redemption.service",
	fx.Provide(NewService),
)

var TaskModule = fx.Module("task.redemption",
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.RedemptionProcessPayout, svc.HandleProcessPayout)
}
