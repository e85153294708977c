package sync

import "go.uber.org/fx"

// Module provides the sync orchestrator to Fx.
var Module = fx.Provide(NewOrchestrator)
