package syncrun

import "go.uber.org/fx"

// Module provides the sync run repository to Fx.
var Module = fx.Provide(NewRepository)
