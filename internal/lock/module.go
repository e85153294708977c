package lock

import "go.uber.org/fx"

// Module provides the lock store and service to Fx.
var Module = fx.Options(
	fx.Provide(NewStore),
	fx.Provide(NewService),
)
