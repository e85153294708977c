package dlq

import "go.uber.org/fx"

// Module provides the dead-letter store and service to Fx.
var Module = fx.Options(
	fx.Provide(NewStore),
	fx.Provide(NewService),
)
