package transition

import "go.uber.org/fx"

// Module provides the transition engine to Fx.
var Module = fx.Provide(NewEngine)
