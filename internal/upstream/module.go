package upstream

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/config"
)

// Sources bundles the ranked external order sources.
type Sources struct {
	Primary   Source
	Secondary Source
}

// Module provides the ranked upstream sources to Fx.
var Module = fx.Provide(NewSources)

// NewSources builds the primary and secondary clients from configuration.
func NewSources(cfg config.Config, logger *zap.Logger) Sources {
	return Sources{
		Primary:   NewCarrierClient(cfg.Upstream.Primary, logger),
		Secondary: NewMarketplaceClient(cfg.Upstream.Secondary, logger),
	}
}
