package http

import (
	"go.uber.org/fx"

	ordertransport "github.com/speedelog/prepflow/internal/transport/http/order"
	stocktransport "github.com/speedelog/prepflow/internal/transport/http/stock"
	synctransport "github.com/speedelog/prepflow/internal/transport/http/sync"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	stocktransport.Module,
	synctransport.Module,
)
