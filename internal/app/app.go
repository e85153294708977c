package app

import (
	"go.uber.org/fx"

	"github.com/speedelog/prepflow/internal/cache"
	"github.com/speedelog/prepflow/internal/config"
	"github.com/speedelog/prepflow/internal/database"
	"github.com/speedelog/prepflow/internal/dlq"
	"github.com/speedelog/prepflow/internal/jobs"
	"github.com/speedelog/prepflow/internal/lock"
	"github.com/speedelog/prepflow/internal/logger"
	"github.com/speedelog/prepflow/internal/messaging"
	"github.com/speedelog/prepflow/internal/observability"
	repositoryorder "github.com/speedelog/prepflow/internal/repository/order"
	repositorystock "github.com/speedelog/prepflow/internal/repository/stock"
	repositorysyncrun "github.com/speedelog/prepflow/internal/repository/syncrun"
	grpcserver "github.com/speedelog/prepflow/internal/server/grpc"
	httpserver "github.com/speedelog/prepflow/internal/server/http"
	servicestock "github.com/speedelog/prepflow/internal/service/stock"
	servicesync "github.com/speedelog/prepflow/internal/service/sync"
	servicetransition "github.com/speedelog/prepflow/internal/service/transition"
	transporthttp "github.com/speedelog/prepflow/internal/transport/http"
	"github.com/speedelog/prepflow/internal/upstream"
	"github.com/speedelog/prepflow/internal/worker"
	workerstatus "github.com/speedelog/prepflow/internal/worker/status"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	repositoryorder.Module,
	repositorystock.Module,
	repositorysyncrun.Module,
	lock.Module,
	dlq.Module,
	upstream.Module,
	servicestock.Module,
	servicetransition.Module,
	servicesync.Module,
)

// HTTP wires the HTTP and gRPC servers on top of the core modules, plus the
// scheduled background jobs.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	grpcserver.Module,
	transporthttp.Module,
	jobs.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerstatus.Module,
)

// Module is the default application wiring (HTTP only).
var Module = HTTP
