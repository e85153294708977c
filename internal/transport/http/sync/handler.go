package sync

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/speedelog/prepflow/internal/dto"
	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/presentation/http/response"
	runrepo "github.com/speedelog/prepflow/internal/repository/syncrun"
	syncsvc "github.com/speedelog/prepflow/internal/service/sync"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/speedelog/prepflow/transport/http/sync")

// Handler exposes sync run endpoints over HTTP.
type Handler struct {
	orchestrator *syncsvc.Orchestrator
	runs         *runrepo.Repository
}

// NewHandler constructs a sync Handler.
func NewHandler(orchestrator *syncsvc.Orchestrator, runs *runrepo.Repository) *Handler {
	return &Handler{orchestrator: orchestrator, runs: runs}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/sync/runs")
	g.POST("", h.trigger)
	g.GET("", h.list)
	g.GET("/:id", h.getByID)
}

func (h *Handler) trigger(c echo.Context) error {
	b := response.New(c)

	var payload dto.SyncRunRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	mode, err := syncsvc.ParseMode(payload.Mode)
	if err != nil {
		return b.WithError(err).Build()
	}
	var start time.Time
	if payload.Start != "" {
		start, err = time.Parse(time.RFC3339, payload.Start)
		if err != nil {
			return b.WithError(errorbank.BadRequest("start must be RFC 3339", errorbank.WithCause(err))).Build()
		}
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "sync.trigger", trace.WithAttributes(attribute.String("sync.mode", payload.Mode)))
	defer span.End()

	run, err := h.orchestrator.Run(ctx, mode, start)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithStatus(http.StatusCreated).WithData(toDTO(run)).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "sync.getByID", trace.WithAttributes(attribute.String("sync.run_id", id)))
	defer span.End()

	run, err := h.runs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, runrepo.ErrNotFound) {
			return b.WithError(errorbank.NotFound("sync run not found")).Build()
		}
		return b.WithError(errorbank.Internal("failed to load sync run", errorbank.WithCause(err))).Build()
	}

	return b.WithData(toDTO(run)).Build()
}

func (h *Handler) list(c echo.Context) error {
	b := response.New(c)

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return b.WithError(errorbank.BadRequest("invalid limit", errorbank.WithCause(err))).Build()
		}
		limit = parsed
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "sync.list")
	defer span.End()

	runs, err := h.runs.List(ctx, limit)
	if err != nil {
		return b.WithError(errorbank.Internal("failed to list sync runs", errorbank.WithCause(err))).Build()
	}

	out := make([]dto.SyncRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toDTO(run))
	}
	return b.WithData(out).Build()
}

func toDTO(run *entity.SyncRun) dto.SyncRunResponse {
	out := dto.SyncRunResponse{
		ID:         run.ID,
		JobType:    run.JobType,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		BatchCount: run.BatchCount,
		ItemCount:  run.ItemCount,
		ErrorCount: run.ErrorCount,
		Error:      run.Error,
		Metadata:   run.Metadata,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
