package order

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/speedelog/prepflow/internal/dto"
	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/presentation/http/response"
	"github.com/speedelog/prepflow/internal/service/transition"
	"github.com/speedelog/prepflow/internal/status"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/speedelog/prepflow/transport/http/order")

// actorHeader carries the acting user's id; absent means an anonymous or
// system call.
const actorHeader = "X-Actor-Id"

// Handler exposes order lifecycle endpoints over HTTP.
type Handler struct {
	engine *transition.Engine
}

// NewHandler constructs an order Handler.
func NewHandler(engine *transition.Engine) *Handler {
	return &Handler{engine: engine}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.GET("/:id", h.getByID)
	g.POST("/:id/transitions", h.transition)

	e.POST("/transitions/:id/rollback", h.rollback)
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid id", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order, err := h.engine.Get(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(toDTO(order)).Build()
}

func (h *Handler) transition(c echo.Context) error {
	b := response.New(c)

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid id", errorbank.WithCause(err))).Build()
	}

	var payload dto.TransitionRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.TargetStatus == "" {
		return b.WithError(errorbank.BadRequest("target_status is required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.transition", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.target_status", payload.TargetStatus),
	))
	defer span.End()

	actor := c.Request().Header.Get(actorHeader)
	res, err := h.engine.Transition(ctx, id, status.Status(payload.TargetStatus), actor, payload.Reason, payload.Metadata)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(toTransitionDTO(res)).Build()
}

func (h *Handler) rollback(c echo.Context) error {
	b := response.New(c)

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid id", errorbank.WithCause(err))).Build()
	}

	var payload dto.RollbackRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "transitions.rollback", trace.WithAttributes(attribute.Int64("log_entry.id", id)))
	defer span.End()

	actor := c.Request().Header.Get(actorHeader)
	res, err := h.engine.Rollback(ctx, entity.EntityTypeOrder, id, actor, payload.Reason)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(toTransitionDTO(res)).Build()
}

func toDTO(order *entity.Order) dto.OrderResponse {
	out := dto.OrderResponse{
		ID:          order.ID,
		Number:      order.Number,
		Status:      string(order.Status),
		ClientRef:   order.ClientRef,
		Total:       order.Total,
		WeightGrams: order.WeightGrams,
		ExternalID:  order.ExternalID,
		SourceName:  order.SourceName,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
	for _, line := range order.Lines {
		out.Lines = append(out.Lines, dto.OrderLineResponse{
			ID:          line.ID,
			ProductRef:  line.ProductRef,
			OrderedQty:  line.OrderedQty,
			PreparedQty: line.PreparedQty,
			UnitPrice:   line.UnitPrice,
			UnitWeight:  line.UnitWeight,
			LineStatus:  line.LineStatus,
		})
	}
	return out
}

func toTransitionDTO(res *transition.Result) dto.TransitionResponse {
	return dto.TransitionResponse{
		PreviousStatus: string(res.PreviousStatus),
		NewStatus:      string(res.NewStatus),
		NoChange:       res.NoChange,
		LogEntryID:     res.LogEntryID,
	}
}
