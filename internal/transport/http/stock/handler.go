package stock

import (
	"context"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/speedelog/prepflow/internal/dto"
	"github.com/speedelog/prepflow/internal/presentation/http/response"
	stocksvc "github.com/speedelog/prepflow/internal/service/stock"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/speedelog/prepflow/transport/http/stock")

// Handler exposes stock ledger endpoints over HTTP.
type Handler struct {
	ledger *stocksvc.Ledger
}

// NewHandler constructs a stock Handler.
func NewHandler(ledger *stocksvc.Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/stock")
	g.GET("/:ref", h.getByProduct)
	g.POST("/reservations", h.reserve)
	g.POST("/reservations/:orderID/release", h.release)
	g.POST("/reservations/:orderID/convert", h.convert)
}

func (h *Handler) getByProduct(c echo.Context) error {
	b := response.New(c)
	ref := c.Param("ref")

	ctx, span := httpTracer.Start(c.Request().Context(), "stock.getByProduct", trace.WithAttributes(attribute.String("product.ref", ref)))
	defer span.End()

	rec, err := h.ledger.Availability(ctx, ref)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(dto.StockResponse{
		ProductRef: rec.ProductRef,
		OnHand:     rec.OnHand,
		Reserved:   rec.Reserved,
		Available:  rec.Available(),
	}).Build()
}

func (h *Handler) reserve(c echo.Context) error {
	b := response.New(c)

	var payload dto.ReserveRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.OrderID == 0 || len(payload.Lines) == 0 {
		return b.WithError(errorbank.BadRequest("order_id and lines are required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "stock.reserve", trace.WithAttributes(attribute.Int64("order.id", payload.OrderID)))
	defer span.End()

	lines := make([]stocksvc.Line, 0, len(payload.Lines))
	for _, line := range payload.Lines {
		lines = append(lines, stocksvc.Line{ProductRef: line.ProductRef, Qty: line.Qty})
	}
	if err := h.ledger.Reserve(ctx, payload.OrderID, lines); err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(map[string]any{"order_id": payload.OrderID, "reserved": len(lines)}).Build()
}

func (h *Handler) release(c echo.Context) error {
	return h.resolve(c, "stock.release", h.ledger.Release)
}

func (h *Handler) convert(c echo.Context) error {
	return h.resolve(c, "stock.convert", h.ledger.ConvertToConsumption)
}

func (h *Handler) resolve(c echo.Context, spanName string, op func(ctx context.Context, orderID int64) error) error {
	b := response.New(c)

	orderID, err := strconv.ParseInt(c.Param("orderID"), 10, 64)
	if err != nil {
		return b.WithError(errorbank.BadRequest("invalid order id", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), spanName, trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	if err := op(ctx, orderID); err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(map[string]any{"order_id": orderID}).Build()
}
