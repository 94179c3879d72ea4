package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const idempotencyKeyHeader = "Idempotency-Key"

// OrderUseCaseInterface define a interface para o use case
type OrderUseCaseInterface interface {
	CreateOrder(ctx context.Context, idempotencyKey string, req CreateOrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	DeleteAllOrders(ctx context.Context) error
}

// OrderHandler contém os handlers HTTP
type OrderHandler struct {
	useCase OrderUseCaseInterface
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewOrderHandler cria uma nova instância de OrderHandler
func NewOrderHandler(useCase OrderUseCaseInterface, tracer trace.Tracer, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		useCase: useCase,
		tracer:  tracer,
		logger:  logger,
	}
}

// RegisterRoutes registra as rotas do serviço no router
func (h *OrderHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	orders := r.Group("/api/orders")
	orders.POST("", h.CreateOrder)
	orders.DELETE("", h.DeleteAllOrders)
	orders.GET("/:id", h.GetOrder)
}

// CreateOrder inicia a SAGA de reserva e cria o pedido
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	// Span principal que engloba toda a transação SAGA
	ctx, span := h.tracer.Start(c.Request.Context(), "create_order_saga")
	defer span.End()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.Int("items", len(req.Items)))

	order, err := h.useCase.CreateOrder(ctx, c.GetHeader(idempotencyKeyHeader), req)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err)
		return
	}

	span.SetAttributes(
		attribute.Int64("order_id", order.ID),
		attribute.String("total_amount", order.TotalAmount.String()),
	)
	c.JSON(http.StatusOK, order)
}

// GetOrder retorna um pedido pelo ID
func (h *OrderHandler) GetOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := h.useCase.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// DeleteAllOrders remove todos os pedidos
func (h *OrderHandler) DeleteAllOrders(c *gin.Context) {
	if err := h.useCase.DeleteAllOrders(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HealthCheck verifica a saúde do serviço
func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "orders-service",
	})
}

// respondError traduz os erros de domínio para o status HTTP correspondente
func (h *OrderHandler) respondError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}

	var reservationErr *ReservationError
	if errors.As(err, &reservationErr) {
		body["item_index"] = reservationErr.Index
		body["book_id"] = reservationErr.BookID
	}

	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrBookNotFound):
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrRequestInProgress):
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, ErrIdempotencyKeyReused):
		c.JSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, ErrLedgerUnavailable):
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		h.logger.Error("❌ Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
