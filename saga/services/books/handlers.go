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

// BookUseCaseInterface define a interface para o use case
type BookUseCaseInterface interface {
	CreateBook(ctx context.Context, req CreateBookRequest) (*Book, error)
	GetBook(ctx context.Context, bookID int64) (*Book, error)
	DeleteAllBooks(ctx context.Context) error
	ReserveStock(ctx context.Context, req StockActionRequest) (*Reservation, error)
	ReleaseStock(ctx context.Context, req StockActionRequest) error
}

// BookHandler contém os handlers HTTP do catálogo e do estoque
type BookHandler struct {
	useCase BookUseCaseInterface
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewBookHandler cria uma nova instância de BookHandler
func NewBookHandler(useCase BookUseCaseInterface, tracer trace.Tracer, logger *zap.Logger) *BookHandler {
	return &BookHandler{
		useCase: useCase,
		tracer:  tracer,
		logger:  logger,
	}
}

// RegisterRoutes registra as rotas do serviço no router
func (h *BookHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	books := r.Group("/api/books")
	books.POST("", h.CreateBook)
	books.DELETE("", h.DeleteAllBooks)
	books.GET("/:id", h.GetBook)

	// Endpoints do ledger usados pela SAGA de pedidos
	books.POST("/:id/reserve", h.ReserveStock)
	books.POST("/:id/release", h.ReleaseStock)
}

// CreateBook cadastra um livro
func (h *BookHandler) CreateBook(c *gin.Context) {
	var req CreateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	book, err := h.useCase.CreateBook(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, book)
}

// GetBook retorna um livro pelo ID
func (h *BookHandler) GetBook(c *gin.Context) {
	bookID, ok := parseBookID(c)
	if !ok {
		return
	}

	book, err := h.useCase.GetBook(c.Request.Context(), bookID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, book)
}

// DeleteAllBooks remove todos os livros
func (h *BookHandler) DeleteAllBooks(c *gin.Context) {
	if err := h.useCase.DeleteAllBooks(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReserveStock é o endpoint da ação SAGA para reservar estoque
func (h *BookHandler) ReserveStock(c *gin.Context) {
	bookID, ok := parseBookID(c)
	if !ok {
		return
	}

	var req StockActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.BookID = bookID

	ctx, span := h.tracer.Start(c.Request.Context(), "reserve_stock")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("book_id", req.BookID),
		attribute.String("reservation_id", req.ReservationID),
	)

	reservation, err := h.useCase.ReserveStock(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, reservation)
}

// ReleaseStock é o endpoint da ação SAGA para compensar uma reserva
func (h *BookHandler) ReleaseStock(c *gin.Context) {
	bookID, ok := parseBookID(c)
	if !ok {
		return
	}

	var req StockActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.BookID = bookID

	ctx, span := h.tracer.Start(c.Request.Context(), "release_stock")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("book_id", req.BookID),
		attribute.String("reservation_id", req.ReservationID),
	)

	if err := h.useCase.ReleaseStock(ctx, req); err != nil {
		span.RecordError(err)
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": "success"})
}

// HealthCheck é o endpoint de health check
func (h *BookHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "books-service",
	})
}

// respondError traduz os erros de domínio para o status HTTP correspondente
func (h *BookHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidBook):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("❌ Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseBookID(c *gin.Context) (int64, bool) {
	bookID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid book id"})
		return 0, false
	}
	return bookID, true
}
