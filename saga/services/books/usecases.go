package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BookUseCase contém a lógica de negócio do catálogo e do ledger de estoque
type BookUseCase struct {
	repository          BookRepository
	tracer              trace.Tracer
	logger              *zap.Logger
	reservationsCounter metric.Int64Counter
	releasesCounter     metric.Int64Counter
}

// NewBookUseCase cria uma nova instância de BookUseCase
func NewBookUseCase(
	repository BookRepository,
	tracer trace.Tracer,
	logger *zap.Logger,
) *BookUseCase {
	meter := otel.Meter("books-service")
	reservationsCounter, _ := meter.Int64Counter("books_stock_reservations_total",
		metric.WithDescription("Stock reservation attempts by result"))
	releasesCounter, _ := meter.Int64Counter("books_stock_releases_total",
		metric.WithDescription("Stock releases applied as saga compensation"))

	return &BookUseCase{
		repository:          repository,
		tracer:              tracer,
		logger:              logger,
		reservationsCounter: reservationsCounter,
		releasesCounter:     releasesCounter,
	}
}

// CreateBook valida e cadastra um novo livro
func (uc *BookUseCase) CreateBook(ctx context.Context, req CreateBookRequest) (*Book, error) {
	book := NewBook(req.Title, req.Author, req.Price, req.StockQuantity)
	if err := book.Validate(); err != nil {
		return nil, err
	}

	if err := uc.repository.CreateBook(ctx, book); err != nil {
		uc.logger.Error("❌ Failed to create book", zap.Error(err))
		return nil, fmt.Errorf("failed to create book: %w", err)
	}

	uc.logger.Info("✅ Book created",
		zap.Int64("book_id", book.ID),
		zap.Int("stock_quantity", book.StockQuantity))
	return book, nil
}

// GetBook busca um livro pelo ID
func (uc *BookUseCase) GetBook(ctx context.Context, bookID int64) (*Book, error) {
	return uc.repository.GetBook(ctx, bookID)
}

// DeleteAllBooks limpa o catálogo (usado pelos testes end-to-end)
func (uc *BookUseCase) DeleteAllBooks(ctx context.Context) error {
	if err := uc.repository.DeleteAllBooks(ctx); err != nil {
		return err
	}
	uc.logger.Info("🧹 All books deleted")
	return nil
}

// ReserveStock diminui o estoque usando Lock Pessimista.
// Repetir o mesmo reservation_id devolve a reserva já registrada sem mexer no estoque.
func (uc *BookUseCase) ReserveStock(ctx context.Context, req StockActionRequest) (*Reservation, error) {
	ctx, span := uc.tracer.Start(ctx, "ledger.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("book_id", req.BookID),
		attribute.String("reservation_id", req.ReservationID),
		attribute.Int("quantity", req.Quantity),
	)

	log := uc.logger.With(
		zap.Int64("book_id", req.BookID),
		zap.String("reservation_id", req.ReservationID),
		zap.Int("quantity", req.Quantity),
	)
	log.Info("➡️ [RESERVE STOCK]")

	reservation, err := uc.reserveStock(ctx, req, log)
	uc.reservationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", reservationResult(err))))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return reservation, nil
}

func (uc *BookUseCase) reserveStock(ctx context.Context, req StockActionRequest, log *zap.Logger) (*Reservation, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	// 1. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 2. Obtém o livro com LOCK PESSIMISTA (SELECT FOR UPDATE)
	// Isso bloqueia a linha no banco até o Commit ou Rollback
	book, err := uc.repository.GetBookForUpdate(ctx, tx, req.BookID)
	if err != nil {
		log.Warn("❌ RESERVE FAILED: GetBookForUpdate", zap.Error(err))
		return nil, err
	}

	// 3. Verificar idempotência dentro da transação
	existing, err := uc.repository.GetMovement(ctx, tx, req.ReservationID, MovementTypeReserved)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		log.Info("ℹ️ [IDEMPOTENCY] Reservation already applied")
		return &Reservation{
			ReservationID: existing.ReservationID,
			BookID:        existing.BookID,
			Quantity:      existing.Quantity,
			Price:         existing.UnitPrice,
		}, nil
	}

	// 4. Regra de Negócio: Verifica estoque
	if book.StockQuantity < req.Quantity {
		log.Warn("❌ RESERVE FAILED: Insufficient stock", zap.Int("available", book.StockQuantity))
		return nil, ErrInsufficientStock
	}

	// 5. Executa a atualização do estoque e cria o registro de movimento
	if err := uc.repository.DecreaseStock(ctx, tx, book, req.ReservationID, req.Quantity); err != nil {
		log.Error("❌ [RESERVE] Failed to update", zap.Error(err))
		return nil, err
	}

	// 6. Commit da transação
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	log.Info("✅ [RESERVE] Success", zap.Int("remaining_stock", book.StockQuantity-req.Quantity))
	return &Reservation{
		ReservationID: req.ReservationID,
		BookID:        book.ID,
		Quantity:      req.Quantity,
		Price:         book.Price,
	}, nil
}

// ReleaseStock devolve ao estoque a quantidade de uma reserva (compensação).
// Sem reserva registrada, ou com a liberação já aplicada, não faz nada.
func (uc *BookUseCase) ReleaseStock(ctx context.Context, req StockActionRequest) error {
	ctx, span := uc.tracer.Start(ctx, "ledger.release")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("book_id", req.BookID),
		attribute.String("reservation_id", req.ReservationID),
	)

	log := uc.logger.With(
		zap.Int64("book_id", req.BookID),
		zap.String("reservation_id", req.ReservationID),
	)
	log.Info("↩️ [RELEASE STOCK]")

	// 1. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 2. Obtém o livro com LOCK PESSIMISTA (SELECT FOR UPDATE)
	if _, err := uc.repository.GetBookForUpdate(ctx, tx, req.BookID); err != nil {
		log.Warn("❌ RELEASE FAILED: GetBookForUpdate", zap.Error(err))
		span.RecordError(err)
		return err
	}

	// 3. Só existe o que liberar se a reserva chegou a ser aplicada
	reserved, err := uc.repository.GetMovement(ctx, tx, req.ReservationID, MovementTypeReserved)
	if err != nil {
		return fmt.Errorf("failed to look up reservation: %w", err)
	}
	if reserved == nil || reserved.BookID != req.BookID {
		log.Info("ℹ️ [RELEASE] Nothing reserved for this reservation, skipping")
		return nil
	}

	// 4. Verificar idempotência - se já existe movimento de 'released' para esta reserva
	released, err := uc.repository.GetMovement(ctx, tx, req.ReservationID, MovementTypeReleased)
	if err != nil {
		return fmt.Errorf("failed to check idempotency: %w", err)
	}
	if released != nil {
		log.Info("ℹ️ [IDEMPOTENCY] Release already applied")
		return nil
	}

	// 5. Executa a compensação (aumento) e cria o registro de movimento
	if err := uc.repository.IncreaseStock(ctx, tx, req.BookID, req.ReservationID, reserved.Quantity, reserved.UnitPrice); err != nil {
		log.Error("❌ [RELEASE] Failed to update", zap.Error(err))
		span.RecordError(err)
		return err
	}

	// 6. Commit da transação
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}

	uc.releasesCounter.Add(ctx, 1)
	log.Info("✅ [RELEASE] Success", zap.Int("quantity", reserved.Quantity))
	return nil
}

func reservationResult(err error) string {
	switch {
	case err == nil:
		return "reserved"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrBookNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid"
	default:
		return "error"
	}
}
