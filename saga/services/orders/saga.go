package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StockReserver abstrai o protocolo de reserva de estoque usado pelo pedido
type StockReserver interface {
	Reserve(ctx context.Context, items []OrderItemRequest) ([]ReservedItem, error)
	Compensate(ctx context.Context, reserved []ReservedItem)
}

// ReservationError identifica o item que interrompeu a SAGA de reserva
type ReservationError struct {
	Index  int
	BookID int64
	Err    error
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("reservation of item %d (book %d) failed: %v", e.Index, e.BookID, e.Err)
}

func (e *ReservationError) Unwrap() error {
	return e.Err
}

// StockReservationSaga reserva os itens um a um, na ordem do pedido, e
// libera o que já foi reservado quando algum passo falha.
type StockReservationSaga struct {
	ledger              BookLedger
	logger              *zap.Logger
	tracer              trace.Tracer
	compensationTimeout time.Duration
	newReservationID    func() string
	compensations       metric.Int64Counter
}

// NewStockReservationSaga cria uma nova instância do orquestrador da SAGA de estoque
func NewStockReservationSaga(ledger BookLedger, logger *zap.Logger, compensationTimeout time.Duration) *StockReservationSaga {
	compensations, _ := otel.Meter("orders-service").Int64Counter("orders_compensations_total",
		metric.WithDescription("Stock releases issued as saga compensation, by result"))

	return &StockReservationSaga{
		ledger:              ledger,
		logger:              logger,
		tracer:              otel.Tracer("orders-saga"),
		compensationTimeout: compensationTimeout,
		newReservationID:    uuid.NewString,
		compensations:       compensations,
	}
}

// Reserve executa os passos da SAGA sequencialmente.
// No primeiro erro compensa, em ordem reversa, tudo que já foi reservado antes de retornar.
func (s *StockReservationSaga) Reserve(ctx context.Context, items []OrderItemRequest) ([]ReservedItem, error) {
	ctx, span := s.tracer.Start(ctx, "saga.reserve_stock")
	defer span.End()
	span.SetAttributes(attribute.Int("saga.items", len(items)))

	reserved := make([]ReservedItem, 0, len(items))
	traceID := span.SpanContext().TraceID().String()

	for i, item := range items {
		reservationID := s.newReservationID()
		log := s.logger.With(
			zap.String("trace_id", traceID),
			zap.Int("step", i),
			zap.Int64("book_id", item.BookID),
			zap.String("reservation_id", reservationID),
		)
		log.Info("➡️ [SAGA] Reserving stock", zap.Int("quantity", item.Quantity))

		result, err := s.reserveStep(ctx, reservationID, item)
		if err != nil {
			log.Warn("❌ [SAGA] Step failed, starting rollback", zap.Error(err))

			// Sem resposta do ledger não dá para saber se a reserva foi aplicada:
			// compensa também o passo que falhou (a liberação vira no-op se nada foi reservado).
			if errors.Is(err, ErrLedgerUnavailable) {
				reserved = append(reserved, ReservedItem{
					ReservationID: reservationID,
					BookID:        item.BookID,
					Quantity:      item.Quantity,
				})
			}
			s.Compensate(ctx, reserved)

			span.RecordError(err)
			span.SetStatus(codes.Error, "stock reservation failed")
			return nil, &ReservationError{Index: i, BookID: item.BookID, Err: err}
		}

		reserved = append(reserved, *result)
		log.Info("✅ [SAGA] Stock reserved", zap.String("price", result.Price.String()))
	}

	span.SetStatus(codes.Ok, "all items reserved")
	return reserved, nil
}

func (s *StockReservationSaga) reserveStep(ctx context.Context, reservationID string, item OrderItemRequest) (*ReservedItem, error) {
	ctx, span := s.tracer.Start(ctx, "saga.step.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("book_id", item.BookID),
		attribute.String("reservation_id", reservationID),
		attribute.Int("quantity", item.Quantity),
	)

	result, err := s.ledger.Reserve(ctx, reservationID, item.BookID, item.Quantity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// Compensate libera as reservas em ordem reversa (LIFO).
// Roda num contexto desligado do cancelamento do chamador para não deixar reservas penduradas.
func (s *StockReservationSaga) Compensate(ctx context.Context, reserved []ReservedItem) {
	if len(reserved) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "saga.compensate")
	defer span.End()
	span.SetAttributes(attribute.Int("saga.compensations", len(reserved)))

	for i := len(reserved) - 1; i >= 0; i-- {
		item := reserved[i]
		log := s.logger.With(
			zap.Int64("book_id", item.BookID),
			zap.String("reservation_id", item.ReservationID),
		)
		log.Info("↩️ [COMPENSATE] Releasing stock", zap.Int("quantity", item.Quantity))

		if err := s.ledger.Release(ctx, item.ReservationID, item.BookID); err != nil {
			log.Error("🚨 CRITICAL: Failed to compensate reservation", zap.Error(err))
			span.RecordError(err)
			s.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
			continue
		}
		s.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "released")))
	}
}
