package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// OrderUseCase contém a lógica de negócio dos pedidos
type OrderUseCase struct {
	repository      Repository
	reserver        StockReserver
	idempotency     IdempotencyStore
	logger          *zap.Logger
	now             func() time.Time
	newReference    func() string
	completeBackoff time.Duration
	createdCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter
}

// completeAttempts é quantas vezes o Complete da Idempotency-Key é tentado
const completeAttempts = 3

// NewOrderUseCase cria uma nova instância de OrderUseCase.
// idempotency pode ser nil quando o Redis não está configurado.
func NewOrderUseCase(
	repository Repository,
	reserver StockReserver,
	idempotency IdempotencyStore,
	logger *zap.Logger,
) *OrderUseCase {
	meter := otel.Meter("orders-service")
	createdCounter, _ := meter.Int64Counter("orders_created_total",
		metric.WithDescription("Orders persisted after a successful stock reservation"))
	rejectedCounter, _ := meter.Int64Counter("orders_rejected_total",
		metric.WithDescription("Orders rejected, by reason"))

	return &OrderUseCase{
		repository:      repository,
		reserver:        reserver,
		idempotency:     idempotency,
		logger:          logger,
		now:             time.Now,
		newReference:    uuid.NewString,
		completeBackoff: 100 * time.Millisecond,
		createdCounter:  createdCounter,
		rejectedCounter: rejectedCounter,
	}
}

// CreateOrder valida o pedido, reserva o estoque de todos os itens e só então grava o pedido.
// Se qualquer reserva falhar nenhum pedido é criado e o estoque volta ao estado anterior.
func (uc *OrderUseCase) CreateOrder(ctx context.Context, idempotencyKey string, req CreateOrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		uc.reject(ctx, err)
		return nil, err
	}

	if idempotencyKey != "" && uc.idempotency != nil {
		return uc.createOrderOnce(ctx, idempotencyKey, req)
	}
	return uc.createOrder(ctx, req)
}

// createOrderOnce cria o pedido no máximo uma vez por Idempotency-Key.
// Uma chave que aponta para um pedido apagado é descartada e o pedido é criado de novo.
func (uc *OrderUseCase) createOrderOnce(ctx context.Context, key string, req CreateOrderRequest) (*Order, error) {
	fingerprint := req.Fingerprint()
	log := uc.logger.With(zap.String("idempotency_key", key))

	for attempt := 0; ; attempt++ {
		claimed, err := uc.idempotency.Claim(ctx, key, fingerprint)
		if err != nil {
			return nil, err
		}
		if claimed {
			return uc.createAndComplete(ctx, key, fingerprint, req)
		}

		record, err := uc.idempotency.Lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		switch {
		case record == nil:
			// a chave expirou entre o Claim e o Lookup
			if attempt == 0 {
				continue
			}
			return nil, ErrRequestInProgress
		case record.Fingerprint != fingerprint:
			return nil, ErrIdempotencyKeyReused
		case !record.Completed():
			return nil, ErrRequestInProgress
		}

		order, err := uc.repository.GetOrder(ctx, record.OrderID)
		if errors.Is(err, ErrOrderNotFound) && attempt == 0 {
			log.Warn("⚠️ [IDEMPOTENCY] Key points to a deleted order, discarding it", zap.Int64("order_id", record.OrderID))
			if err := uc.idempotency.Forget(ctx, key); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Info("ℹ️ [IDEMPOTENCY] Replaying order", zap.Int64("order_id", order.ID))
		return order, nil
	}
}

func (uc *OrderUseCase) createAndComplete(ctx context.Context, key, fingerprint string, req CreateOrderRequest) (*Order, error) {
	order, err := uc.createOrder(ctx, req)
	if err != nil {
		if forgetErr := uc.idempotency.Forget(context.WithoutCancel(ctx), key); forgetErr != nil {
			uc.logger.Error("❌ Failed to free idempotency key", zap.String("idempotency_key", key), zap.Error(forgetErr))
		}
		return nil, err
	}

	uc.completeKey(ctx, key, fingerprint, order.ID)
	return order, nil
}

// completeKey associa o pedido à chave. Roda desligado do cancelamento do chamador:
// o pedido já existe e a chave não pode ficar marcada como em andamento.
func (uc *OrderUseCase) completeKey(ctx context.Context, key, fingerprint string, orderID int64) {
	ctx = context.WithoutCancel(ctx)
	log := uc.logger.With(zap.String("idempotency_key", key), zap.Int64("order_id", orderID))

	for attempt := 1; attempt <= completeAttempts; attempt++ {
		err := uc.idempotency.Complete(ctx, key, fingerprint, orderID)
		if err == nil {
			return
		}
		if attempt == completeAttempts {
			log.Error("🚨 CRITICAL: Failed to complete idempotency key, it stays pending until it expires", zap.Error(err))
			return
		}
		log.Warn("⏳ Retrying idempotency key completion", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * uc.completeBackoff)
	}
}

func (uc *OrderUseCase) createOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	uc.logger.Info("➡️ [CREATE ORDER]", zap.Int("items", len(req.Items)))

	// 1. SAGA de reserva: tudo ou nada
	reserved, err := uc.reserver.Reserve(ctx, req.Items)
	if err != nil {
		uc.reject(ctx, err)
		uc.logger.Warn("❌ Order rejected", zap.Error(err))
		return nil, err
	}

	// 2. Monta o pedido com os preços capturados na reserva
	items := make([]OrderItem, 0, len(reserved))
	for _, r := range reserved {
		items = append(items, OrderItem{
			BookID:   r.BookID,
			Quantity: r.Quantity,
			Price:    r.Price,
		})
	}
	order := NewOrder(items, uc.now())
	order.Reference = uc.newReference()

	// 3. Persiste; se falhar, as reservas precisam ser desfeitas
	if err := uc.persistOrder(ctx, order, reserved); err != nil {
		uc.reject(ctx, err)
		return nil, err
	}

	uc.createdCounter.Add(ctx, 1)
	uc.logger.Info("✅ Order created",
		zap.Int64("order_id", order.ID),
		zap.String("total_amount", order.TotalAmount.String()))
	return order, nil
}

// persistOrder grava o pedido. Só compensa as reservas quando é certo que o pedido não foi gravado:
// se o COMMIT falhou sem resposta, confere pela referência antes de devolver o estoque.
func (uc *OrderUseCase) persistOrder(ctx context.Context, order *Order, reserved []ReservedItem) error {
	err := uc.repository.CreateOrder(ctx, order)
	if err == nil {
		return nil
	}

	log := uc.logger.With(zap.String("order_reference", order.Reference))

	if errors.Is(err, ErrCommitUncertain) {
		stored, lookupErr := uc.repository.GetOrderByReference(context.WithoutCancel(ctx), order.Reference)
		switch {
		case lookupErr == nil:
			log.Warn("⚠️ Commit reported an error but the order was stored", zap.Int64("order_id", stored.ID), zap.Error(err))
			order.ID = stored.ID
			return nil
		case !errors.Is(lookupErr, ErrOrderNotFound):
			log.Error("🚨 CRITICAL: Order commit outcome unknown, keeping reservations",
				zap.Error(err), zap.NamedError("lookup_error", lookupErr))
			return fmt.Errorf("failed to create order: %w", err)
		}
	}

	log.Error("❌ Failed to persist order, compensating reservations", zap.Error(err))
	uc.reserver.Compensate(ctx, reserved)
	return fmt.Errorf("failed to create order: %w", err)
}

// GetOrder busca um pedido pelo ID
func (uc *OrderUseCase) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	return uc.repository.GetOrder(ctx, orderID)
}

// DeleteAllOrders limpa os pedidos (usado pelos testes end-to-end)
func (uc *OrderUseCase) DeleteAllOrders(ctx context.Context) error {
	if err := uc.repository.DeleteAllOrders(ctx); err != nil {
		return err
	}
	// sem isso as chaves apontariam para pedidos que não existem mais
	if uc.idempotency != nil {
		if err := uc.idempotency.Reset(ctx); err != nil {
			return err
		}
	}
	uc.logger.Info("🧹 All orders deleted")
	return nil
}

func (uc *OrderUseCase) reject(ctx context.Context, err error) {
	uc.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectionReason(err))))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidQuantity):
		return "validation"
	case errors.Is(err, ErrBookNotFound):
		return "book_not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrLedgerUnavailable):
		return "ledger_unavailable"
	case errors.Is(err, ErrCommitUncertain):
		return "commit_uncertain"
	default:
		return "error"
	}
}
