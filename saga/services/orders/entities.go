package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Valores monetários trafegam como número JSON (59.98), não como string.
	decimal.MarshalJSONWithoutQuotes = true
}

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrValidation           = errors.New("invalid order request")
	ErrRequestInProgress    = errors.New("order request with this idempotency key is still in progress")
	ErrIdempotencyKeyReused = errors.New("idempotency key already used for a different order request")
)

// Order representa um pedido no sistema
type Order struct {
	ID          int64           `json:"id" db:"id"`
	Items       []OrderItem     `json:"orderItems"`
	Status      string          `json:"status" db:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount" db:"total_amount"`
	OrderDate   time.Time       `json:"orderDate" db:"order_date"`
	// Reference é gerada antes do INSERT e permite descobrir se um commit duvidoso foi aplicado
	Reference   string          `json:"-" db:"reference"`
}

// OrderItem representa um item do pedido com o preço capturado na reserva
type OrderItem struct {
	BookID   int64           `json:"bookId" db:"book_id"`
	Quantity int             `json:"quantity" db:"quantity"`
	Price    decimal.Decimal `json:"price" db:"price"`
}

// OrderStatus representa os possíveis status de um pedido
const (
	OrderStatusPending = "PENDING"
)

// NewOrder cria uma nova instância de Order a partir dos itens reservados.
// O total é calculado uma única vez, com os preços do momento da reserva.
func NewOrder(items []OrderItem, orderDate time.Time) *Order {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}

	return &Order{
		Items:       items,
		Status:      OrderStatusPending,
		TotalAmount: total,
		OrderDate:   orderDate,
	}
}

// Subtotal é o preço do item multiplicado pela quantidade
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CreateOrderRequest representa a requisição para criar um pedido
type CreateOrderRequest struct {
	Items []OrderItemRequest `json:"items"`
}

// OrderItemRequest representa um item pedido pelo cliente
type OrderItemRequest struct {
	BookID   int64 `json:"bookId"`
	Quantity int   `json:"quantity"`
}

// Validate rejeita pedidos malformados antes de qualquer reserva
func (r CreateOrderRequest) Validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	for i, item := range r.Items {
		if item.BookID <= 0 {
			return fmt.Errorf("%w: item %d has an invalid book id", ErrValidation, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be greater than zero", ErrValidation, i)
		}
	}
	return nil
}

// Fingerprint identifica o conteúdo do pedido, para detectar uma Idempotency-Key reaproveitada
func (r CreateOrderRequest) Fingerprint() string {
	h := sha256.New()
	for _, item := range r.Items {
		fmt.Fprintf(h, "%d:%d;", item.BookID, item.Quantity)
	}
	return hex.EncodeToString(h.Sum(nil))
}
