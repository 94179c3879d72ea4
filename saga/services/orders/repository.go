package main

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// ErrCommitUncertain indica que o COMMIT falhou sem resposta do banco: o pedido pode ou não ter sido gravado
var ErrCommitUncertain = errors.New("order commit outcome unknown")

// Repository define a interface para operações de banco de dados de pedidos
type Repository interface {
	// CreateOrder grava o pedido e os itens numa única transação e preenche o ID
	CreateOrder(ctx context.Context, order *Order) error

	// GetOrder busca um pedido pelo ID
	GetOrder(ctx context.Context, orderID int64) (*Order, error)

	// GetOrderByReference busca um pedido pela referência gerada antes do INSERT
	GetOrderByReference(ctx context.Context, reference string) (*Order, error)

	// DeleteAllOrders remove todos os pedidos
	DeleteAllOrders(ctx context.Context) error
}

// OrderRepository implementa Repository usando PostgreSQL via database/sql
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository cria uma nova instância de OrderRepository
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{
		db: db,
	}
}

// EnsureSchema cria as tabelas do serviço caso ainda não existam
func (r *OrderRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply orders schema: %w", err)
	}
	return nil
}

// CreateOrder cria um novo pedido no banco de dados
func (r *OrderRepository) CreateOrder(ctx context.Context, order *Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (reference, status, total_amount, order_date)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, sql.NullString{String: order.Reference, Valid: order.Reference != ""}, order.Status, order.TotalAmount, order.OrderDate).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, book_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5)
		`, order.ID, i, item.BookID, item.Quantity, item.Price)
		if err != nil {
			return fmt.Errorf("failed to insert order item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitUncertain, err)
	}
	return nil
}

// GetOrder busca um pedido pelo ID
func (r *OrderRepository) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	return r.getOrder(ctx, `WHERE id = $1`, orderID)
}

// GetOrderByReference busca um pedido pela referência
func (r *OrderRepository) GetOrderByReference(ctx context.Context, reference string) (*Order, error) {
	return r.getOrder(ctx, `WHERE reference = $1`, reference)
}

func (r *OrderRepository) getOrder(ctx context.Context, where string, arg any) (*Order, error) {
	var order Order
	var reference sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, reference, status, total_amount, order_date
		FROM orders `+where, arg).Scan(&order.ID, &reference, &order.Status, &order.TotalAmount, &order.OrderDate)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT book_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.BookID, &item.Quantity, &item.Price); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read order items: %w", err)
	}
	order.Reference = reference.String

	return &order, nil
}

// DeleteAllOrders remove todos os pedidos e itens
func (r *OrderRepository) DeleteAllOrders(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `TRUNCATE order_items, orders`); err != nil {
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	return nil
}
