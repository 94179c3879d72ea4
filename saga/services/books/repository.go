package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// BookRepository define a interface para operações de banco de dados do catálogo e do estoque
type BookRepository interface {
	CreateBook(ctx context.Context, book *Book) error
	GetBook(ctx context.Context, bookID int64) (*Book, error)
	DeleteAllBooks(ctx context.Context) error
	GetBookForUpdate(ctx context.Context, tx Tx, bookID int64) (*Book, error)
	GetMovement(ctx context.Context, tx Tx, reservationID string, movementType string) (*StockMovement, error)
	DecreaseStock(ctx context.Context, tx Tx, book *Book, reservationID string, quantity int) error
	IncreaseStock(ctx context.Context, tx Tx, bookID int64, reservationID string, quantity int, unitPrice decimal.Decimal) error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx interface para transações
type Tx interface {
	Commit() error
	Rollback() error
}

// PostgresBookRepository implementa BookRepository usando PostgreSQL
type PostgresBookRepository struct {
	db *pgxpool.Pool
}

// NewBookRepository cria uma nova instância de PostgresBookRepository
func NewBookRepository(db *pgxpool.Pool) BookRepository {
	return &PostgresBookRepository{
		db: db,
	}
}

// EnsureSchema cria as tabelas do serviço caso ainda não existam
func (r *PostgresBookRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply books schema: %w", err)
	}
	return nil
}

// CreateBook insere um livro e preenche o ID gerado
func (r *PostgresBookRepository) CreateBook(ctx context.Context, book *Book) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO books (title, author, price, stock_quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, book.Title, book.Author, book.Price, book.StockQuantity, book.CreatedAt, book.UpdatedAt).Scan(&book.ID)
	if err != nil {
		return fmt.Errorf("failed to insert book: %w", err)
	}
	return nil
}

// GetBook busca um livro pelo ID
func (r *PostgresBookRepository) GetBook(ctx context.Context, bookID int64) (*Book, error) {
	var book Book
	err := r.db.QueryRow(ctx, `
		SELECT id, title, author, price, stock_quantity, created_at, updated_at
		FROM books
		WHERE id = $1
	`, bookID).Scan(&book.ID, &book.Title, &book.Author, &book.Price, &book.StockQuantity, &book.CreatedAt, &book.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// DeleteAllBooks remove todo o catálogo junto com as movimentações
func (r *PostgresBookRepository) DeleteAllBooks(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `TRUNCATE stock_movements, books`)
	if err != nil {
		return fmt.Errorf("failed to delete books: %w", err)
	}
	return nil
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	return t.tx.Rollback(context.Background())
}

// BeginTx inicia uma nova transação
func (r *PostgresBookRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &PostgresTx{tx: tx}, nil
}

// GetBookForUpdate obtém o livro com lock pessimista (FOR UPDATE).
// O lock é por linha, então reservas de livros diferentes não disputam entre si.
func (r *PostgresBookRepository) GetBookForUpdate(ctx context.Context, tx Tx, bookID int64) (*Book, error) {
	pgTx := tx.(*PostgresTx).tx

	query := `
		SELECT id, title, author, price, stock_quantity, created_at, updated_at
		FROM books
		WHERE id = $1
		FOR UPDATE
	`

	var book Book
	err := pgTx.QueryRow(ctx, query, bookID).Scan(
		&book.ID,
		&book.Title,
		&book.Author,
		&book.Price,
		&book.StockQuantity,
		&book.CreatedAt,
		&book.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book with lock: %w", err)
	}

	return &book, nil
}

// GetMovement busca a movimentação de uma reserva pelo tipo; retorna nil quando não existe
func (r *PostgresBookRepository) GetMovement(ctx context.Context, tx Tx, reservationID string, movementType string) (*StockMovement, error) {
	pgTx := tx.(*PostgresTx).tx

	query := `
		SELECT id, book_id, reservation_id, quantity, unit_price, movement_type, created_at
		FROM stock_movements
		WHERE reservation_id = $1 AND movement_type = $2
	`

	var movement StockMovement
	var id uuid.UUID
	err := pgTx.QueryRow(ctx, query, reservationID, movementType).Scan(
		&id,
		&movement.BookID,
		&movement.ReservationID,
		&movement.Quantity,
		&movement.UnitPrice,
		&movement.MovementType,
		&movement.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get movement: %w", err)
	}
	movement.ID = id.String()

	return &movement, nil
}

// DecreaseStock diminui o estoque e registra o movimento com o preço do momento
func (r *PostgresBookRepository) DecreaseStock(ctx context.Context, tx Tx, book *Book, reservationID string, quantity int) error {
	pgTx := tx.(*PostgresTx).tx

	// 1. Atualiza o estoque do livro
	// A condição no WHERE garante que o contador nunca fica negativo mesmo sem o lock.
	tag, err := pgTx.Exec(ctx, `
		UPDATE books
		SET stock_quantity = stock_quantity - $1,
		    updated_at = NOW()
		WHERE id = $2 AND stock_quantity >= $1
	`, quantity, book.ID)
	if err != nil {
		return fmt.Errorf("failed to decrease stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientStock
	}

	// 2. Insere o registro de movimentação
	return insertMovement(ctx, pgTx, book.ID, reservationID, quantity, book.Price, MovementTypeReserved)
}

// IncreaseStock aumenta o estoque e registra o movimento
func (r *PostgresBookRepository) IncreaseStock(ctx context.Context, tx Tx, bookID int64, reservationID string, quantity int, unitPrice decimal.Decimal) error {
	pgTx := tx.(*PostgresTx).tx

	// 1. Atualiza o estoque do livro
	_, err := pgTx.Exec(ctx, `
		UPDATE books
		SET stock_quantity = stock_quantity + $1,
		    updated_at = NOW()
		WHERE id = $2
	`, quantity, bookID)
	if err != nil {
		return fmt.Errorf("failed to increase stock: %w", err)
	}

	// 2. Insere o registro de movimentação
	return insertMovement(ctx, pgTx, bookID, reservationID, quantity, unitPrice, MovementTypeReleased)
}

func insertMovement(ctx context.Context, tx pgx.Tx, bookID int64, reservationID string, quantity int, unitPrice decimal.Decimal, movementType string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stock_movements (id, book_id, reservation_id, quantity, unit_price, movement_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), bookID, reservationID, quantity, unitPrice, movementType)
	if err != nil {
		return fmt.Errorf("failed to insert movement record: %w", err)
	}
	return nil
}
