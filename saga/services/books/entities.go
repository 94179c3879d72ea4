package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Preços trafegam como número JSON (29.99), não como string.
	decimal.MarshalJSONWithoutQuotes = true
}

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrInvalidBook       = errors.New("invalid book")
)

// Book representa um título do catálogo com o seu contador de estoque
type Book struct {
	ID            int64           `json:"id" db:"id"`
	Title         string          `json:"title" db:"title"`
	Author        string          `json:"author" db:"author"`
	Price         decimal.Decimal `json:"price" db:"price"`
	StockQuantity int             `json:"stockQuantity" db:"stock_quantity"`
	CreatedAt     time.Time       `json:"-" db:"created_at"`
	UpdatedAt     time.Time       `json:"-" db:"updated_at"`
}

// NewBook cria uma nova instância de Book
func NewBook(title, author string, price decimal.Decimal, stockQuantity int) *Book {
	return &Book{
		Title:         title,
		Author:        author,
		Price:         price,
		StockQuantity: stockQuantity,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

// Validate verifica as regras do catálogo antes de gravar o livro
func (b *Book) Validate() error {
	if b.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidBook)
	}
	if !b.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidBook)
	}
	if b.StockQuantity < 0 {
		return fmt.Errorf("%w: stock quantity cannot be negative", ErrInvalidBook)
	}
	return nil
}

// StockMovement representa uma movimentação de estoque feita por uma reserva
type StockMovement struct {
	ID            string          `json:"id" db:"id"`
	BookID        int64           `json:"book_id" db:"book_id"`
	ReservationID string          `json:"reservation_id" db:"reservation_id"`
	Quantity      int             `json:"quantity" db:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price" db:"unit_price"`
	MovementType  string          `json:"movement_type" db:"movement_type"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// MovementType representa os tipos de movimentação de estoque
const (
	MovementTypeReserved = "reserved"
	MovementTypeReleased = "released"
)

// Reservation é o que o ledger devolve numa reserva bem-sucedida:
// a quantidade retirada e o preço do livro naquele momento.
type Reservation struct {
	ReservationID string          `json:"reservation_id"`
	BookID        int64           `json:"book_id"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

// CreateBookRequest representa a requisição para cadastrar um livro
type CreateBookRequest struct {
	Title         string          `json:"title" binding:"required"`
	Author        string          `json:"author"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stockQuantity"`
}

// StockActionRequest representa a requisição para reservar ou liberar estoque
type StockActionRequest struct {
	ReservationID string `json:"reservation_id" binding:"required"`
	BookID        int64  `json:"-"`
	Quantity      int    `json:"quantity"`
}
