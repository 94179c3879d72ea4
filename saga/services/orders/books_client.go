package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	// ErrLedgerUnavailable indica resultado desconhecido: o serviço de
	// livros pode ou não ter aplicado a operação.
	ErrLedgerUnavailable = errors.New("books ledger unavailable")
)

// BookLedger abstrai as operações de estoque expostas pelo serviço de livros
type BookLedger interface {
	Reserve(ctx context.Context, reservationID string, bookID int64, quantity int) (*ReservedItem, error)
	Release(ctx context.Context, reservationID string, bookID int64) error
}

// ReservedItem é uma reserva confirmada pelo ledger, com o preço do momento
type ReservedItem struct {
	ReservationID string          `json:"reservation_id"`
	BookID        int64           `json:"book_id"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

type stockActionPayload struct {
	ReservationID string `json:"reservation_id"`
	Quantity      int    `json:"quantity,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RestyBookLedger implementa BookLedger chamando o serviço de livros via HTTP
type RestyBookLedger struct {
	client *resty.Client
}

// NewRestyBookLedger cria o cliente HTTP do ledger.
// Reserve e Release são idempotentes por reservation_id, então ambos podem ser repetidos.
func NewRestyBookLedger(baseURL string, timeout time.Duration, retryCount int) *RestyBookLedger {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(retryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return r.StatusCode() >= http.StatusInternalServerError
		})

	return &RestyBookLedger{client: client}
}

// Reserve reserva quantity unidades do livro em nome de reservationID
func (l *RestyBookLedger) Reserve(ctx context.Context, reservationID string, bookID int64, quantity int) (*ReservedItem, error) {
	var result ReservedItem
	var errResp errorResponse

	resp, err := l.request(ctx).
		SetBody(stockActionPayload{ReservationID: reservationID, Quantity: quantity}).
		SetResult(&result).
		SetError(&errResp).
		Post(fmt.Sprintf("/api/books/%d/reserve", bookID))
	if err != nil {
		return nil, fmt.Errorf("%w: reserve book %d: %v", ErrLedgerUnavailable, bookID, err)
	}
	if resp.IsError() {
		return nil, mapLedgerError(resp.StatusCode(), bookID, errResp.Error)
	}

	result.ReservationID = reservationID
	return &result, nil
}

// Release desfaz a reserva feita com reservationID
func (l *RestyBookLedger) Release(ctx context.Context, reservationID string, bookID int64) error {
	var errResp errorResponse

	resp, err := l.request(ctx).
		SetBody(stockActionPayload{ReservationID: reservationID}).
		SetError(&errResp).
		Post(fmt.Sprintf("/api/books/%d/release", bookID))
	if err != nil {
		return fmt.Errorf("%w: release book %d: %v", ErrLedgerUnavailable, bookID, err)
	}
	if resp.IsError() {
		return mapLedgerError(resp.StatusCode(), bookID, errResp.Error)
	}
	return nil
}

// request monta a requisição propagando o trace context (W3C) para o serviço de livros
func (l *RestyBookLedger) request(ctx context.Context) *resty.Request {
	req := l.client.R().SetContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req
}

func mapLedgerError(status int, bookID int64, message string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: book %d", ErrBookNotFound, bookID)
	case http.StatusConflict:
		return fmt.Errorf("%w: book %d", ErrInsufficientStock, bookID)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: book %d: %s", ErrInvalidQuantity, bookID, message)
	default:
		return fmt.Errorf("%w: book %d answered %d: %s", ErrLedgerUnavailable, bookID, status, message)
	}
}
