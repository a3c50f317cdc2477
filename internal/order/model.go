package order

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusCreated:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusConfirmed, StatusFailed},
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusProcessing, StatusConfirmed, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown order status %q", s)
	}
}

// CanTransition reports whether an order in status from may move to to.
// Staying in the same status is not a transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Item struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Name      string  `json:"name,omitempty"`
}

type Order struct {
	ID              string    `json:"order_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Items           []Item    `json:"items"`
	TotalAmount     float64   `json:"total_amount"`
	ShippingAddress string    `json:"shipping_address,omitempty"`
	UserEmail       string    `json:"user_email"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
