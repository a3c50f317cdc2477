package events

import (
	"encoding/json"
	"time"
)

const (
	TypeOrderCreated       = "OrderCreated"
	TypeOrderStatusUpdated = "OrderStatusUpdated"
	TypeProcessingFailed   = "ProcessingFailed"
)

const AggregateOrder = "order"

type OrderItem struct {
	ProductID string  `json:"product_id" validate:"required"`
	Quantity  int     `json:"quantity" validate:"gt=0"`
	Price     float64 `json:"price" validate:"gte=0"`
	Name      string  `json:"name,omitempty"`
}

type OrderCreated struct {
	OrderID         string      `json:"order_id" validate:"required"`
	UserID          string      `json:"user_id" validate:"required"`
	Items           []OrderItem `json:"items" validate:"required,min=1,dive"`
	TotalAmount     float64     `json:"total_amount,omitempty" validate:"gte=0"`
	ShippingAddress string      `json:"shipping_address"`
	UserEmail       string      `json:"user_email" validate:"required,email"`
}

// Total returns TotalAmount, or the sum of the items when the producer left it unset.
func (p OrderCreated) Total() float64 {
	if p.TotalAmount > 0 {
		return p.TotalAmount
	}
	var sum float64
	for _, it := range p.Items {
		sum += it.Price * float64(it.Quantity)
	}
	return sum
}

type OrderStatusUpdated struct {
	OrderID        string    `json:"order_id" validate:"required"`
	Status         string    `json:"status" validate:"required"`
	PreviousStatus string    `json:"previous_status"`
	UpdatedAt      time.Time `json:"updated_at"`
	UserEmail      string    `json:"user_email,omitempty" validate:"omitempty,email"`
}

// ProcessingFailed is the dead-letter record for an entry whose handling was abandoned.
type ProcessingFailed struct {
	OriginalEventID   string          `json:"original_event_id"`
	OriginalEventType string          `json:"original_event_type"`
	OriginalPayload   json.RawMessage `json:"original_payload"`
	OriginalPosition  string          `json:"original_position"`
	OriginalEnvelope  json.RawMessage `json:"original_envelope,omitempty"`
	FailureReason     string          `json:"failure_reason"`
	AttemptCount      int             `json:"attempt_count"`
	Stream            string          `json:"stream"`
	Group             string          `json:"group"`
	Consumer          string          `json:"consumer"`
	FailedAt          time.Time       `json:"failed_at"`
}
