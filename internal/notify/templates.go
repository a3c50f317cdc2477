package notify

import (
	"fmt"
	"strings"
	"text/template"
)

const TemplateOrderStatus = "order_status"

// StatusData is the input of the order status template.
type StatusData struct {
	OrderID string
	Status  string
	Message string
}

var templates = template.Must(template.New(TemplateOrderStatus).Parse(`Hello,

{{.Message}}

Order ID: {{.OrderID}}
Status: {{.Status}}

Thank you for your business!`))

var statusMessages = map[string]string{
	"created":    "Your order has been received and is pending.",
	"processing": "Your order is now being processed.",
	"confirmed":  "Your order has been confirmed!",
	"failed":     "Your order could not be completed.",
}

// StatusMessage returns the customer-facing sentence for an order status.
func StatusMessage(status string) string {
	if m, ok := statusMessages[status]; ok {
		return m
	}
	return "Your order status has been updated to: " + status
}

// StatusSubject returns the subject line, which carries a short order id.
func StatusSubject(orderID string) string {
	short := orderID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Order %s Status Update", short)
}

// NewStatusMessage builds the email for an order reaching status.
func NewStatusMessage(to, orderID, status string) Message {
	return Message{
		To:       to,
		Subject:  StatusSubject(orderID),
		Template: TemplateOrderStatus,
		Data: StatusData{
			OrderID: orderID,
			Status:  status,
			Message: StatusMessage(status),
		},
	}
}

func Render(msg Message) (string, error) {
	t := templates.Lookup(msg.Template)
	if t == nil {
		return "", fmt.Errorf("unknown template %q", msg.Template)
	}
	var b strings.Builder
	if err := t.Execute(&b, msg.Data); err != nil {
		return "", fmt.Errorf("render %s: %w", msg.Template, err)
	}
	return b.String(), nil
}
