package inventory

import "time"

type holdExpiredPayload struct {
	HoldID    string    `json:"hold_id"`
	ProductID string    `json:"product_id"`
	Quantity  int64     `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at"`
}

type orderEventPayload struct {
	OrderID    string `json:"order_id"`
	ProductID  string `json:"product_id"`
	HoldID     string `json:"hold_id,omitempty"`
	Quantity   int64  `json:"quantity"`
	TotalPrice string `json:"total_price"`
	Status     string `json:"status"`
}

func newOrderEventPayload(order Order) orderEventPayload {
	return orderEventPayload{
		OrderID:    order.ID.String(),
		ProductID:  order.ProductID.String(),
		HoldID:     order.HoldID.String(),
		Quantity:   order.Quantity.Int64(),
		TotalPrice: order.TotalPrice.StringFixed(2),
		Status:     order.Status.String(),
	}
}
