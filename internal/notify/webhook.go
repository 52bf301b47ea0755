// Package notify delivers outbound webhooks for order lifecycle events.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pharmaflow/pharmaflow/internal/procurement"
)

// Client posts order events to a configured webhook endpoint. Delivery is
// best effort; callers decide whether a failure matters.
type Client struct {
	http *resty.Client
	url  string
}

// NewClient constructs the webhook client. An empty URL disables delivery.
func NewClient(url string, timeout time.Duration) *Client {
	http := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Client{http: http, url: url}
}

// Enabled reports whether a webhook endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

type orderedLine struct {
	ProductID  int64 `json:"productId"`
	OrderedQty int64 `json:"orderedQty"`
}

type orderedPayload struct {
	Event      string        `json:"event"`
	POID       int64         `json:"poId"`
	Number     string        `json:"number"`
	SupplierID int64         `json:"supplierId"`
	OrderedAt  time.Time     `json:"orderedAt"`
	Lines      []orderedLine `json:"lines"`
}

// SendPOOrdered delivers the order-placed notification.
func (c *Client) SendPOOrdered(ctx context.Context, evt procurement.POOrderedEvent) error {
	if !c.Enabled() {
		return nil
	}
	payload := orderedPayload{
		Event:      "purchase_order.ordered",
		POID:       evt.POID,
		Number:     evt.Number,
		SupplierID: evt.SupplierID,
		OrderedAt:  evt.OrderedAt,
	}
	for _, line := range evt.Lines {
		payload.Lines = append(payload.Lines, orderedLine{ProductID: line.ProductID, OrderedQty: line.OrderedQty})
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("notify: deliver po ordered: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: webhook returned %s", resp.Status())
	}
	return nil
}
