// Package token encodes and decodes the QR payload that links a physical
// hand-off to an order. The codec checks shape only; freshness and
// authorization belong to the caller.
package token

import (
	"encoding/json"
	"fmt"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/models"

	"github.com/go-playground/validator/v10"
)

// TimestampLayout is the wire format of the issuance time: RFC 3339, UTC,
// millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var validate = validator.New()

// Payload is the decoded content of a delivery token.
type Payload struct {
	OrderID      string
	OrderNumber  string
	CustomerName string
	Items        []models.OrderItem
	Timestamp    time.Time
	AgentID      string
}

type wirePayload struct {
	OrderID      string             `json:"orderId" validate:"required"`
	OrderNumber  string             `json:"orderNumber" validate:"required"`
	CustomerName string             `json:"customerName" validate:"required"`
	Items        []models.OrderItem `json:"items" validate:"required,dive"`
	Timestamp    string             `json:"timestamp" validate:"required"`
	AgentID      string             `json:"agentId" validate:"required"`
}

// NewPayload snapshots order for a token issued by agentID at issuedAt.
// The timestamp is normalised to the wire precision so that the payload
// survives an encode/decode round trip unchanged.
func NewPayload(order *models.Order, agentID string, issuedAt time.Time) Payload {
	items := make([]models.OrderItem, len(order.Items))
	copy(items, order.Items)
	return Payload{
		OrderID:      order.ID,
		OrderNumber:  order.OrderNumber,
		CustomerName: order.CustomerName,
		Items:        items,
		Timestamp:    Normalize(issuedAt),
		AgentID:      agentID,
	}
}

// Normalize truncates t to the precision carried on the wire.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Encode serializes p. Output is deterministic for a given payload.
func Encode(p Payload) (string, error) {
	items := p.Items
	if items == nil {
		items = []models.OrderItem{}
	}
	wire := wirePayload{
		OrderID:      p.OrderID,
		OrderNumber:  p.OrderNumber,
		CustomerName: p.CustomerName,
		Items:        items,
		Timestamp:    p.Timestamp.UTC().Format(TimestampLayout),
		AgentID:      p.AgentID,
	}
	if err := validate.Struct(wire); err != nil {
		return "", fmt.Errorf("refusing to encode incomplete payload: %w", err)
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token payload: %w", err)
	}
	return string(b), nil
}

// Decode parses a scanned token. Unknown keys are ignored; any missing
// required key fails with apperrors.ErrMalformedToken.
func Decode(raw string) (Payload, error) {
	var wire wirePayload
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Payload{}, fmt.Errorf("%w: invalid QR code format", apperrors.ErrMalformedToken)
	}
	if err := validate.Struct(wire); err != nil {
		return Payload{}, fmt.Errorf("%w: %s", apperrors.ErrMalformedToken, describe(err))
	}
	ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: invalid timestamp", apperrors.ErrMalformedToken)
	}
	return Payload{
		OrderID:      wire.OrderID,
		OrderNumber:  wire.OrderNumber,
		CustomerName: wire.CustomerName,
		Items:        wire.Items,
		Timestamp:    ts.UTC(),
		AgentID:      wire.AgentID,
	}, nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "missing required order information"
	}
	return fmt.Sprintf("field %s failed on the '%s' rule", verrs[0].Namespace(), verrs[0].Tag())
}
