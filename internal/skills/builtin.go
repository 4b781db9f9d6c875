package skills

import (
	"context"
	"fmt"
)

// ShipProduct is the built-in product fulfillment skill. It expects the
// reservation to already be held and emits a shipment reference.
type ShipProduct struct {
	Carrier string
}

func (s ShipProduct) Accepts(payload map[string]any) bool {
	return hasString(payload, "transaction_id") && hasString(payload, "item_code") && hasString(payload, "quantity")
}

func (s ShipProduct) Invoke(ctx context.Context, payload map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	carrier := s.Carrier
	if carrier == "" {
		carrier = "default"
	}
	ref := fmt.Sprintf("SHIP-%s-%v", carrier, payload["transaction_id"])
	return Result{Output: map[string]any{"shipment_ref": ref}}, nil
}

// DeliverService is the built-in service fulfillment skill.
type DeliverService struct{}

func (s DeliverService) Accepts(payload map[string]any) bool {
	return hasString(payload, "transaction_id") && hasString(payload, "item_code")
}

func (s DeliverService) Invoke(ctx context.Context, payload map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ref := fmt.Sprintf("DLV-%v", payload["transaction_id"])
	return Result{Output: map[string]any{"delivery_ref": ref}}, nil
}

func hasString(payload map[string]any, key string) bool {
	v, ok := payload[key]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s != ""
}
