package payment

import (
	"fmt"

	"github.com/go-faster/jx"
)

// Webhook event names handled by the coordinator.
const (
	EventPaymentCaptured = "payment.captured"
	EventOrderPaid       = "order.paid"
	EventPaymentFailed   = "payment.failed"
)

// WebhookEvent is the subset of a provider webhook the coordinator acts on.
type WebhookEvent struct {
	Event           string
	ProviderOrderID string
	PaymentID       string
}

// ParseWebhook decodes a verified webhook body of the form
//
//	{"event": "...", "payload": {"payment": {"entity": {...}}, "order": {"entity": {...}}}}
//
// Unknown fields are skipped.
func ParseWebhook(data []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "event":
			v, err := d.Str()
			ev.Event = v
			return err
		case "payload":
			return d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "payment":
					return decodeEntity(d, func(d *jx.Decoder, key string) error {
						switch key {
						case "id":
							return decodeOptStr(d, &ev.PaymentID)
						case "order_id":
							var id string
							if err := decodeOptStr(d, &id); err != nil {
								return err
							}
							if id != "" {
								ev.ProviderOrderID = id
							}
							return nil
						default:
							return d.Skip()
						}
					})
				case "order":
					return decodeEntity(d, func(d *jx.Decoder, key string) error {
						if key != "id" {
							return d.Skip()
						}
						var id string
						if err := decodeOptStr(d, &id); err != nil {
							return err
						}
						if ev.ProviderOrderID == "" {
							ev.ProviderOrderID = id
						}
						return nil
					})
				default:
					return d.Skip()
				}
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedWebhook, err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedWebhook)
	}
	return &ev, nil
}

func decodeEntity(d *jx.Decoder, f func(d *jx.Decoder, key string) error) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		if key != "entity" {
			return d.Skip()
		}
		return d.Obj(f)
	})
}

func decodeOptStr(d *jx.Decoder, dst *string) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	v, err := d.Str()
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
