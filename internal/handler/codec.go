package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/cart"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

// readObject decodes a JSON object body field by field. Unknown fields must
// be skipped by f.
func readObject(w http.ResponseWriter, r *http.Request, f func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return badRequest("read body: %v", err)
	}
	if err := jx.DecodeBytes(data).Obj(f); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func encodeMoney(e *jx.Encoder, v decimal.Decimal) {
	e.Raw([]byte(v.StringFixed(2)))
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeCart(e *jx.Encoder, v *cart.View) {
	e.ObjStart()
	e.FieldStart("user_id")
	e.Str(v.UserID)
	e.FieldStart("items")
	e.ArrStart()
	for _, l := range v.Lines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unit_price")
		encodeMoney(e, l.UnitPrice)
		e.FieldStart("line_total")
		encodeMoney(e, l.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("total")
	encodeMoney(e, v.Total)
	if !v.UpdatedAt.IsZero() {
		e.FieldStart("updated_at")
		encodeTime(e, v.UpdatedAt)
	}
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("user_id")
	e.Str(o.UserID)
	e.FieldStart("items")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unit_price")
		encodeMoney(e, l.UnitPrice)
		e.FieldStart("line_total")
		encodeMoney(e, l.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("total")
	encodeMoney(e, o.Total)
	e.FieldStart("payment_status")
	e.Str(string(o.PaymentStatus))
	e.FieldStart("delivery_status")
	e.Str(string(o.DeliveryStatus))
	if o.ProviderRef != "" {
		e.FieldStart("provider_order_id")
		e.Str(o.ProviderRef)
	}
	e.FieldStart("created_at")
	encodeTime(e, o.CreatedAt)
	e.ObjEnd()
}

func encodeCheckout(e *jx.Encoder, c *payment.Checkout, keyID string) {
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(c.OrderID)
	e.FieldStart("provider_order_id")
	e.Str(c.ProviderRef)
	e.FieldStart("amount")
	e.Int64(c.Amount)
	e.FieldStart("currency")
	e.Str(c.Currency)
	if keyID != "" {
		e.FieldStart("key_id")
		e.Str(keyID)
	}
	e.ObjEnd()
}
