package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/jx"
)

func (h *Handler) createPaymentOrder(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := h.payments.CreateProviderOrder(r.Context(), userID, r.PathValue("orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeCheckout(&e, c, h.keyID)
	writeJSON(w, http.StatusOK, &e)
}

// confirmPayment takes the client-side confirmation
// {"provider_order_id", "payment_id", "signature"}.
func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var providerOrderID, paymentID, signature string
	err := readObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "provider_order_id":
			providerOrderID, err = d.Str()
		case "payment_id":
			paymentID, err = d.Str()
		case "signature":
			signature, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if providerOrderID == "" || paymentID == "" || signature == "" {
		writeError(w, r, badRequest("provider_order_id, payment_id and signature are required"))
		return
	}

	o, err := h.payments.ConfirmPayment(r.Context(), providerOrderID, paymentID, signature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

// receiveWebhook passes the body through untouched: the signature covers the
// exact received bytes.
func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, badRequest("read body: %v", err))
		return
	}

	res, err := h.payments.ReceiveWebhook(r.Context(), raw, r.Header.Get(HeaderSignature), r.Header.Get(HeaderEventID))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	switch {
	case res.Duplicate:
		e.Str("duplicate")
	case res.Ignored:
		e.Str("ignored")
	default:
		e.Str("processed")
	}
	if res.OrderID != "" {
		e.FieldStart("order_id")
		e.Str(res.OrderID)
	}
	e.FieldStart("transitioned")
	e.Bool(res.Transitioned)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}
