package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.orders.Place(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusCreated, o)
}

func (h *Handler) orderHistory(w http.ResponseWriter, r *http.Request, userID string) {
	orders, err := h.orders.History(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ArrStart()
	for i := range orders {
		encodeOrder(&e, &orders[i])
	}
	e.ArrEnd()
	writeJSON(w, http.StatusOK, &e)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.orders.Get(r.Context(), userID, r.PathValue("orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.orders.Cancel(r.Context(), userID, r.PathValue("orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

// advanceDelivery takes {"status": "Shipped" | "Delivered"} from back-office
// callers.
func (h *Handler) advanceDelivery(w http.ResponseWriter, r *http.Request) {
	var status string
	err := readObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		v, err := d.Str()
		status = v
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.AdvanceDelivery(r.Context(), r.PathValue("orderID"), order.DeliveryStatus(status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	var e jx.Encoder
	encodeOrder(&e, o)
	writeJSON(w, status, &e)
}
