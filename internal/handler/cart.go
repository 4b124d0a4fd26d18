package handler

import (
	"net/http"

	"github.com/go-faster/jx"
)

func (h *Handler) viewCart(w http.ResponseWriter, r *http.Request, userID string) {
	v, err := h.carts.View(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeCart(&e, v)
	writeJSON(w, http.StatusOK, &e)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.carts.Clear(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request, userID string) {
	var (
		productID string
		quantity  int
	)
	err := readObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			productID, err = d.Str()
		case "quantity":
			quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if productID == "" {
		writeError(w, r, badRequest("product_id is required"))
		return
	}

	v, err := h.carts.AddItem(r.Context(), userID, productID, quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeCart(&e, v)
	writeJSON(w, http.StatusOK, &e)
}

func (h *Handler) reduceCartItem(w http.ResponseWriter, r *http.Request, userID string) {
	quantity, err := readQuantity(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	v, err := h.carts.ReduceItem(r.Context(), userID, r.PathValue("productID"), quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeCart(&e, v)
	writeJSON(w, http.StatusOK, &e)
}

func readQuantity(w http.ResponseWriter, r *http.Request) (int, error) {
	var quantity int
	err := readObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		v, err := d.Int()
		quantity = v
		return err
	})
	return quantity, err
}
