package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/cart"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/domain/stock"
	"github.com/xenking/kart-fulfillment/pkg/httpmiddleware"
)

var (
	errUnauthenticated = errors.New("missing caller identity")
	errBadRequest      = errors.New("bad request")
)

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var insufficient *stock.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusConflict
	case errors.Is(err, errUnauthenticated),
		errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, product.ErrNotFound),
		errors.Is(err, cart.ErrNotFound),
		errors.Is(err, cart.ErrItemNotFound),
		errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, stock.ErrInvalidQuantity),
		errors.Is(err, order.ErrEmptyCart),
		errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, payment.ErrMalformedWebhook):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrCartChanged),
		errors.Is(err, payment.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, order.ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, payment.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		msg = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	httpmiddleware.WriteError(w, status, msg)
}

func badRequest(format string, args ...any) error {
	return errors.Wrapf(errBadRequest, format, args...)
}
