// Package handler exposes the fulfillment core over HTTP.
package handler

import (
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/cart"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

// Request headers read by the handlers.
const (
	// HeaderUserID carries the caller identity set by the upstream gateway.
	HeaderUserID = "X-User-ID"
	// HeaderSignature carries the webhook body signature.
	HeaderSignature = "X-Razorpay-Signature"
	// HeaderEventID carries the provider's webhook event id.
	HeaderEventID = "X-Razorpay-Event-Id"
	// HeaderAPIKey carries a back-office API key.
	HeaderAPIKey = "X-API-Key"
)

const maxBodyBytes = 1 << 20

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// KeyID is the public provider key returned with checkouts so the client
	// can open the payment form.
	KeyID string
}

// Handler serves the cart, order and payment endpoints.
type Handler struct {
	carts    *cart.Service
	orders   *order.Service
	payments *payment.Coordinator
	keys     *auth.Authenticator
	keyID    string
}

// NewHandler constructs a Handler with the required domain services.
func NewHandler(
	cfg Config,
	carts *cart.Service,
	orders *order.Service,
	payments *payment.Coordinator,
	keys *auth.Authenticator,
) *Handler {
	return &Handler{
		carts:    carts,
		orders:   orders,
		payments: payments,
		keys:     keys,
		keyID:    cfg.KeyID,
	}
}

// Register adds the API routes to mux under /api.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cart", h.authed(h.viewCart))
	mux.HandleFunc("DELETE /api/cart", h.authed(h.clearCart))
	mux.HandleFunc("POST /api/cart/items", h.authed(h.addCartItem))
	mux.HandleFunc("POST /api/cart/items/{productID}/reduce", h.authed(h.reduceCartItem))

	mux.HandleFunc("POST /api/orders", h.authed(h.placeOrder))
	mux.HandleFunc("GET /api/orders", h.authed(h.orderHistory))
	mux.HandleFunc("GET /api/orders/{orderID}", h.authed(h.getOrder))
	mux.HandleFunc("POST /api/orders/{orderID}/cancel", h.authed(h.cancelOrder))
	mux.HandleFunc("POST /api/orders/{orderID}/payment", h.authed(h.createPaymentOrder))
	mux.HandleFunc("POST /api/orders/{orderID}/delivery", h.backOffice(auth.ScopeDelivery, h.advanceDelivery))

	mux.HandleFunc("POST /api/payments/confirm", h.confirmPayment)
	mux.HandleFunc("POST /api/payments/webhook", h.receiveWebhook)
}

type authedFunc func(w http.ResponseWriter, r *http.Request, userID string)

// authed rejects requests without a caller identity.
func (h *Handler) authed(next authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		if userID == "" {
			writeError(w, r, errUnauthenticated)
			return
		}
		next(w, r, userID)
	}
}

// backOffice requires an API key granting scope.
func (h *Handler) backOffice(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := h.keys.Authenticate(r.Context(), r.Header.Get(HeaderAPIKey), scope)
		if err != nil {
			writeError(w, r, err)
			return
		}
		zctx.From(r.Context()).Debug("Back-office call", zap.String("api_key", key.Name))
		next(w, r)
	}
}
