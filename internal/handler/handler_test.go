package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/cart"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/domain/stock"
	"github.com/xenking/kart-fulfillment/internal/memory"
)

const testOpsKey = "ops-key"

var (
	testKeySecret     = []byte("key-secret")
	testWebhookSecret = []byte("webhook-secret")
)

type stubProvider struct {
	err error
}

func (p *stubProvider) CreateOrder(_ context.Context, req payment.CreateOrderRequest) (*payment.ProviderOrder, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &payment.ProviderOrder{ID: "order_" + req.Receipt, Amount: req.Amount, Currency: req.Currency}, nil
}

type testServer struct {
	mux      *http.ServeMux
	catalog  *memory.Catalog
	provider *stubProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	catalog := memory.NewCatalog(
		product.Product{ID: "P1", Name: "Widget", Price: decimal.NewFromInt(10), AvailableQuantity: 5},
		product.Product{ID: "P2", Name: "Gadget", Price: decimal.RequireFromString("2.5"), AvailableQuantity: 4},
	)
	carts := memory.NewCarts()
	orders := memory.NewOrders(catalog)
	orderSvc := order.NewService(catalog, catalog, carts, orders, nil)
	provider := &stubProvider{}

	coord, err := payment.NewCoordinator(payment.Config{
		KeySecret:     testKeySecret,
		WebhookSecret: testWebhookSecret,
	}, orders, orderSvc, provider, memory.NewLocker(), memory.NewDeduper(time.Hour),
		tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)

	keys := auth.NewAuthenticator(memory.NewAPIKeys(
		auth.APIKeyInfo{ID: "k1", KeyHash: auth.HashKey(testOpsKey), Name: "warehouse", Scopes: []string{auth.ScopeDelivery}},
		auth.APIKeyInfo{ID: "k2", KeyHash: auth.HashKey("read-only"), Name: "reports"},
	))

	mux := http.NewServeMux()
	NewHandler(Config{KeyID: "rzp_test"}, cart.NewService(catalog, carts), orderSvc, coord, keys).Register(mux)
	return &testServer{mux: mux, catalog: catalog, provider: provider}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (s *testServer) do(t *testing.T, method, path, userID, body string, headers ...string) response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return response{status: rec.Code, header: rec.Header(), body: rec.Body.Bytes()}
}

// fields returns the top-level scalar fields of a JSON object as raw text.
func fields(t *testing.T, data []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if d.Next() == jx.String {
			v, err := d.Str()
			out[key] = v
			return err
		}
		raw, err := d.Raw()
		out[key] = raw.String()
		return err
	}), string(data))
	return out
}

func (s *testServer) placeOrder(t *testing.T) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/cart/items", "u1", `{"product_id":"P1","quantity":2}`)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	resp = s.do(t, http.MethodPost, "/api/orders", "u1", "")
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	return fields(t, resp.body)["id"]
}

func TestCartEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/cart", "u1", "")
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = s.do(t, http.MethodPost, "/api/cart/items", "u1", `{"product_id":"P1","quantity":2}`)
	require.Equal(t, http.StatusOK, resp.status)
	resp = s.do(t, http.MethodPost, "/api/cart/items", "u1", `{"product_id":"P2","quantity":2,"note":"x"}`)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "application/json", resp.header.Get("Content-Type"))
	assert.Equal(t, "25.00", fields(t, resp.body)["total"])

	resp = s.do(t, http.MethodPost, "/api/cart/items/P2/reduce", "u1", `{"quantity":1}`)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "22.50", fields(t, resp.body)["total"])

	resp = s.do(t, http.MethodPost, "/api/cart/items/P9/reduce", "u1", `{"quantity":1}`)
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = s.do(t, http.MethodGet, "/api/cart", "u1", "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "22.50", fields(t, resp.body)["total"])

	resp = s.do(t, http.MethodDelete, "/api/cart", "u1", "")
	assert.Equal(t, http.StatusNoContent, resp.status)
	resp = s.do(t, http.MethodGet, "/api/cart", "u1", "")
	assert.Equal(t, "0.00", fields(t, resp.body)["total"])
}

func TestCartEndpoints_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"insufficient stock", `{"product_id":"P1","quantity":6}`, http.StatusConflict, "409"},
		{"unknown product", `{"product_id":"P9","quantity":1}`, http.StatusNotFound, "404"},
		{"zero quantity", `{"product_id":"P1","quantity":0}`, http.StatusBadRequest, "400"},
		{"missing product", `{"quantity":1}`, http.StatusBadRequest, "400"},
		{"invalid json", `{"product_id":`, http.StatusBadRequest, "400"},
		{"wrong type", `{"product_id":"P1","quantity":"two"}`, http.StatusBadRequest, "400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/cart/items", "u1", tt.body)
			assert.Equal(t, tt.status, resp.status)
			f := fields(t, resp.body)
			assert.Equal(t, tt.code, f["code"])
			assert.NotEmpty(t, f["message"])
		})
	}

	resp := s.do(t, http.MethodGet, "/api/cart", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestOrderEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/orders", "u1", "")
	assert.Equal(t, http.StatusBadRequest, resp.status, "empty cart")

	id := s.placeOrder(t)

	resp = s.do(t, http.MethodGet, "/api/orders/"+id, "u1", "")
	require.Equal(t, http.StatusOK, resp.status)
	f := fields(t, resp.body)
	assert.Equal(t, "20.00", f["total"])
	assert.Equal(t, "Pending", f["payment_status"])
	assert.Equal(t, "Processing", f["delivery_status"])

	resp = s.do(t, http.MethodGet, "/api/orders/"+id, "u2", "")
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = s.do(t, http.MethodGet, "/api/orders", "u1", "")
	require.Equal(t, http.StatusOK, resp.status)
	var count int
	require.NoError(t, jx.DecodeBytes(resp.body).Arr(func(d *jx.Decoder) error {
		count++
		return d.Skip()
	}))
	assert.Equal(t, 1, count)

	resp = s.do(t, http.MethodPost, "/api/orders/"+id+"/delivery", "", `{"status":"Shipped"}`, HeaderAPIKey, testOpsKey)
	assert.Equal(t, http.StatusPaymentRequired, resp.status)

	resp = s.do(t, http.MethodPost, "/api/orders/"+id+"/cancel", "u1", "")
	require.Equal(t, http.StatusOK, resp.status)
	f = fields(t, resp.body)
	assert.Equal(t, "Failed", f["payment_status"])
	assert.Equal(t, "Cancelled", f["delivery_status"])

	p, err := s.catalog.GetByID(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.AvailableQuantity)
}

func TestPaymentEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := s.placeOrder(t)

	resp := s.do(t, http.MethodPost, "/api/orders/"+id+"/payment", "u1", "")
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	checkout := fields(t, resp.body)
	ref := checkout["provider_order_id"]
	assert.Equal(t, "order_"+id, ref)
	assert.Equal(t, "2000", checkout["amount"])
	assert.Equal(t, "INR", checkout["currency"])
	assert.Equal(t, "rzp_test", checkout["key_id"])

	resp = s.do(t, http.MethodPost, "/api/payments/confirm", "",
		`{"provider_order_id":"`+ref+`","payment_id":"pay_1","signature":"00"}`)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = s.do(t, http.MethodPost, "/api/payments/confirm", "", `{"provider_order_id":"`+ref+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	sig := payment.Sign(testKeySecret, payment.ClientPayload(ref, "pay_1"))
	body := `{"provider_order_id":"` + ref + `","payment_id":"pay_1","signature":"` + sig + `"}`
	for range 2 {
		resp = s.do(t, http.MethodPost, "/api/payments/confirm", "", body)
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		assert.Equal(t, "Paid", fields(t, resp.body)["payment_status"])
	}

	resp = s.do(t, http.MethodPost, "/api/payments/confirm", "",
		`{"provider_order_id":"`+ref+`","payment_id":"forged","signature":"00"}`)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.NotContains(t, string(resp.body), "u1")

	resp = s.do(t, http.MethodPost, "/api/orders/"+id+"/delivery", "", `{"status":"Shipped"}`, HeaderAPIKey, testOpsKey)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "Shipped", fields(t, resp.body)["delivery_status"])

	resp = s.do(t, http.MethodPost, "/api/orders/"+id+"/cancel", "u1", "")
	assert.Equal(t, http.StatusConflict, resp.status)
}

func TestPaymentEndpoints_ProviderUnavailable(t *testing.T) {
	s := newTestServer(t)
	id := s.placeOrder(t)
	s.provider.err = errors.Wrap(payment.ErrProviderUnavailable, "status 502")

	resp := s.do(t, http.MethodPost, "/api/orders/"+id+"/payment", "u1", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Equal(t, "1", resp.header.Get("Retry-After"))
}

func TestWebhookEndpoint(t *testing.T) {
	s := newTestServer(t)
	id := s.placeOrder(t)
	resp := s.do(t, http.MethodPost, "/api/orders/"+id+"/payment", "u1", "")
	require.Equal(t, http.StatusOK, resp.status)
	ref := fields(t, resp.body)["provider_order_id"]

	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"` + ref + `"}}}}`
	sig := payment.Sign(testWebhookSecret, []byte(body))

	resp = s.do(t, http.MethodPost, "/api/payments/webhook", "", body, HeaderSignature, "bad", HeaderEventID, "evt_1")
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = s.do(t, http.MethodPost, "/api/payments/webhook", "", body, HeaderSignature, sig, HeaderEventID, "evt_1")
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.Equal(t, map[string]string{
		"status":       "processed",
		"order_id":     id,
		"transitioned": "true",
	}, fields(t, resp.body))

	resp = s.do(t, http.MethodPost, "/api/payments/webhook", "", body, HeaderSignature, sig, HeaderEventID, "evt_1")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "duplicate", fields(t, resp.body)["status"])

	// Re-serialized bodies do not verify.
	reformatted := strings.Replace(body, `":"`, `": "`, 1)
	resp = s.do(t, http.MethodPost, "/api/payments/webhook", "", reformatted, HeaderSignature, sig)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestDeliveryEndpoint_RequiresAPIKey(t *testing.T) {
	s := newTestServer(t)
	id := s.placeOrder(t)
	path := "/api/orders/" + id + "/delivery"

	resp := s.do(t, http.MethodPost, path, "u1", `{"status":"Shipped"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.status, "user identity is not enough")

	resp = s.do(t, http.MethodPost, path, "", `{"status":"Shipped"}`, HeaderAPIKey, "nope")
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = s.do(t, http.MethodPost, path, "", `{"status":"Shipped"}`, HeaderAPIKey, "read-only")
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = s.do(t, http.MethodPost, path, "", `{"status":"Returned"}`, HeaderAPIKey, testOpsKey)
	assert.Equal(t, http.StatusConflict, resp.status)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&stock.InsufficientStockError{ProductID: "P1"}, http.StatusConflict},
		{errors.Wrap(order.ErrNotFound, "get"), http.StatusNotFound},
		{cart.ErrItemNotFound, http.StatusNotFound},
		{order.ErrEmptyCart, http.StatusBadRequest},
		{payment.ErrInvalidSignature, http.StatusBadRequest},
		{order.ErrInvalidTransition, http.StatusConflict},
		{payment.ErrInProgress, http.StatusConflict},
		{order.ErrCartChanged, http.StatusConflict},
		{order.ErrPaymentRequired, http.StatusPaymentRequired},
		{auth.ErrUnauthorized, http.StatusUnauthorized},
		{auth.ErrForbidden, http.StatusForbidden},
		{payment.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}
