// Package razorpay is a minimal client for the Razorpay Orders API.
package razorpay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.razorpay.com"

var _ payment.Provider = (*Client)(nil)

// Client creates provider orders.
type Client struct {
	http    *http.Client
	baseURL string
	keyID   string
	secret  string
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	KeyID          string
	KeySecret      string
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// New returns a Client. Request deadlines come from the caller's context.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	var otelOpts []otelhttp.Option
	if opts.TracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(opts.TracerProvider))
	}
	if opts.MeterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(opts.MeterProvider))
	}

	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelOpts...),
		},
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		keyID:   opts.KeyID,
		secret:  opts.KeySecret,
	}
}

// APIError is a non-retryable error response.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("razorpay: %d %s: %s", e.StatusCode, e.Code, e.Description)
}

// CreateOrder calls POST /v1/orders. Network failures, timeouts and 5xx
// responses are reported as payment.ErrProviderUnavailable.
func (c *Client) CreateOrder(ctx context.Context, req payment.CreateOrderRequest) (*payment.ProviderOrder, error) {
	body := encodeCreateOrder(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.secret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payment.ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", payment.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", payment.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, decodeError(resp.StatusCode, data)
	}

	po, err := decodeOrder(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode order")
	}
	return po, nil
}

func encodeCreateOrder(req payment.CreateOrderRequest) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("amount")
	e.Int64(req.Amount)
	e.FieldStart("currency")
	e.Str(req.Currency)
	e.FieldStart("receipt")
	e.Str(req.Receipt)
	e.FieldStart("payment_capture")
	e.Int(1)
	e.ObjEnd()

	return bytes.Clone(e.Bytes())
}

func decodeOrder(data []byte) (*payment.ProviderOrder, error) {
	var po payment.ProviderOrder
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			po.ID, err = d.Str()
		case "amount":
			po.Amount, err = d.Int64()
		case "currency":
			po.Currency, err = d.Str()
		case "status":
			po.Status, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if po.ID == "" {
		return nil, errors.New("missing order id")
	}
	return &po, nil
}

// decodeError parses {"error": {"code", "description"}}; an unreadable body
// still yields an APIError with the status code.
func decodeError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	_ = jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "error" {
			return d.Skip()
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "code":
				apiErr.Code, err = d.Str()
			case "description":
				apiErr.Description, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	return apiErr
}
