package order

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-fulfillment/internal/domain/cart"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/domain/stock"
)

// --- Mock implementations ---

type mockCatalog struct {
	products map[string]*product.Product
	// failReserve makes Reserve fail for that product regardless of stock.
	failReserve string
	// onReserve runs once, before the first Reserve.
	onReserve func()
}

func (m *mockCatalog) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockCatalog) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockCatalog) Reserve(_ context.Context, id string, qty int) error {
	if f := m.onReserve; f != nil {
		m.onReserve = nil
		f()
	}
	p, ok := m.products[id]
	if !ok {
		return product.ErrNotFound
	}
	if id == m.failReserve || p.AvailableQuantity < qty {
		return &stock.InsufficientStockError{ProductID: id, Available: p.AvailableQuantity}
	}
	p.AvailableQuantity -= qty
	return nil
}

func (m *mockCatalog) Release(_ context.Context, id string, qty int) error {
	m.products[id].AvailableQuantity += qty
	return nil
}

func (m *mockCatalog) available(id string) int {
	return m.products[id].AvailableQuantity
}

type mockCarts struct {
	carts map[string]*cart.Cart
	// afterGet runs once, after the first Get took its copy.
	afterGet func()
}

func (m *mockCarts) Get(_ context.Context, userID string) (*cart.Cart, error) {
	c, ok := m.carts[userID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	cp := *c
	cp.Lines = slices.Clone(c.Lines)
	if f := m.afterGet; f != nil {
		m.afterGet = nil
		f()
	}
	return &cp, nil
}

func (m *mockCarts) Update(_ context.Context, userID string, _ bool, fn func(*cart.Cart) error) (*cart.Cart, error) {
	c, ok := m.carts[userID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	return c, nil
}

type mockOrders struct {
	orders    map[string]*Order
	catalog   *mockCatalog
	createErr error
}

func (m *mockOrders) Create(_ context.Context, o *Order) error {
	if m.createErr != nil {
		return m.createErr
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrders) Get(_ context.Context, id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrders) GetByProviderRef(_ context.Context, ref string) (*Order, error) {
	for _, o := range m.orders {
		if o.ProviderRef == ref {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockOrders) ListByUser(_ context.Context, userID string) ([]Order, error) {
	var out []Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	slices.SortFunc(out, func(a, b Order) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *mockOrders) AttachProviderRef(_ context.Context, id, ref string) (*Order, error) {
	o := m.orders[id]
	if o.ProviderRef == "" {
		o.ProviderRef = ref
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrders) TransitionPayment(_ context.Context, id string, status PaymentStatus) (*Order, bool, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if o.PaymentStatus != PaymentPending {
		cp := *o
		return &cp, false, nil
	}
	o.PaymentStatus = status
	for _, l := range o.Lines {
		p := m.catalog.products[l.ProductID]
		if status == PaymentPaid {
			p.SoldQuantity += l.Quantity
		} else {
			p.AvailableQuantity += l.Quantity
		}
	}
	if status == PaymentFailed {
		o.DeliveryStatus = DeliveryCancelled
	}
	cp := *o
	return &cp, true, nil
}

func (m *mockOrders) TransitionDelivery(_ context.Context, id string, from, to DeliveryStatus) (*Order, bool, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if o.DeliveryStatus != from || (to.RequiresPayment() && o.PaymentStatus != PaymentPaid) {
		cp := *o
		return &cp, false, nil
	}
	o.DeliveryStatus = to
	cp := *o
	return &cp, true, nil
}

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []EventType {
	out := make([]EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc     *Service
	catalog *mockCatalog
	carts   *mockCarts
	orders  *mockOrders
	events  *recordingPublisher
}

func newFixture(lines ...cart.Line) *fixture {
	catalog := &mockCatalog{products: map[string]*product.Product{
		"P1": {ID: "P1", Price: decimal.NewFromInt(10), AvailableQuantity: 5},
		"P2": {ID: "P2", Price: decimal.RequireFromString("2.5"), AvailableQuantity: 3},
	}}
	carts := &mockCarts{carts: map[string]*cart.Cart{
		"u1": {UserID: "u1", Lines: lines},
	}}
	orders := &mockOrders{orders: map[string]*Order{}, catalog: catalog}
	events := &recordingPublisher{}

	svc := NewService(catalog, catalog, carts, orders, events)
	return &fixture{svc: svc, catalog: catalog, carts: carts, orders: orders, events: events}
}

// --- Tests ---

func TestPlace_Success(t *testing.T) {
	f := newFixture(
		cart.Line{ProductID: "P1", Quantity: 2},
		cart.Line{ProductID: "P2", Quantity: 2},
	)

	o, err := f.svc.Place(context.Background(), "u1")
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "u1", o.UserID)
	assert.Equal(t, PaymentPending, o.PaymentStatus)
	assert.Equal(t, DeliveryProcessing, o.DeliveryStatus)
	assert.True(t, decimal.NewFromInt(25).Equal(o.Total), "got %s", o.Total)
	require.Len(t, o.Lines, 2)
	assert.True(t, decimal.RequireFromString("5").Equal(o.Lines[1].LineTotal))

	assert.Equal(t, 3, f.catalog.available("P1"))
	assert.Equal(t, 1, f.catalog.available("P2"))
	assert.Empty(t, f.carts.carts["u1"].Lines, "cart emptied, not deleted")
	assert.Contains(t, f.orders.orders, o.ID)
	assert.Equal(t, []EventType{EventOrderPlaced}, f.events.types())
}

func TestPlace_EmptyCart(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Place(context.Background(), "u1")
	require.ErrorIs(t, err, ErrEmptyCart)

	_, err = f.svc.Place(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrEmptyCart)
}

func TestPlace_InsufficientStockNamesProduct(t *testing.T) {
	f := newFixture(
		cart.Line{ProductID: "P1", Quantity: 1},
		cart.Line{ProductID: "P2", Quantity: 4},
	)

	_, err := f.svc.Place(context.Background(), "u1")
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "P2", insufficient.ProductID)
	assert.Equal(t, 3, insufficient.Available)

	assert.Equal(t, 5, f.catalog.available("P1"))
	assert.Len(t, f.carts.carts["u1"].Lines, 2)
	assert.Empty(t, f.orders.orders)
}

func TestPlace_AllOrNothingOnReserveFailure(t *testing.T) {
	f := newFixture(
		cart.Line{ProductID: "P1", Quantity: 2},
		cart.Line{ProductID: "P2", Quantity: 1},
	)
	// Stock changed between validation and reservation.
	f.catalog.failReserve = "P2"

	_, err := f.svc.Place(context.Background(), "u1")
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	assert.Equal(t, 5, f.catalog.available("P1"), "P1 reservation released")
	assert.Equal(t, 3, f.catalog.available("P2"))
	assert.Len(t, f.carts.carts["u1"].Lines, 2, "cart untouched")
	assert.Empty(t, f.orders.orders)
	assert.Empty(t, f.events.events)
}

func TestPlace_CreateFailureReleasesStock(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 2})
	f.orders.createErr = errors.New("disk full")

	_, err := f.svc.Place(context.Background(), "u1")
	require.Error(t, err)

	assert.Equal(t, 5, f.catalog.available("P1"))
	assert.Len(t, f.carts.carts["u1"].Lines, 1)
}

func TestPlace_KeepsLinesAddedDuringCheckout(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 2})
	f.catalog.onReserve = func() {
		_, err := f.carts.Update(context.Background(), "u1", true, func(c *cart.Cart) error {
			c.Add("P2", 1)
			c.Add("P1", 1)
			return nil
		})
		require.NoError(t, err)
	}

	o, err := f.svc.Place(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, o.Lines, 1)
	assert.Equal(t, 2, o.Lines[0].Quantity)

	assert.Equal(t, []cart.Line{
		{ProductID: "P2", Quantity: 1},
		{ProductID: "P1", Quantity: 1},
	}, f.carts.carts["u1"].Lines)
}

func TestPlace_FailureRestoresClaimedLines(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 2})
	f.orders.createErr = errors.New("disk full")
	f.catalog.onReserve = func() {
		assert.Empty(t, f.carts.carts["u1"].Lines, "lines claimed before reserving")
	}

	_, err := f.svc.Place(context.Background(), "u1")
	require.Error(t, err)

	assert.Equal(t, []cart.Line{{ProductID: "P1", Quantity: 2}}, f.carts.carts["u1"].Lines)
	assert.Equal(t, 5, f.catalog.available("P1"))
}

func TestPlace_ConcurrentCheckoutOfSameCart(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 2})
	// Another checkout consumes the cart after this one took its snapshot.
	f.carts.afterGet = func() {
		_, err := f.svc.Place(context.Background(), "u1")
		require.NoError(t, err)
	}

	_, err := f.svc.Place(context.Background(), "u1")
	require.ErrorIs(t, err, ErrCartChanged)

	assert.Len(t, f.orders.orders, 1)
	assert.Equal(t, 3, f.catalog.available("P1"), "stock reserved once")
	assert.Empty(t, f.carts.carts["u1"].Lines)
}

func TestPlace_UnknownProduct(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "gone", Quantity: 1})

	_, err := f.svc.Place(context.Background(), "u1")
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestPlace_FreezesPrices(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 1})

	o, err := f.svc.Place(context.Background(), "u1")
	require.NoError(t, err)

	f.catalog.products["P1"].Price = decimal.NewFromInt(99)

	got, err := f.svc.Get(context.Background(), "u1", o.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(got.Lines[0].UnitPrice))
	assert.True(t, decimal.NewFromInt(10).Equal(got.Total))
}

func TestHistory_NewestFirst(t *testing.T) {
	f := newFixture()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"o1", "o2", "o3"} {
		f.orders.orders[id] = &Order{ID: id, UserID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Hour)}
	}
	f.orders.orders["other"] = &Order{ID: "other", UserID: "u2", CreatedAt: base}

	orders, err := f.svc.History(context.Background(), "u1")
	require.NoError(t, err)
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	assert.Equal(t, []string{"o3", "o2", "o1"}, ids)
}

func TestGet_OtherUsersOrder(t *testing.T) {
	f := newFixture()
	f.orders.orders["o1"] = &Order{ID: "o1", UserID: "u2"}

	_, err := f.svc.Get(context.Background(), "u1", "o1")
	require.ErrorIs(t, err, ErrNotFound)
}

func placed(t *testing.T, f *fixture) *Order {
	t.Helper()
	o, err := f.svc.Place(context.Background(), "u1")
	require.NoError(t, err)
	return o
}

func TestMarkPaid_Idempotent(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 2})
	o := placed(t, f)
	ctx := context.Background()

	paid, transitioned, err := f.svc.MarkPaid(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, PaymentPaid, paid.PaymentStatus)

	_, transitioned, err = f.svc.MarkPaid(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, transitioned)

	assert.Equal(t, 2, f.catalog.products["P1"].SoldQuantity, "sold bookkeeping once")
	assert.Equal(t, 3, f.catalog.available("P1"), "availability not decremented again")
	assert.Equal(t, []EventType{EventOrderPlaced, EventOrderPaid}, f.events.types())
}

func TestMarkPaid_FailedOrder(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 2})
	o := placed(t, f)
	ctx := context.Background()

	_, _, err := f.svc.MarkFailed(ctx, o.ID)
	require.NoError(t, err)

	_, _, err = f.svc.MarkPaid(ctx, o.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 2})
	o := placed(t, f)
	ctx := context.Background()
	require.Equal(t, 3, f.catalog.available("P1"))

	cancelled, err := f.svc.Cancel(ctx, "u1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, cancelled.PaymentStatus)
	assert.Equal(t, DeliveryCancelled, cancelled.DeliveryStatus)
	assert.Equal(t, 5, f.catalog.available("P1"), "stock returned")

	_, err = f.svc.Cancel(ctx, "u1", o.ID)
	require.NoError(t, err, "repeat cancel is a no-op")
	assert.Equal(t, 5, f.catalog.available("P1"), "stock returned once")

	_, err = f.svc.Cancel(ctx, "u2", o.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_PaidOrder(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 1})
	o := placed(t, f)
	ctx := context.Background()

	_, _, err := f.svc.MarkPaid(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "u1", o.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvanceDelivery(t *testing.T) {
	f := newFixture(cart.Line{ProductID: "P1", Quantity: 1})
	o := placed(t, f)
	ctx := context.Background()

	_, err := f.svc.AdvanceDelivery(ctx, o.ID, DeliveryShipped)
	require.ErrorIs(t, err, ErrPaymentRequired)

	_, _, err = f.svc.MarkPaid(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.svc.AdvanceDelivery(ctx, o.ID, DeliveryDelivered)
	require.ErrorIs(t, err, ErrInvalidTransition, "cannot skip Shipped")

	shipped, err := f.svc.AdvanceDelivery(ctx, o.ID, DeliveryShipped)
	require.NoError(t, err)
	assert.Equal(t, DeliveryShipped, shipped.DeliveryStatus)

	_, err = f.svc.AdvanceDelivery(ctx, o.ID, DeliveryShipped)
	require.NoError(t, err, "repeat is a no-op")

	delivered, err := f.svc.AdvanceDelivery(ctx, o.ID, DeliveryDelivered)
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, delivered.DeliveryStatus)

	_, err = f.svc.AdvanceDelivery(ctx, o.ID, DeliveryCancelled)
	require.ErrorIs(t, err, ErrInvalidTransition)
}
