package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

var _ order.Repository = (*Orders)(nil)

// Orders stores orders and applies their stock bookkeeping to a Catalog.
type Orders struct {
	mu      sync.Mutex
	orders  map[string]*order.Order
	byRef   map[string]string
	catalog *Catalog
}

// NewOrders returns an empty order store whose payment transitions settle
// stock in catalog.
func NewOrders(catalog *Catalog) *Orders {
	return &Orders{
		orders:  make(map[string]*order.Order),
		byRef:   make(map[string]string),
		catalog: catalog,
	}
}

func (s *Orders) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = cloneOrder(o)
	if o.ProviderRef != "" {
		s.byRef[o.ProviderRef] = o.ID
	}
	return nil
}

func (s *Orders) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Orders) GetByProviderRef(_ context.Context, ref string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[ref]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Orders) ListByUser(_ context.Context, userID string) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []order.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *Orders) AttachProviderRef(_ context.Context, id, ref string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.ProviderRef == "" {
		o.ProviderRef = ref
		s.byRef[ref] = id
	}
	return cloneOrder(o), nil
}

func (s *Orders) TransitionPayment(_ context.Context, id string, status order.PaymentStatus) (*order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, false, order.ErrNotFound
	}
	if o.PaymentStatus != order.PaymentPending || status == order.PaymentPending {
		return cloneOrder(o), false, nil
	}

	switch status {
	case order.PaymentPaid:
		s.catalog.settle(o.StockItems(), true)
	case order.PaymentFailed:
		s.catalog.settle(o.StockItems(), false)
		o.DeliveryStatus = order.DeliveryCancelled
	default:
		return nil, false, errors.Errorf("unknown payment status %q", status)
	}
	o.PaymentStatus = status
	return cloneOrder(o), true, nil
}

func (s *Orders) TransitionDelivery(_ context.Context, id string, from, to order.DeliveryStatus) (*order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, false, order.ErrNotFound
	}
	if o.DeliveryStatus != from || (to.RequiresPayment() && o.PaymentStatus != order.PaymentPaid) {
		return cloneOrder(o), false, nil
	}
	o.DeliveryStatus = to
	return cloneOrder(o), true, nil
}

func cloneOrder(o *order.Order) *order.Order {
	cp := *o
	cp.Lines = slices.Clone(o.Lines)
	return &cp
}
