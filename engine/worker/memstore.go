package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/engine"
)

// MemoryStore is an InvoiceStore for hosts that keep lifecycle state in
// process, and for tests. Production hosts bring their own implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*engine.Invoice
}

var _ InvoiceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]*engine.Invoice{}}
}

func (s *MemoryStore) key(p engine.Provider, externalID string) string {
	return string(p) + "/" + externalID
}

// Put registers a freshly created invoice.
func (s *MemoryStore) Put(inv *engine.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[s.key(inv.Provider, inv.ExternalID)] = inv
}

func (s *MemoryStore) GetByExternalID(_ context.Context, p engine.Provider, externalID string) (*engine.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.byID[s.key(p, externalID)]
	if !ok {
		return nil, errors.Wrap(payments.ErrNotFound, externalID)
	}
	return inv, nil
}

func (s *MemoryStore) Save(_ context.Context, inv *engine.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[s.key(inv.Provider, inv.ExternalID)] = inv
	return nil
}
