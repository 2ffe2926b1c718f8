package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/provider"
)

const testProvider engine.Provider = "test"

type capturePublisher struct {
	mu  sync.Mutex
	trs []*engine.Transition
}

func (c *capturePublisher) PublishTransition(tr *engine.Transition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trs = append(c.trs, tr)
	return nil
}

func (c *capturePublisher) all() []*engine.Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*engine.Transition(nil), c.trs...)
}

func msats(v int64) currency.Amount { return currency.MustMillisats(v) }

func TestWorker_HandleEvent(t *testing.T) {
	store := NewMemoryStore()
	pub := &capturePublisher{}
	w := NewWorker(store, engine.NewProcessor(), pub)

	inv := engine.NewInvoice(testProvider, msats(100_000), "memo", "hash-1", nil)
	store.Put(inv)

	paid := msats(100_000)
	err := w.HandleEvent(context.Background(), &engine.Event{
		Provider:   testProvider,
		ExternalID: "hash-1",
		Status:     engine.SETTLED_I,
		Paid:       &paid,
	})
	require.NoError(t, err)

	got, err := store.GetByExternalID(context.Background(), testProvider, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, engine.SETTLED_I, got.Status)

	trs := pub.all()
	require.Len(t, trs, 1)
	assert.Equal(t, engine.CREATED_I, trs[0].From)
	assert.Equal(t, engine.SETTLED_I, trs[0].To)
}

func TestWorker_HandleEvent_UnknownInvoiceDropped(t *testing.T) {
	w := NewWorker(NewMemoryStore(), engine.NewProcessor(), nil)
	err := w.HandleEvent(context.Background(), &engine.Event{
		Provider:   testProvider,
		ExternalID: "nope",
		Status:     engine.SETTLED_I,
	})
	require.NoError(t, err)
}

func TestWorker_HandleEvent_NoPublishOnConflict(t *testing.T) {
	store := NewMemoryStore()
	pub := &capturePublisher{}
	w := NewWorker(store, engine.NewProcessor(), pub)

	inv := engine.NewInvoice(testProvider, msats(100_000), "memo", "hash-1", nil)
	store.Put(inv)

	ev := &engine.Event{Provider: testProvider, ExternalID: "hash-1", Status: engine.PENDING_I}
	require.NoError(t, w.HandleEvent(context.Background(), ev))
	// Redelivery conflicts inside the processor and must not publish again.
	require.NoError(t, w.HandleEvent(context.Background(), ev))

	assert.Len(t, pub.all(), 1)
}

// Concurrent deliveries for one invoice must serialize: exactly one
// settlement transition comes out no matter how many duplicates race.
func TestWorker_HandleEvent_SerializesPerInvoice(t *testing.T) {
	store := NewMemoryStore()
	pub := &capturePublisher{}
	w := NewWorker(store, engine.NewProcessor(), pub)

	inv := engine.NewInvoice(testProvider, msats(100_000), "memo", "hash-1", nil)
	store.Put(inv)

	paid := msats(100_000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.HandleEvent(context.Background(), &engine.Event{
				Provider:   testProvider,
				ExternalID: "hash-1",
				Status:     engine.SETTLED_I,
				Paid:       &paid,
			})
		}()
	}
	wg.Wait()

	assert.Len(t, pub.all(), 1)
	got, err := store.GetByExternalID(context.Background(), testProvider, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, engine.SETTLED_I, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

type stubNode struct {
	mu      sync.Mutex
	calls   int
	updates []provider.InvoiceUpdate
}

func (s *stubNode) AddInvoice(context.Context, provider.AddInvoiceRequest) (*engine.Invoice, error) {
	panic("not used")
}

func (s *stubNode) LookupInvoice(context.Context, string) (engine.InvoiceStatus, error) {
	panic("not used")
}

func (s *stubNode) CancelInvoice(context.Context, string) error { panic("not used") }

func (s *stubNode) PayInvoice(context.Context, provider.PayInvoiceRequest) (*provider.PayInvoiceResponse, error) {
	panic("not used")
}

func (s *stubNode) SubscribeInvoiceUpdates(ctx context.Context) (<-chan provider.InvoiceUpdate, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	ch := make(chan provider.InvoiceUpdate)
	go func() {
		defer close(ch)
		for _, u := range s.updates {
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func TestWorker_Run_ConsumesStream(t *testing.T) {
	store := NewMemoryStore()
	pub := &capturePublisher{}
	w := NewWorker(store, engine.NewProcessor(), pub)
	w.resubscribeDelay = 10 * time.Millisecond

	inv := engine.NewInvoice(testProvider, msats(100_000), "memo", "hash-1", nil)
	store.Put(inv)

	paid := msats(100_000)
	node := &stubNode{updates: []provider.InvoiceUpdate{
		{Event: &engine.Event{Provider: testProvider, ExternalID: "hash-1", Status: engine.PENDING_I}},
		{Event: &engine.Event{Provider: testProvider, ExternalID: "hash-1", Status: engine.SETTLED_I, Paid: &paid}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, node)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(pub.all()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}

	got, err := store.GetByExternalID(context.Background(), testProvider, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, engine.SETTLED_I, got.Status)
}
