package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docquery/internal/platform/task"
)

func waitHandle(t *testing.T, h *task.Handle) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("delivery did not finish")
	}
	return ok
}

func TestDispatcher_PreservesOrderPerCustomer(t *testing.T) {
	f := newSenderFixture()
	endpoint := &numberedEndpoint{}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()
	f.settings.configure(f.cxID, srv.URL, testKey, true)

	d := NewDispatcher(f.sender, 4, zerolog.Nop())
	var handles []*task.Handle
	for n := 1; n <= 5; n++ {
		handles = append(handles, d.Submit(context.Background(), f.cxID, TypeDocumentDownload, map[string]int{"n": n}))
	}
	for _, h := range handles {
		if !waitHandle(t, h) {
			t.Error("expected delivery to succeed")
		}
	}

	want := []int{1, 2, 3, 4, 5}
	if len(endpoint.seen) != len(want) {
		t.Fatalf("expected %d deliveries, got %v", len(want), endpoint.seen)
	}
	for i := range want {
		if endpoint.seen[i] != want[i] {
			t.Fatalf("deliveries out of order: %v", endpoint.seen)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestDispatcher_RecordsBeforeDelivering(t *testing.T) {
	f := newSenderFixture()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	f.settings.configure(f.cxID, srv.URL, testKey, true)

	d := NewDispatcher(f.sender, 1, zerolog.Nop())
	h := d.Submit(context.Background(), f.cxID, TypeDocumentDownload, map[string]int{"n": 1})

	entries, _ := f.requests.ListByStatus(context.Background(), f.cxID, RequestProcessing)
	if len(entries) != 1 {
		t.Fatalf("expected the ledger entry written on submit, got %d", len(entries))
	}
	select {
	case <-h.Done():
		t.Fatal("delivery should still be in flight")
	default:
	}

	close(release)
	if !waitHandle(t, h) {
		t.Error("expected delivery to succeed")
	}
	if got := f.requests.get(entries[0].ID).Status; got != RequestSuccess {
		t.Errorf("status = %s", got)
	}
}

func TestDispatcher_ServesCustomersConcurrently(t *testing.T) {
	f := newSenderFixture(WithTimeout(5 * time.Second))
	var (
		mu      sync.Mutex
		arrived int
		both    = make(chan struct{})
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrived++
		if arrived == 2 {
			close(both)
		}
		mu.Unlock()
		select {
		case <-both:
			w.WriteHeader(http.StatusOK)
		case <-time.After(2 * time.Second):
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	other := uuid.New()
	f.settings.configure(f.cxID, srv.URL, testKey, true)
	f.settings.configure(other, srv.URL, testKey, true)

	d := NewDispatcher(f.sender, 2, zerolog.Nop())
	h1 := d.Submit(context.Background(), f.cxID, TypeDocumentDownload, map[string]int{"n": 1})
	h2 := d.Submit(context.Background(), other, TypeDocumentDownload, map[string]int{"n": 2})
	if !waitHandle(t, h1) || !waitHandle(t, h2) {
		t.Error("expected both customers to be delivered at the same time")
	}
}

func TestDispatcher_DeliveryOutlivesCallerContext(t *testing.T) {
	f := newSenderFixture()
	srv := httptest.NewServer((&capture{}).handler(http.StatusOK))
	defer srv.Close()
	f.settings.configure(f.cxID, srv.URL, testKey, true)

	d := NewDispatcher(f.sender, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	h := d.Submit(ctx, f.cxID, TypeDocumentConversion, map[string]int{"n": 1})
	cancel()

	if !waitHandle(t, h) {
		t.Error("a cancelled caller must not abort the delivery")
	}
}

func TestDispatcher_Close(t *testing.T) {
	f := newSenderFixture()
	got := &capture{}
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()
	f.settings.configure(f.cxID, srv.URL, testKey, true)

	d := NewDispatcher(f.sender, 0, zerolog.Nop())
	h := d.Submit(context.Background(), f.cxID, TypeDocumentDownload, map[string]int{"n": 1})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close waits for queued work.
	select {
	case <-h.Done():
	default:
		t.Error("queued delivery should have finished before Close returned")
	}

	ok, err := d.Submit(context.Background(), f.cxID, TypeDocumentDownload, map[string]int{"n": 2}).Wait(context.Background())
	if ok || !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("expected ErrDispatcherClosed, got ok=%v err=%v", ok, err)
	}
	if got.count() != 1 {
		t.Errorf("expected one delivery, got %d", got.count())
	}
}

func TestDispatcher_RejectsInvalidPayload(t *testing.T) {
	f := newSenderFixture()
	d := NewDispatcher(f.sender, 1, zerolog.Nop())

	ok, err := d.Submit(context.Background(), f.cxID, TypeDocumentDownload, []string{"not", "an", "object"}).Wait(context.Background())
	if ok || err == nil {
		t.Errorf("expected a validation failure, got ok=%v err=%v", ok, err)
	}
	if len(f.requests.order) != 0 {
		t.Error("nothing should be recorded")
	}
}
