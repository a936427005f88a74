package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// numberedEndpoint records the "n" field of each delivery and fails the ones
// listed in fail.
type numberedEndpoint struct {
	mu   sync.Mutex
	seen []int
	fail map[int]bool
}

func (e *numberedEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		N int `json:"n"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	e.mu.Lock()
	e.seen = append(e.seen, body.N)
	fail := e.fail[body.N]
	e.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type retryFixture struct {
	*senderFixture
	retrier *Retrier
	sleeps  []time.Duration
}

func newRetryFixture(jitter time.Duration) *retryFixture {
	f := &retryFixture{senderFixture: newSenderFixture()}
	f.retrier = NewRetrier(f.requests, f.settings, f.sender, jitter, zerolog.Nop())
	f.retrier.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func TestRetryFailed_ReplaysOldestFirst(t *testing.T) {
	f := newRetryFixture(DefaultRetryJitter)
	endpoint := &numberedEndpoint{fail: map[int]bool{2: true}}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()
	f.settings.configure(f.cxID, srv.URL, testKey, false)

	first := f.requests.seed(f.cxID, RequestFailure, `{"n":1}`)
	delivered := f.requests.seed(f.cxID, RequestSuccess, `{"n":99}`)
	second := f.requests.seed(f.cxID, RequestFailure, `{"n":2}`)
	third := f.requests.seed(f.cxID, RequestFailure, `{"n":3}`)
	other := f.requests.seed(uuid.New(), RequestFailure, `{"n":42}`)

	report, err := f.retrier.RetryFailed(context.Background(), f.cxID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *report != (RetryReport{Total: 3, Succeeded: 2, Failed: 1}) {
		t.Errorf("unexpected report %+v", report)
	}

	if len(endpoint.seen) != 3 || endpoint.seen[0] != 1 || endpoint.seen[1] != 2 || endpoint.seen[2] != 3 {
		t.Errorf("expected deliveries in ledger order, got %v", endpoint.seen)
	}
	if len(f.sleeps) != 2 {
		t.Errorf("expected a pause between sends only, got %d", len(f.sleeps))
	}
	for _, d := range f.sleeps {
		if d < 0 || d >= DefaultRetryJitter {
			t.Errorf("jitter %v outside [0, %v)", d, DefaultRetryJitter)
		}
	}

	for _, tc := range []struct {
		req  *Request
		want RequestStatus
	}{
		{first, RequestSuccess},
		{second, RequestFailure},
		{third, RequestSuccess},
		{delivered, RequestSuccess},
		{other, RequestFailure},
	} {
		if got := f.requests.get(tc.req.ID).Status; got != tc.want {
			t.Errorf("request %s: status %s, want %s", tc.req.Payload, got, tc.want)
		}
	}
	if got := f.requests.get(delivered.ID); !got.UpdatedAt.Equal(delivered.UpdatedAt) {
		t.Error("a delivered request must not be touched")
	}

	// The last delivery succeeded, so the webhook ends up enabled again.
	s := f.settings.stored(f.cxID)
	if !s.WebhookEnabled || *s.WebhookStatusDetail != StatusDetailOK {
		t.Errorf("expected webhook enabled after the final success, got %+v", s)
	}
}

func TestRetryFailed_NothingToDo(t *testing.T) {
	f := newRetryFixture(DefaultRetryJitter)
	f.requests.seed(f.cxID, RequestSuccess, `{"n":1}`)

	report, err := f.retrier.RetryFailed(context.Background(), f.cxID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 0 || len(f.requests.updates) != 0 {
		t.Errorf("expected an empty pass, got %+v", report)
	}
}

func TestRetryFailed_NotConfigured(t *testing.T) {
	f := newRetryFixture(0)
	a := f.requests.seed(f.cxID, RequestFailure, `{"n":1}`)
	b := f.requests.seed(f.cxID, RequestFailure, `{"n":2}`)

	report, err := f.retrier.RetryFailed(context.Background(), f.cxID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 2 || report.Succeeded != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	for _, req := range []*Request{a, b} {
		got := f.requests.get(req.ID)
		if got.Status != RequestFailure || got.StatusDetail == nil || *got.StatusDetail != "webhook not configured" {
			t.Errorf("unexpected entry %+v", got)
		}
	}
	if len(f.sleeps) != 0 {
		t.Error("zero jitter must not sleep")
	}
}

// claimedElsewhere simulates a concurrent pass that already flipped one entry.
type claimedElsewhere struct {
	*memRequestRepo
	taken uuid.UUID
}

func (r *claimedElsewhere) MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	var rest []uuid.UUID
	for _, id := range ids {
		if id != r.taken {
			rest = append(rest, id)
		}
	}
	return r.memRequestRepo.MarkProcessing(ctx, rest)
}

func TestRetryFailed_OnlyReplaysClaimedEntries(t *testing.T) {
	f := newRetryFixture(0)
	endpoint := &numberedEndpoint{}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()
	f.settings.configure(f.cxID, srv.URL, testKey, true)

	f.requests.seed(f.cxID, RequestFailure, `{"n":1}`)
	taken := f.requests.seed(f.cxID, RequestFailure, `{"n":2}`)
	repo := &claimedElsewhere{memRequestRepo: f.requests, taken: taken.ID}
	f.retrier.requests = repo

	report, err := f.retrier.RetryFailed(context.Background(), f.cxID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 1 || len(endpoint.seen) != 1 || endpoint.seen[0] != 1 {
		t.Errorf("expected only the claimed entry replayed, got report %+v seen %v", report, endpoint.seen)
	}
}

func TestRetryFailed_ReleasesOnCancel(t *testing.T) {
	f := newRetryFixture(time.Second)
	endpoint := &numberedEndpoint{}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()
	f.settings.configure(f.cxID, srv.URL, testKey, true)

	first := f.requests.seed(f.cxID, RequestFailure, `{"n":1}`)
	second := f.requests.seed(f.cxID, RequestFailure, `{"n":2}`)
	third := f.requests.seed(f.cxID, RequestFailure, `{"n":3}`)

	ctx, cancel := context.WithCancel(context.Background())
	f.retrier.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	report, err := f.retrier.RetryFailed(ctx, f.cxID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.Succeeded != 1 {
		t.Errorf("expected the first delivery to go out, got %+v", report)
	}
	if f.requests.get(first.ID).Status != RequestSuccess {
		t.Error("first request should be delivered")
	}
	for _, req := range []*Request{second, third} {
		got := f.requests.get(req.ID)
		if got.Status != RequestFailure || *got.StatusDetail != "retry interrupted" {
			t.Errorf("expected %s released, got %+v", req.Payload, got)
		}
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

// unclaimable fails every attempt to claim entries.
type unclaimable struct {
	*memRequestRepo
}

func (r *unclaimable) MarkProcessing(context.Context, []uuid.UUID) ([]uuid.UUID, error) {
	return nil, errors.New("connection reset")
}

func TestRetryFailed_LogsEarlyFailures(t *testing.T) {
	f := newRetryFixture(0)
	f.requests.seed(f.cxID, RequestFailure, `{"n":1}`)
	f.retrier.requests = &unclaimable{memRequestRepo: f.requests}
	var buf bytes.Buffer
	f.retrier.logger = zerolog.New(&buf)

	if _, err := f.retrier.RetryFailed(context.Background(), f.cxID); err == nil {
		t.Fatal("expected the claim error")
	}
	out := buf.String()
	if !strings.Contains(out, "connection reset") || !strings.Contains(out, f.cxID.String()) {
		t.Errorf("expected the failure logged with the customer, got %q", out)
	}
}
