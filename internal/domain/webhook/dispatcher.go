package webhook

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docquery/internal/platform/task"
)

const DefaultWorkers = 8

var ErrDispatcherClosed = errors.New("webhook dispatcher closed")

// Submitter queues a webhook for delivery.
type Submitter interface {
	Submit(ctx context.Context, cxID uuid.UUID, typ string, payload any) *task.Handle
}

type job struct {
	ctx    context.Context
	req    *Request
	handle *task.Handle
}

type lane struct {
	queue []job
}

// Dispatcher delivers webhooks in the background. Each customer has one lane,
// so a customer's webhooks go out one at a time in ledger order while
// different customers are served concurrently, up to the worker limit.
type Dispatcher struct {
	sender *Sender
	logger zerolog.Logger
	slots  chan struct{}

	mu     sync.Mutex
	lanes  map[uuid.UUID]*lane
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sender *Sender, workers int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		sender: sender,
		logger: logger.With().Str("component", "webhook-dispatcher").Logger(),
		slots:  make(chan struct{}, workers),
		lanes:  make(map[uuid.UUID]*lane),
	}
}

// Submit writes the ledger entry before returning, then queues the delivery
// on the customer's lane. The delivery outlives ctx's cancellation; the
// returned handle resolves with the delivery outcome.
func (d *Dispatcher) Submit(ctx context.Context, cxID uuid.UUID, typ string, payload any) *task.Handle {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return task.Completed(false, ErrDispatcherClosed)
	}

	req, err := d.sender.Record(ctx, cxID, typ, payload)
	if err != nil {
		d.logger.Error().Err(err).Str("cx_id", cxID.String()).Str("type", typ).Msg("failed to record webhook request")
		return task.Completed(false, err)
	}

	j := job{ctx: context.WithoutCancel(ctx), req: req, handle: task.NewHandle()}
	if !d.enqueue(cxID, j) {
		// Closed after the entry was recorded; deliver it here.
		j.handle.Resolve(d.deliver(j), nil)
	}
	return j.handle
}

func (d *Dispatcher) enqueue(cxID uuid.UUID, j job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	l, ok := d.lanes[cxID]
	if !ok {
		l = &lane{}
		d.lanes[cxID] = l
		d.wg.Add(1)
		go d.drain(cxID, l)
	}
	l.queue = append(l.queue, j)
	return true
}

// drain runs one customer's lane until it is empty.
func (d *Dispatcher) drain(cxID uuid.UUID, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, cxID)
			d.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.slots <- struct{}{}
		ok := d.deliver(j)
		<-d.slots
		j.handle.Resolve(ok, nil)
	}
}

func (d *Dispatcher) deliver(j job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("request_id", j.req.ID.String()).Msg("webhook delivery panicked")
			ok = false
		}
	}()
	return d.sender.Deliver(j.ctx, j.req, nil)
}

// Close stops accepting submissions and waits for queued deliveries until ctx
// ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
