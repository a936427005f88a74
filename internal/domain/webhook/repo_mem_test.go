package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/docquery/internal/platform/apperr"
)

type memRequestRepo struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*Request
	order   []uuid.UUID
	clock   time.Time
	updates []RequestStatus
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{
		byID:  make(map[uuid.UUID]*Request),
		clock: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

// tick hands out strictly increasing timestamps so ledger order is stable.
func (r *memRequestRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRequestRepo) Create(_ context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req.ID = uuid.New()
	req.Status = RequestProcessing
	req.CreatedAt = r.tick()
	req.UpdatedAt = req.CreatedAt
	cp := *req
	r.byID[req.ID] = &cp
	r.order = append(r.order, req.ID)
	return nil
}

// seed inserts an entry with a given status, bypassing Create.
func (r *memRequestRepo) seed(cxID uuid.UUID, status RequestStatus, payload string) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	req := &Request{
		ID:        uuid.New(),
		CxID:      cxID,
		Type:      TypeDocumentDownload,
		Payload:   []byte(payload),
		Status:    status,
		CreatedAt: r.tick(),
	}
	req.UpdatedAt = req.CreatedAt
	cp := *req
	r.byID[req.ID] = &cp
	r.order = append(r.order, req.ID)
	return req
}

func (r *memRequestRepo) get(id uuid.UUID) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.byID[id]
	return &cp
}

func (r *memRequestRepo) UpdateStatus(_ context.Context, id uuid.UUID, status RequestStatus, detail *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.byID[id]
	if !ok {
		return apperr.NotFound("webhook request", id.String())
	}
	req.Status = status
	req.StatusDetail = detail
	req.UpdatedAt = r.tick()
	r.updates = append(r.updates, status)
	return nil
}

func (r *memRequestRepo) ListByStatus(_ context.Context, cxID uuid.UUID, status RequestStatus) ([]*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Request
	for _, id := range r.order {
		req := r.byID[id]
		if req.CxID == cxID && req.Status == status {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRequestRepo) MarkProcessing(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var flipped []uuid.UUID
	for _, id := range ids {
		if req, ok := r.byID[id]; ok && req.Status == RequestFailure {
			req.Status = RequestProcessing
			flipped = append(flipped, id)
		}
	}
	return flipped, nil
}

func (r *memRequestRepo) CountOpen(_ context.Context, cxID uuid.UUID) (StatusCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c StatusCounts
	for _, req := range r.byID {
		if req.CxID != cxID {
			continue
		}
		switch req.Status {
		case RequestProcessing:
			c.Processing++
		case RequestFailure:
			c.Failed++
		}
	}
	return c, nil
}

func (r *memRequestRepo) List(_ context.Context, cxID uuid.UUID, limit, offset int) ([]*Request, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Request
	for i := len(r.order) - 1; i >= 0; i-- {
		req := r.byID[r.order[i]]
		if req.CxID == cxID {
			cp := *req
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset >= total {
		return []*Request{}, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

type memSettingsRepo struct {
	mu           sync.Mutex
	byID         map[uuid.UUID]*Settings
	healthWrites int
}

func newMemSettingsRepo() *memSettingsRepo {
	return &memSettingsRepo{byID: make(map[uuid.UUID]*Settings)}
}

// configure stores settings pointing at url.
func (r *memSettingsRepo) configure(cxID uuid.UUID, url, key string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[cxID] = &Settings{ID: cxID, WebhookURL: &url, WebhookKey: &key, WebhookEnabled: enabled}
}

func (r *memSettingsRepo) stored(cxID uuid.UUID) *Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[cxID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (r *memSettingsRepo) Get(_ context.Context, cxID uuid.UUID) (*Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[cxID]
	if !ok {
		return nil, apperr.NotFound("settings", cxID.String())
	}
	cp := *s
	return &cp, nil
}

func (r *memSettingsRepo) GetOrCreate(ctx context.Context, cxID uuid.UUID) (*Settings, error) {
	r.mu.Lock()
	if _, ok := r.byID[cxID]; !ok {
		r.byID[cxID] = &Settings{ID: cxID}
	}
	r.mu.Unlock()
	return r.Get(ctx, cxID)
}

func (r *memSettingsRepo) UpdateWebhook(ctx context.Context, cxID uuid.UUID, url, key *string) (*Settings, error) {
	r.mu.Lock()
	s, ok := r.byID[cxID]
	if !ok {
		r.mu.Unlock()
		return nil, apperr.NotFound("settings", cxID.String())
	}
	s.WebhookURL = url
	s.WebhookKey = key
	r.mu.Unlock()
	return r.Get(ctx, cxID)
}

func (r *memSettingsRepo) UpdateHealth(_ context.Context, cxID uuid.UUID, enabled bool, detail *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[cxID]
	if !ok {
		return apperr.NotFound("settings", cxID.String())
	}
	s.WebhookEnabled = enabled
	s.WebhookStatusDetail = detail
	r.healthWrites++
	return nil
}
