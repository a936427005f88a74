package docquery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/docquery/internal/platform/apperr"
	"github.com/ehr/docquery/internal/platform/task"
)

// memPatientRepo stands in for the Postgres repository. Its mutex plays the
// part of the row lock.
type memPatientRepo struct {
	mu       sync.Mutex
	patients map[PatientRef]*Patient
	now      func() time.Time
	writes   int

	// failFor makes UpdateProgress fail for one patient.
	failFor map[uuid.UUID]error
	// beforeLock runs after selection and before the lock is taken, to
	// simulate the live path racing the sweeper.
	beforeLock func(ref PatientRef)
}

func newMemPatientRepo() *memPatientRepo {
	return &memPatientRepo{
		patients: make(map[PatientRef]*Patient),
		now:      time.Now,
		failFor:  make(map[uuid.UUID]error),
	}
}

func (r *memPatientRepo) add(p *Patient) *Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CxID == uuid.Nil {
		p.CxID = uuid.New()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = r.now()
	}
	r.patients[p.Ref()] = p.Clone()
	return p
}

func (r *memPatientRepo) stored(ref PatientRef) *Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.patients[ref].Clone()
}

func (r *memPatientRepo) Get(ctx context.Context, ref PatientRef) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[ref]
	if !ok {
		return nil, apperr.NotFound("patient", ref.PatientID.String())
	}
	return p.Clone(), nil
}

func (r *memPatientRepo) UpdateProgress(ctx context.Context, ref PatientRef, fn func(p *Patient) error) (*Patient, error) {
	if r.beforeLock != nil {
		r.beforeLock(ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failFor[ref.PatientID]; err != nil {
		return nil, apperr.Persistence("update patient progress", err)
	}
	current, ok := r.patients[ref]
	if !ok {
		return nil, apperr.NotFound("patient", ref.PatientID.String())
	}

	work := current.Clone()
	if err := fn(work); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current.Clone(), nil
		}
		return nil, apperr.Persistence("update patient progress", err)
	}

	// Only the progress fields are written back.
	next := current.Clone()
	next.DocumentQueryProgress = work.DocumentQueryProgress.Clone()
	next.ExternalData = work.ExternalData.Clone()
	next.ConsolidatedQueries = cloneConsolidated(work.ConsolidatedQueries)
	next.UpdatedAt = r.now()
	r.patients[ref] = next
	r.writes++
	return next.Clone(), nil
}

func (r *memPatientRepo) ListSweepCandidates(ctx context.Context, stage ProgressType, staleBefore time.Time, patientIDs []uuid.UUID, limit int) ([]PatientRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filter := make(map[uuid.UUID]bool, len(patientIDs))
	for _, id := range patientIDs {
		filter[id] = true
	}

	var out []*Patient
	for _, p := range r.patients {
		if len(filter) > 0 && !filter[p.ID] {
			continue
		}
		sp := p.DocumentQueryProgress.Stage(stage)
		if sp == nil || sp.Status != StatusProcessing {
			continue
		}
		if sp.NumericallyComplete() || p.UpdatedAt.Before(staleBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	refs := make([]PatientRef, 0, len(out))
	for _, p := range out {
		refs = append(refs, p.Ref())
	}
	return refs, nil
}

// recordingNotifier collects completion events and resolves immediately.
type recordingNotifier struct {
	mu     sync.Mutex
	events []CompletionEvent
	ok     bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ok: true}
}

func (n *recordingNotifier) NotifyCompletion(ctx context.Context, evt CompletionEvent) *task.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return task.Completed(n.ok, nil)
}

func (n *recordingNotifier) all() []CompletionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]CompletionEvent(nil), n.events...)
}
