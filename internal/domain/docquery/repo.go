package docquery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/docquery/internal/platform/task"
)

// ErrNoChange may be returned from an UpdateProgress callback to release the
// lock without writing anything.
var ErrNoChange = errors.New("no progress change")

// PatientRepository persists the progress columns of the patient record.
type PatientRepository interface {
	Get(ctx context.Context, ref PatientRef) (*Patient, error)

	// UpdateProgress locks the patient row, hands fn a copy of the current
	// record and writes back the progress fields fn leaves on it. Nothing
	// else on the record is written. fn runs again if the transaction is
	// retried, so it must derive everything from its argument. When fn
	// returns ErrNoChange the row is left alone and the current record is
	// returned with a nil error.
	UpdateProgress(ctx context.Context, ref PatientRef, fn func(p *Patient) error) (*Patient, error)

	// ListSweepCandidates returns patients whose stage is processing and
	// either numerically complete or last updated before staleBefore.
	// An empty patientIDs means all patients. At most limit refs are
	// returned, least recently updated first.
	ListSweepCandidates(ctx context.Context, stage ProgressType, staleBefore time.Time, patientIDs []uuid.UUID, limit int) ([]PatientRef, error)
}

// CompletionEvent describes a stage that reached completed.
type CompletionEvent struct {
	CxID      uuid.UUID
	PatientID uuid.UUID
	RequestID string
	Stage     ProgressType
	Progress  Progress
	// Documents are the document references the pipeline attached to its
	// final report, passed through to the customer untouched.
	Documents []json.RawMessage
	// Forced is set when the sweeper gave up waiting on the counters.
	Forced bool
}

// CompletionNotifier tells the customer about completed stages. The returned
// handle resolves once delivery was attempted; callers decide whether to
// wait on it.
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, evt CompletionEvent) *task.Handle
}

// NewCompletionEvents builds one event per transitioned stage.
func NewCompletionEvents(p *Patient, stages []ProgressType, documents []json.RawMessage) []CompletionEvent {
	events := make([]CompletionEvent, 0, len(stages))
	for _, stage := range stages {
		evt := CompletionEvent{
			CxID:      p.CxID,
			PatientID: p.ID,
			Stage:     stage,
			Documents: documents,
		}
		if dqp := p.DocumentQueryProgress; dqp != nil {
			evt.RequestID = dqp.RequestID
			if sp := dqp.Stage(stage); sp != nil {
				evt.Progress = *sp.Clone()
			}
		}
		events = append(events, evt)
	}
	return events
}
