package docquery

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/docquery/internal/platform/apperr"
)

// Service applies progress reports and query initialisations to patients.
// Every mutation goes through PatientRepository.UpdateProgress, whose row
// lock is the only concurrency control.
//
// The service never notifies customers. Callers get back the stages that
// became completed and must pass them to a CompletionNotifier themselves;
// forgetting to do so leaves progress correct but the customer uninformed.
type Service struct {
	repo   PatientRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo PatientRepository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "docquery").Logger(),
		now:    time.Now,
	}
}

// AppendParams is one progress report. With Source set the report applies to
// that HIE's entry and the patient-level progress is re-aggregated.
type AppendParams struct {
	Delta
	Source *HieSource
}

// AppendResult carries the updated patient and the stages that transitioned
// to completed.
type AppendResult struct {
	Patient   *Patient
	Completed []ProgressType
}

func (r *AppendResult) Events() []CompletionEvent {
	if r == nil {
		return nil
	}
	return NewCompletionEvents(r.Patient, r.Completed, nil)
}

func validateDelta(d Delta) error {
	for name, u := range map[string]StageUpdate{"download": d.Download, "convert": d.Convert} {
		if u.Delta == nil {
			continue
		}
		if !u.Delta.Status.Valid() {
			return apperr.Validation(name+".status", "unknown status %q", u.Delta.Status)
		}
		for field, v := range map[string]*int{"total": u.Delta.Total, "successful": u.Delta.Successful, "errors": u.Delta.Errors} {
			if v != nil && *v < 0 {
				return apperr.Validation(name+"."+field, "must not be negative")
			}
		}
	}
	if d.ConvertibleDownloadErrors < 0 {
		return apperr.Validation("convertibleDownloadErrors", "must not be negative")
	}
	return nil
}

// AppendProgress merges a progress report into the patient's progress.
func (s *Service) AppendProgress(ctx context.Context, ref PatientRef, params AppendParams) (*AppendResult, error) {
	if err := validateDelta(params.Delta); err != nil {
		return nil, err
	}

	var before *DocumentQueryProgress
	updated, err := s.repo.UpdateProgress(ctx, ref, func(p *Patient) error {
		before = p.DocumentQueryProgress.Clone()
		if params.Source == nil {
			p.DocumentQueryProgress = ApplyProgress(p.DocumentQueryProgress, params.Delta)
			return nil
		}
		sd := sourceEntry(p, *params.Source)
		sd.DocumentQueryProgress = ApplyProgress(sd.DocumentQueryProgress, params.Delta)
		if touched := StagesTouched(params.Delta); len(touched) > 0 {
			p.DocumentQueryProgress = AggregateSources(p.DocumentQueryProgress, p.ExternalData, touched...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &AppendResult{
		Patient:   updated,
		Completed: Transitions(before, updated.DocumentQueryProgress),
	}
	evt := s.logger.Debug().
		Str("cx_id", ref.CxID.String()).
		Str("patient_id", ref.PatientID.String())
	if params.Source != nil {
		evt = evt.Str("source", string(*params.Source))
	}
	evt.Int("completed_stages", len(res.Completed)).Msg("progress appended")
	return res, nil
}

// RecordConversionResult counts count converted (or failed) documents
// towards the convert stage.
func (s *Service) RecordConversionResult(ctx context.Context, ref PatientRef, source *HieSource, result ConversionResult, count int) (*AppendResult, error) {
	if !result.Valid() {
		return nil, apperr.Validation("result", "must be success or failed, got %q", result)
	}
	if count <= 0 {
		return nil, apperr.Validation("count", "must be positive")
	}

	var before *DocumentQueryProgress
	updated, err := s.repo.UpdateProgress(ctx, ref, func(p *Patient) error {
		before = p.DocumentQueryProgress.Clone()
		if source == nil {
			p.DocumentQueryProgress = ApplyConversionResult(p.DocumentQueryProgress, result, count)
			return nil
		}
		sd := sourceEntry(p, *source)
		sd.DocumentQueryProgress = ApplyConversionResult(sd.DocumentQueryProgress, result, count)
		p.DocumentQueryProgress = AggregateSources(p.DocumentQueryProgress, p.ExternalData, StageConvert)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &AppendResult{
		Patient:   updated,
		Completed: Transitions(before, updated.DocumentQueryProgress),
	}, nil
}

// InitParams starts a new document query.
type InitParams struct {
	RequestID           string
	StartedAt           time.Time
	TriggerConsolidated *bool
}

// InitDocumentQuery resets the patient's document query progress: download
// processing, convert cleared. The same progress is copied into every
// existing source entry; nothing else in those entries changes.
func (s *Service) InitDocumentQuery(ctx context.Context, ref PatientRef, params InitParams) (*Patient, error) {
	if params.RequestID == "" {
		return nil, apperr.Validation("requestId", "is required")
	}
	startedAt := params.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}

	fresh := &DocumentQueryProgress{
		Download:            &Progress{Status: StatusProcessing},
		RequestID:           params.RequestID,
		StartedAt:           &startedAt,
		TriggerConsolidated: clonePtr(params.TriggerConsolidated),
	}

	updated, err := s.repo.UpdateProgress(ctx, ref, func(p *Patient) error {
		p.DocumentQueryProgress = fresh.Clone()
		for _, sd := range p.ExternalData {
			if sd != nil {
				sd.DocumentQueryProgress = fresh.Clone()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("cx_id", ref.CxID.String()).
		Str("patient_id", ref.PatientID.String()).
		Str("request_id", params.RequestID).
		Msg("document query initialized")
	return updated, nil
}

// InitConsolidatedQuery registers a consolidated export. Finished entries are
// pruned. When an equivalent export is already processing it is returned
// instead and nothing is written.
func (s *Service) InitConsolidatedQuery(ctx context.Context, ref PatientRef, q ConsolidatedQuery) (*ConsolidatedQuery, *Patient, error) {
	if q.RequestID == "" {
		return nil, nil, apperr.Validation("requestId", "is required")
	}
	if q.Status == "" {
		q.Status = StatusProcessing
	}
	if q.StartedAt.IsZero() {
		q.StartedAt = s.now()
	}

	var effective ConsolidatedQuery
	updated, err := s.repo.UpdateProgress(ctx, ref, func(p *Patient) error {
		for _, existing := range p.ConsolidatedQueries {
			if existing.Status == StatusProcessing && sameConsolidatedParams(existing, q) {
				effective = existing
				return ErrNoChange
			}
		}

		kept := make([]ConsolidatedQuery, 0, len(p.ConsolidatedQueries)+1)
		for _, existing := range p.ConsolidatedQueries {
			if existing.Status == StatusProcessing {
				kept = append(kept, existing)
			}
		}
		p.ConsolidatedQueries = append(kept, q)
		effective = q
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &effective, updated, nil
}

// CompleteConsolidatedQuery sets the final status of one export so the next
// initialisation prunes it.
func (s *Service) CompleteConsolidatedQuery(ctx context.Context, ref PatientRef, requestID string, status ProgressStatus) (*Patient, error) {
	if !status.Terminal() {
		return nil, apperr.Validation("status", "must be completed or failed")
	}
	return s.repo.UpdateProgress(ctx, ref, func(p *Patient) error {
		for i := range p.ConsolidatedQueries {
			if p.ConsolidatedQueries[i].RequestID == requestID {
				p.ConsolidatedQueries[i].Status = status
				return nil
			}
		}
		return apperr.NotFound("consolidated query", requestID)
	})
}

// GetProgress returns the patient with its current progress.
func (s *Service) GetProgress(ctx context.Context, ref PatientRef) (*Patient, error) {
	return s.repo.Get(ctx, ref)
}

func sourceEntry(p *Patient, src HieSource) *SourceData {
	if p.ExternalData == nil {
		p.ExternalData = ExternalData{}
	}
	sd := p.ExternalData[src]
	if sd == nil {
		sd = &SourceData{}
		p.ExternalData[src] = sd
	}
	return sd
}

func sameConsolidatedParams(a, b ConsolidatedQuery) bool {
	if a.ConversionType != b.ConversionType || a.DateFrom != b.DateFrom || a.DateTo != b.DateTo {
		return false
	}
	ra := slices.Clone(a.Resources)
	rb := slices.Clone(b.Resources)
	slices.Sort(ra)
	slices.Sort(rb)
	return slices.Equal(slices.Compact(ra), slices.Compact(rb))
}

// IsNoChange reports whether err is the ErrNoChange sentinel.
func IsNoChange(err error) bool {
	return errors.Is(err, ErrNoChange)
}
