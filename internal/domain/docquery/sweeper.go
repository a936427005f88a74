package docquery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docquery/internal/platform/task"
)

const (
	DefaultStaleAfter     = 30 * time.Minute
	DefaultSweepInterval  = 5 * time.Minute
	DefaultSweepBatchSize = 1000
)

// SweptStage is one stage the sweep completed.
type SweptStage struct {
	Ref   PatientRef
	Stage ProgressType
}

// SweepFailure records a patient the sweep could not update.
type SweepFailure struct {
	Ref   PatientRef
	Error string
}

// SweepReport summarises one sweep run.
type SweepReport struct {
	// Completed had counters that already covered the total.
	Completed []SweptStage
	// Abandoned were processing for longer than the stale window and were
	// completed regardless of their counters.
	Abandoned []SweptStage
	// Skipped were completed by the live path between selection and lock.
	Skipped      int
	Failed       []SweepFailure
	Notified     int
	NotifyFailed int
	// Truncated is set when candidates were left over because a batch was
	// full and the next one turned up no patient not already tried.
	Truncated bool
}

type sweepReason int

const (
	sweepNone sweepReason = iota
	sweepByCounters
	sweepStale
)

// Sweeper completes document query stages that are stuck in processing.
type Sweeper struct {
	repo       PatientRepository
	notifier   CompletionNotifier
	logger     zerolog.Logger
	staleAfter time.Duration
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

func WithStaleAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func NewSweeper(repo PatientRepository, notifier CompletionNotifier, logger zerolog.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repo:       repo,
		notifier:   notifier,
		logger:     logger.With().Str("component", "sweeper").Logger(),
		staleAfter: DefaultStaleAfter,
		interval:   DefaultSweepInterval,
		batchSize:  DefaultSweepBatchSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs Sweep on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Dur("stale_after", s.staleAfter).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, nil); err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep completes the stuck download and convert stages of every matching
// patient, optionally limited to patientIDs, and notifies the customer for
// each. A failure on one patient is recorded and the sweep moves on.
// Candidates are read in batches until a batch comes back short.
func (s *Sweeper) Sweep(ctx context.Context, patientIDs []uuid.UUID) (*SweepReport, error) {
	report := &SweepReport{}
	cutoff := s.now().Add(-s.staleAfter)
	tried := make(map[PatientRef]bool)

	var handles []*task.Handle
	for {
		order, stagesByRef, full, err := s.selectBatch(ctx, cutoff, patientIDs, tried)
		if err != nil {
			return report, err
		}
		if len(order) == 0 {
			report.Truncated = full
			break
		}

		for _, ref := range order {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			tried[ref] = true
			handles = append(handles, s.sweepOne(ctx, ref, stagesByRef[ref], cutoff, report)...)
		}
		if !full {
			break
		}
	}

	ok, err := task.WaitAll(ctx, handles)
	report.Notified = ok
	report.NotifyFailed = len(handles) - ok
	if err != nil {
		return report, err
	}

	if len(report.Completed)+len(report.Abandoned)+len(report.Failed) > 0 || report.Truncated {
		s.logger.Info().
			Int("completed", len(report.Completed)).
			Int("abandoned", len(report.Abandoned)).
			Int("skipped", report.Skipped).
			Int("failed", len(report.Failed)).
			Int("notified", report.Notified).
			Bool("truncated", report.Truncated).
			Msg("sweep finished")
	}
	return report, nil
}

// selectBatch lists the next candidates of both stages, leaving out patients
// already tried in this sweep. full reports whether any stage filled its
// batch, meaning more candidates may be waiting.
//
// Both stages are selected before anything is written: completing one stage
// touches updated_at and would hide the other from the stale check.
func (s *Sweeper) selectBatch(ctx context.Context, cutoff time.Time, patientIDs []uuid.UUID, tried map[PatientRef]bool) ([]PatientRef, map[PatientRef][]ProgressType, bool, error) {
	var order []PatientRef
	stagesByRef := make(map[PatientRef][]ProgressType)
	full := false
	for _, stage := range Stages {
		refs, err := s.repo.ListSweepCandidates(ctx, stage, cutoff, patientIDs, s.batchSize)
		if err != nil {
			return nil, nil, false, fmt.Errorf("list %s sweep candidates: %w", stage, err)
		}
		if len(refs) >= s.batchSize {
			full = true
		}
		for _, ref := range refs {
			if tried[ref] {
				continue
			}
			if _, ok := stagesByRef[ref]; !ok {
				order = append(order, ref)
			}
			stagesByRef[ref] = append(stagesByRef[ref], stage)
		}
	}
	return order, stagesByRef, full, nil
}

// sweepOne sweeps one patient into report and returns the notification
// handles.
func (s *Sweeper) sweepOne(ctx context.Context, ref PatientRef, stages []ProgressType, cutoff time.Time, report *SweepReport) []*task.Handle {
	reasons, patient, err := s.sweepPatient(ctx, ref, stages, cutoff)
	if err != nil {
		s.logger.Error().Err(err).
			Str("cx_id", ref.CxID.String()).
			Str("patient_id", ref.PatientID.String()).
			Msg("sweep failed for patient")
		report.Failed = append(report.Failed, SweepFailure{Ref: ref, Error: err.Error()})
		return nil
	}

	var handles []*task.Handle
	for _, stage := range stages {
		reason := reasons[stage]
		switch reason {
		case sweepNone:
			report.Skipped++
			continue
		case sweepByCounters:
			report.Completed = append(report.Completed, SweptStage{Ref: ref, Stage: stage})
		case sweepStale:
			report.Abandoned = append(report.Abandoned, SweptStage{Ref: ref, Stage: stage})
		}
		for _, evt := range NewCompletionEvents(patient, []ProgressType{stage}, nil) {
			evt.Forced = reason == sweepStale
			handles = append(handles, s.notifier.NotifyCompletion(ctx, evt))
		}
	}
	return handles
}

// sweepPatient re-checks the selection under the row lock, since the live
// path may have completed a stage after it was listed.
func (s *Sweeper) sweepPatient(ctx context.Context, ref PatientRef, stages []ProgressType, cutoff time.Time) (map[ProgressType]sweepReason, *Patient, error) {
	var reasons map[ProgressType]sweepReason
	var counters map[ProgressType]Progress
	var lastUpdate time.Time

	updated, err := s.repo.UpdateProgress(ctx, ref, func(p *Patient) error {
		reasons = make(map[ProgressType]sweepReason, len(stages))
		counters = make(map[ProgressType]Progress, len(stages))
		lastUpdate = p.UpdatedAt

		for _, stage := range stages {
			sp := p.DocumentQueryProgress.Stage(stage)
			if sp == nil || sp.Status != StatusProcessing {
				continue
			}
			switch {
			case sp.NumericallyComplete():
				reasons[stage] = sweepByCounters
			case p.UpdatedAt.Before(cutoff):
				reasons[stage] = sweepStale
			default:
				continue
			}

			counters[stage] = *sp.Clone()
			sp.Status = StatusCompleted
			for _, sd := range p.ExternalData {
				if sd == nil {
					continue
				}
				if src := sd.DocumentQueryProgress.Stage(stage); src != nil && src.Status == StatusProcessing {
					src.Status = StatusCompleted
				}
			}
		}
		if len(reasons) == 0 {
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for stage, reason := range reasons {
		log := s.logger.With().
			Str("cx_id", ref.CxID.String()).
			Str("patient_id", ref.PatientID.String()).
			Str("stage", string(stage)).
			Logger()
		switch reason {
		case sweepByCounters:
			log.Info().Msg("stage complete by counters")
		case sweepStale:
			c := counters[stage]
			log.Warn().
				Int("total", deref(c.Total)).
				Int("successful", deref(c.Successful)).
				Int("errors", deref(c.Errors)).
				Time("last_update", lastUpdate).
				Msg("stage abandoned; forcing completion")
		}
	}
	return reasons, updated, nil
}
