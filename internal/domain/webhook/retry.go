package webhook

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docquery/internal/platform/apperr"
)

const DefaultRetryJitter = 200 * time.Millisecond

// RetryReport summarises one RetryFailed pass.
type RetryReport struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Retrier replays a customer's failed webhook requests.
type Retrier struct {
	requests RequestRepository
	settings SettingsRepository
	sender   *Sender
	jitter   time.Duration
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewRetrier(requests RequestRepository, settings SettingsRepository, sender *Sender, jitter time.Duration, logger zerolog.Logger) *Retrier {
	if jitter < 0 {
		jitter = 0
	}
	return &Retrier{
		requests: requests,
		settings: settings,
		sender:   sender,
		jitter:   jitter,
		logger:   logger.With().Str("component", "webhook-retry").Logger(),
		sleep:    sleepCtx,
	}
}

// RetryFailed makes one pass over the customer's failed requests, oldest
// first. They are all flipped to processing before the first send, so a
// concurrent pass can't pick them up again, and each is then delivered
// through the regular path with a random pause between sends.
func (r *Retrier) RetryFailed(ctx context.Context, cxID uuid.UUID) (*RetryReport, error) {
	report := &RetryReport{}
	log := r.logger.With().Str("cx_id", cxID.String()).Logger()

	failed, err := r.requests.ListByStatus(ctx, cxID, RequestFailure)
	if err != nil {
		log.Error().Err(err).Msg("failed to list failed webhook requests")
		return report, err
	}
	if len(failed) == 0 {
		return report, nil
	}

	settings, err := r.settings.Get(ctx, cxID)
	if apperr.IsNotFound(err) {
		settings = &Settings{ID: cxID}
	} else if err != nil {
		log.Error().Err(err).Msg("failed to load webhook settings")
		return report, err
	}

	ids := make([]uuid.UUID, len(failed))
	for i, req := range failed {
		ids[i] = req.ID
	}
	flipped, err := r.requests.MarkProcessing(ctx, ids)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim webhook requests")
		return report, err
	}
	claimed := make(map[uuid.UUID]bool, len(flipped))
	for _, id := range flipped {
		claimed[id] = true
	}

	var queue []*Request
	for _, req := range failed {
		if claimed[req.ID] {
			queue = append(queue, req)
		}
	}
	report.Total = len(queue)

	log.Info().Int("total", report.Total).Msg("retrying failed webhook requests")

	for i, req := range queue {
		if i > 0 && r.jitter > 0 {
			if err := r.sleep(ctx, rand.N(r.jitter)); err != nil {
				r.release(ctx, log, queue[i:])
				return report, err
			}
		}
		if err := ctx.Err(); err != nil {
			r.release(ctx, log, queue[i:])
			return report, err
		}
		if r.sender.Deliver(ctx, req, settings) {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	log.Info().
		Int("total", report.Total).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("webhook retry finished")
	return report, nil
}

// release puts claimed but unsent requests back to failure so the next pass
// picks them up.
func (r *Retrier) release(ctx context.Context, log zerolog.Logger, pending []*Request) {
	ctx = context.WithoutCancel(ctx)
	detail := "retry interrupted"
	for _, req := range pending {
		if err := r.requests.UpdateStatus(ctx, req.ID, RequestFailure, &detail); err != nil {
			log.Error().Err(err).Str("request_id", req.ID.String()).Msg("failed to release webhook request")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
