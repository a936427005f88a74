package webhook

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HealthTracker keeps a customer's webhookEnabled flag in line with the last
// delivery outcome.
type HealthTracker struct {
	settings SettingsRepository
	logger   zerolog.Logger
}

func NewHealthTracker(settings SettingsRepository, logger zerolog.Logger) *HealthTracker {
	return &HealthTracker{
		settings: settings,
		logger:   logger.With().Str("component", "webhook-health").Logger(),
	}
}

// MarkHealthy re-enables a disabled webhook. Settings that are already enabled
// are not written.
func (h *HealthTracker) MarkHealthy(ctx context.Context, s *Settings) error {
	if s == nil || s.WebhookEnabled {
		return nil
	}
	if err := h.settings.UpdateHealth(ctx, s.ID, true, strPtr(StatusDetailOK)); err != nil {
		return err
	}
	s.WebhookEnabled = true
	s.WebhookStatusDetail = strPtr(StatusDetailOK)
	h.logger.Info().Str("cx_id", s.ID.String()).Msg("webhook re-enabled")
	return nil
}

// MarkUnhealthy disables the webhook and records why.
func (h *HealthTracker) MarkUnhealthy(ctx context.Context, cxID uuid.UUID, detail string) error {
	if err := h.settings.UpdateHealth(ctx, cxID, false, &detail); err != nil {
		return err
	}
	h.logger.Warn().Str("cx_id", cxID.String()).Str("detail", detail).Msg("webhook disabled")
	return nil
}

// Reset disables the webhook until the new configuration is verified.
func (h *HealthTracker) Reset(ctx context.Context, cxID uuid.UUID) error {
	return h.settings.UpdateHealth(ctx, cxID, false, strPtr(StatusDetailPending))
}
