package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docquery/internal/platform/apperr"
)

const MaxWebhookURLLength = 2048

// Substrings that point a webhook back at us or at cloud metadata services.
var webhookURLBlacklist = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"169.254.169.254",
	"[::1]",
	"[::]",
	"metadata.google.internal",
	"/internal",
	"amazonaws.com",
}

var webhookURLExactBlacklist = []string{"0"}

// ValidateWebhookURL checks a customer-supplied webhook URL. The empty string
// is valid and means "no webhook".
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > MaxWebhookURLLength {
		return apperr.Validation("webhookUrl", "must be at most %d characters", MaxWebhookURLLength)
	}
	for _, exact := range webhookURLExactBlacklist {
		if raw == exact {
			return apperr.Validation("webhookUrl", "is not allowed")
		}
	}
	lower := strings.ToLower(raw)
	for _, blocked := range webhookURLBlacklist {
		if strings.Contains(lower, blocked) {
			return apperr.Validation("webhookUrl", "must not reference %s", blocked)
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return apperr.Validation("webhookUrl", "invalid url: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return apperr.Validation("webhookUrl", "scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return apperr.Validation("webhookUrl", "host is required")
	}
	return nil
}

// generateKey produces the random key customers use to authenticate our
// requests.
func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// WebhookStatus is the customer-facing view of webhook health.
type WebhookStatus struct {
	WebhookEnabled            bool    `json:"webhookEnabled"`
	WebhookStatusDetail       *string `json:"webhookStatusDetail"`
	WebhookRequestsProcessing int     `json:"webhookRequestsProcessing"`
	WebhookRequestsFailed     int     `json:"webhookRequestsFailed"`
}

// SettingsService manages a customer's webhook configuration.
type SettingsService struct {
	settings SettingsRepository
	requests RequestRepository
	health   *HealthTracker
	sender   *Sender
	logger   zerolog.Logger
}

func NewSettingsService(settings SettingsRepository, requests RequestRepository, health *HealthTracker, sender *Sender, logger zerolog.Logger) *SettingsService {
	return &SettingsService{
		settings: settings,
		requests: requests,
		health:   health,
		sender:   sender,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
}

// Get returns the customer's settings, creating the defaults on first read.
func (s *SettingsService) Get(ctx context.Context, cxID uuid.UUID) (*Settings, error) {
	return s.settings.GetOrCreate(ctx, cxID)
}

// Update sets the webhook URL. The key is generated the first time a URL is
// set and kept afterwards. A new URL starts disabled and is pinged; the ping
// decides whether the webhook is enabled.
func (s *SettingsService) Update(ctx context.Context, cxID uuid.UUID, webhookURL string) (*Settings, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return nil, err
	}
	current, err := s.settings.GetOrCreate(ctx, cxID)
	if err != nil {
		return nil, err
	}

	if webhookURL == "" {
		updated, err := s.settings.UpdateWebhook(ctx, cxID, nil, current.WebhookKey)
		if err != nil {
			return nil, err
		}
		if err := s.settings.UpdateHealth(ctx, cxID, false, nil); err != nil {
			return nil, err
		}
		updated.WebhookEnabled = false
		updated.WebhookStatusDetail = nil
		return updated, nil
	}

	key := current.WebhookKey
	if key == nil || *key == "" {
		k, err := generateKey()
		if err != nil {
			return nil, fmt.Errorf("generate webhook key: %w", err)
		}
		key = &k
	}
	updated, err := s.settings.UpdateWebhook(ctx, cxID, &webhookURL, key)
	if err != nil {
		return nil, err
	}
	if err := s.health.Reset(ctx, cxID); err != nil {
		return nil, err
	}
	updated.WebhookEnabled = false
	updated.WebhookStatusDetail = strPtr(StatusDetailPending)

	if err := s.verify(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// verify pings the configured webhook and records the outcome.
func (s *SettingsService) verify(ctx context.Context, st *Settings) error {
	log := s.logger.With().Str("cx_id", st.ID.String()).Logger()
	ok, err := s.sender.TestPayload(ctx, *st.WebhookURL, *st.WebhookKey)
	if ok {
		log.Info().Msg("webhook verified")
		return s.health.MarkHealthy(ctx, st)
	}

	detail := "response did not echo the ping"
	if err != nil {
		detail = s.sender.statusDetail(err)
	}
	log.Warn().Str("detail", detail).Msg("webhook verification failed")
	if err := s.health.MarkUnhealthy(ctx, st.ID, detail); err != nil {
		return err
	}
	st.WebhookStatusDetail = &detail
	return nil
}

// Status reports webhook health along with the open ledger counts.
func (s *SettingsService) Status(ctx context.Context, cxID uuid.UUID) (*WebhookStatus, error) {
	st, err := s.settings.GetOrCreate(ctx, cxID)
	if err != nil {
		return nil, err
	}
	counts, err := s.requests.CountOpen(ctx, cxID)
	if err != nil {
		return nil, err
	}
	return &WebhookStatus{
		WebhookEnabled:            st.WebhookEnabled,
		WebhookStatusDetail:       st.WebhookStatusDetail,
		WebhookRequestsProcessing: counts.Processing,
		WebhookRequestsFailed:     counts.Failed,
	}, nil
}

// ListRequests pages through the customer's ledger, newest first.
func (s *SettingsService) ListRequests(ctx context.Context, cxID uuid.UUID, limit, offset int) ([]*Request, int, error) {
	return s.requests.List(ctx, cxID, limit, offset)
}
