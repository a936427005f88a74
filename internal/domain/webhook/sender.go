package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docquery/internal/platform/apperr"
)

const (
	DefaultTimeout = 2 * time.Second

	HeaderKey       = "x-webhook-key"
	HeaderSignature = "x-webhook-signature"
	userAgent       = "DocQuery-Webhooks/1.0"

	// Customer responses are only read for the pong check.
	maxResponseBody = 64 << 10
)

// Sender records webhook requests in the ledger and POSTs them to the
// customer's endpoint.
type Sender struct {
	requests RequestRepository
	settings SettingsRepository
	health   *HealthTracker
	client   *http.Client
	timeout  time.Duration
	logger   zerolog.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.client = c }
}

// WithTimeout bounds every POST, including the ping.
func WithTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewSender(requests RequestRepository, settings SettingsRepository, health *HealthTracker, logger zerolog.Logger, opts ...SenderOption) *Sender {
	s := &Sender{
		requests: requests,
		settings: settings,
		health:   health,
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		logger:   logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under key.
func SignPayload(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is SignPayload(payload, key).
func VerifySignature(payload []byte, key, signature string) bool {
	expected := SignPayload(payload, key)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Record creates the ledger entry for payload, which must encode to a JSON
// object.
func (s *Sender) Record(ctx context.Context, cxID uuid.UUID, typ string, payload any) (*Request, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	req := &Request{CxID: cxID, Type: typ, Payload: raw}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Send records payload and delivers it. Failures are recorded on the ledger
// and the customer's settings; they are never returned.
func (s *Sender) Send(ctx context.Context, cxID uuid.UUID, typ string, payload any) bool {
	req, err := s.Record(ctx, cxID, typ, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("cx_id", cxID.String()).Str("type", typ).Msg("failed to record webhook request")
		return false
	}
	return s.Deliver(ctx, req, nil)
}

// Deliver POSTs an existing ledger entry and records the outcome. settings
// is loaded when nil.
func (s *Sender) Deliver(ctx context.Context, req *Request, settings *Settings) bool {
	log := s.logger.With().
		Str("cx_id", req.CxID.String()).
		Str("request_id", req.ID.String()).
		Str("type", req.Type).
		Logger()

	if settings == nil {
		loaded, err := s.settings.Get(ctx, req.CxID)
		if err != nil && !apperr.IsNotFound(err) {
			log.Error().Err(err).Msg("failed to load webhook settings")
			s.finish(ctx, log, req, RequestFailure, strPtr("Internal error: "+err.Error()))
			return false
		}
		settings = loaded
	}
	if !settings.Configured() {
		log.Warn().Msg("webhook not configured")
		s.finish(ctx, log, req, RequestFailure, strPtr("webhook not configured"))
		return false
	}

	body, err := buildBody(req)
	if err != nil {
		log.Error().Err(err).Msg("failed to build webhook body")
		s.finish(ctx, log, req, RequestFailure, strPtr("Internal error: "+err.Error()))
		return false
	}

	start := time.Now()
	if _, err := s.post(ctx, *settings.WebhookURL, *settings.WebhookKey, body); err != nil {
		detail := s.statusDetail(err)
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("webhook delivery failed")
		s.finish(ctx, log, req, RequestFailure, &detail)
		if herr := s.health.MarkUnhealthy(ctx, req.CxID, detail); herr != nil {
			log.Error().Err(herr).Msg("failed to disable webhook")
		} else {
			settings.WebhookEnabled = false
			settings.WebhookStatusDetail = &detail
		}
		return false
	}

	log.Debug().Dur("elapsed", time.Since(start)).Msg("webhook delivered")
	s.finish(ctx, log, req, RequestSuccess, nil)
	if err := s.health.MarkHealthy(ctx, settings); err != nil {
		log.Error().Err(err).Msg("failed to re-enable webhook")
	}
	return true
}

// TestPayload pings url and reports whether it answered with the matching
// pong. Nothing is written to the ledger.
func (s *Sender) TestPayload(ctx context.Context, url, key string) (bool, error) {
	ping := uuid.NewString()
	body, err := json.Marshal(map[string]string{"ping": ping})
	if err != nil {
		return false, err
	}
	resp, err := s.post(ctx, url, key, body)
	if err != nil {
		return false, err
	}
	var pong struct {
		Pong string `json:"pong"`
	}
	if err := json.Unmarshal(resp, &pong); err != nil {
		return false, nil
	}
	return pong.Pong == ping, nil
}

func (s *Sender) post(ctx context.Context, url, key string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &apperr.DeliveryError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(HeaderKey, key)
	httpReq.Header.Set(HeaderSignature, "sha256="+SignPayload(body, key))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &apperr.DeliveryError{Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, &apperr.DeliveryError{StatusCode: resp.StatusCode}
	}
	if err != nil {
		return nil, &apperr.DeliveryError{Timeout: isTimeout(err), Err: err}
	}
	return respBody, nil
}

func (s *Sender) finish(ctx context.Context, log zerolog.Logger, req *Request, status RequestStatus, detail *string) {
	req.Status = status
	req.StatusDetail = detail
	if err := s.requests.UpdateStatus(ctx, req.ID, status, detail); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to update webhook request")
	}
}

// statusDetail is the human-readable cause stored on the ledger and settings.
func (s *Sender) statusDetail(err error) string {
	var de *apperr.DeliveryError
	if !errors.As(err, &de) {
		return "Internal error: " + err.Error()
	}
	if de.Timeout {
		return fmt.Sprintf("timed out after %s", s.timeout)
	}
	return de.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Validation("payload", "cannot encode: %v", err)
		}
		raw = b
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, apperr.Validation("payload", "must be a JSON object")
	}
	return json.RawMessage(raw), nil
}

// buildBody prepends the meta block to the stored payload.
func buildBody(req *Request) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &fields); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	meta, err := json.Marshal(Meta{
		MessageID: req.ID.String(),
		When:      req.CreatedAt.UTC().Format(time.RFC3339),
		Type:      req.Type,
	})
	if err != nil {
		return nil, err
	}
	fields["meta"] = meta
	return json.Marshal(fields)
}
