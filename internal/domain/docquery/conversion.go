package docquery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docquery/internal/platform/apperr"
	"github.com/ehr/docquery/internal/platform/queue"
)

// ConversionMessage is the converter's per-document callback.
type ConversionMessage struct {
	CxID      uuid.UUID        `json:"cxId"`
	PatientID uuid.UUID        `json:"patientId"`
	Source    string           `json:"source,omitempty"`
	Result    ConversionResult `json:"result"`
	Count     int              `json:"count,omitempty"`
}

// ParseConversionMessage decodes and checks a callback. A missing count
// means one document.
func ParseConversionMessage(value []byte) (*ConversionMessage, error) {
	var msg ConversionMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, apperr.Validation("message", "invalid json: %v", err)
	}
	if msg.CxID == uuid.Nil {
		return nil, apperr.Validation("cxId", "is required")
	}
	if msg.PatientID == uuid.Nil {
		return nil, apperr.Validation("patientId", "is required")
	}
	if !msg.Result.Valid() {
		return nil, apperr.Validation("result", "must be success or failed, got %q", msg.Result)
	}
	if msg.Count < 0 {
		return nil, apperr.Validation("count", "must not be negative")
	}
	if msg.Count == 0 {
		msg.Count = 1
	}
	return &msg, nil
}

// ConversionListener applies conversion callbacks from the queue.
type ConversionListener struct {
	svc      *Service
	notifier CompletionNotifier
	logger   zerolog.Logger
}

func NewConversionListener(svc *Service, notifier CompletionNotifier, logger zerolog.Logger) *ConversionListener {
	return &ConversionListener{
		svc:      svc,
		notifier: notifier,
		logger:   logger.With().Str("component", "conversion-listener").Logger(),
	}
}

// Handle is a queue.Handler. Malformed messages and unknown patients are
// permanent failures; persistence errors are retried.
func (l *ConversionListener) Handle(ctx context.Context, value []byte) error {
	msg, err := ParseConversionMessage(value)
	if err != nil {
		return queue.Permanent(err)
	}
	src, err := parseSource(msg.Source)
	if err != nil {
		return queue.Permanent(err)
	}

	ref := PatientRef{CxID: msg.CxID, PatientID: msg.PatientID}
	res, err := l.svc.RecordConversionResult(ctx, ref, src, msg.Result, msg.Count)
	if err != nil {
		if apperr.IsNotFound(err) || apperr.IsValidation(err) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("record conversion result: %w", err)
	}

	l.logger.Debug().
		Str("cx_id", msg.CxID.String()).
		Str("patient_id", msg.PatientID.String()).
		Str("result", string(msg.Result)).
		Int("count", msg.Count).
		Msg("conversion result recorded")

	if l.notifier != nil {
		for _, evt := range res.Events() {
			l.notifier.NotifyCompletion(ctx, evt)
		}
	}
	return nil
}
