package webhook

import (
	"context"
	"encoding/json"

	"github.com/ehr/docquery/internal/domain/docquery"
	"github.com/ehr/docquery/internal/platform/task"
)

// DocumentNotifier turns document query completions into customer webhooks.
type DocumentNotifier struct {
	submitter Submitter
}

func NewDocumentNotifier(submitter Submitter) *DocumentNotifier {
	return &DocumentNotifier{submitter: submitter}
}

var _ docquery.CompletionNotifier = (*DocumentNotifier)(nil)

type documentPayload struct {
	Patients []patientPayload `json:"patients"`
}

type patientPayload struct {
	PatientID string            `json:"patientId"`
	Status    string            `json:"status"`
	RequestID string            `json:"requestId,omitempty"`
	Documents []json.RawMessage `json:"documents,omitempty"`
}

// MessageType maps a progress stage to its webhook type.
func MessageType(stage docquery.ProgressType) string {
	if stage == docquery.StageConvert {
		return TypeDocumentConversion
	}
	return TypeDocumentDownload
}

func (n *DocumentNotifier) NotifyCompletion(ctx context.Context, evt docquery.CompletionEvent) *task.Handle {
	status := evt.Progress.Status
	if status == "" {
		status = docquery.StatusCompleted
	}
	payload := documentPayload{Patients: []patientPayload{{
		PatientID: evt.PatientID.String(),
		Status:    string(status),
		RequestID: evt.RequestID,
		Documents: evt.Documents,
	}}}
	return n.submitter.Submit(ctx, evt.CxID, MessageType(evt.Stage), payload)
}
