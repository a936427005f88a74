package docquery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProgressStatus is the state of one stage of a document query.
type ProgressStatus string

const (
	StatusProcessing ProgressStatus = "processing"
	StatusCompleted  ProgressStatus = "completed"
	StatusFailed     ProgressStatus = "failed"
)

func (s ProgressStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s ProgressStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProgressType names a stage of a document query.
type ProgressType string

const (
	StageDownload ProgressType = "download"
	StageConvert  ProgressType = "convert"
)

var Stages = []ProgressType{StageDownload, StageConvert}

func ParseProgressType(s string) (ProgressType, error) {
	switch ProgressType(s) {
	case StageDownload, StageConvert:
		return ProgressType(s), nil
	}
	return "", fmt.Errorf("unknown progress type %q", s)
}

// HieSource identifies the exchange network a per-source progress came from.
type HieSource string

const (
	SourceCommonWell  HieSource = "COMMONWELL"
	SourceCareQuality HieSource = "CAREQUALITY"
)

func AllSources() []HieSource {
	return []HieSource{SourceCommonWell, SourceCareQuality}
}

func ParseHieSource(s string) (HieSource, error) {
	for _, src := range AllSources() {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown HIE source %q", s)
}

// Progress holds the counters of one stage. Nil counters are unknown, which is
// different from zero: a stage without a total can't be numerically complete.
type Progress struct {
	Status     ProgressStatus `json:"status"`
	Total      *int           `json:"total,omitempty"`
	Successful *int           `json:"successful,omitempty"`
	Errors     *int           `json:"errors,omitempty"`
}

func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	return &Progress{
		Status:     p.Status,
		Total:      clonePtr(p.Total),
		Successful: clonePtr(p.Successful),
		Errors:     clonePtr(p.Errors),
	}
}

// NumericallyComplete reports whether the counters already cover the total.
func (p *Progress) NumericallyComplete() bool {
	if p == nil || p.Total == nil {
		return false
	}
	return DeriveStatus(deref(p.Successful), deref(p.Errors), *p.Total) == StatusCompleted
}

// DocumentQueryProgress is the progress of the latest document query, kept
// once for the patient and once per HIE source.
type DocumentQueryProgress struct {
	Download            *Progress  `json:"download,omitempty"`
	Convert             *Progress  `json:"convert,omitempty"`
	RequestID           string     `json:"requestId,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	TriggerConsolidated *bool      `json:"triggerConsolidated,omitempty"`
}

func (d *DocumentQueryProgress) Clone() *DocumentQueryProgress {
	if d == nil {
		return nil
	}
	return &DocumentQueryProgress{
		Download:            d.Download.Clone(),
		Convert:             d.Convert.Clone(),
		RequestID:           d.RequestID,
		StartedAt:           clonePtr(d.StartedAt),
		TriggerConsolidated: clonePtr(d.TriggerConsolidated),
	}
}

// Stage returns the progress of the given stage, or nil.
func (d *DocumentQueryProgress) Stage(t ProgressType) *Progress {
	if d == nil {
		return nil
	}
	if t == StageConvert {
		return d.Convert
	}
	return d.Download
}

func (d *DocumentQueryProgress) setStage(t ProgressType, p *Progress) {
	if t == StageConvert {
		d.Convert = p
		return
	}
	d.Download = p
}

// SourceData is the per-source entry of a patient's external data. Only the
// document query progress is owned by this package; every other key is kept
// exactly as stored.
type SourceData struct {
	DocumentQueryProgress      *DocumentQueryProgress
	DiscoveryParams            json.RawMessage
	ScheduledDocQueryRequestID *string

	rest map[string]json.RawMessage
}

const (
	keyDocumentQueryProgress = "documentQueryProgress"
	keyDiscoveryParams       = "discoveryParams"
	keyScheduledDocQuery     = "scheduledDocQueryRequestId"
)

func (s *SourceData) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = SourceData{}
	if v, ok := raw[keyDocumentQueryProgress]; ok {
		if err := json.Unmarshal(v, &s.DocumentQueryProgress); err != nil {
			return fmt.Errorf("%s: %w", keyDocumentQueryProgress, err)
		}
		delete(raw, keyDocumentQueryProgress)
	}
	if v, ok := raw[keyDiscoveryParams]; ok {
		s.DiscoveryParams = append(json.RawMessage(nil), v...)
		delete(raw, keyDiscoveryParams)
	}
	if v, ok := raw[keyScheduledDocQuery]; ok {
		if err := json.Unmarshal(v, &s.ScheduledDocQueryRequestID); err != nil {
			return fmt.Errorf("%s: %w", keyScheduledDocQuery, err)
		}
		delete(raw, keyScheduledDocQuery)
	}
	if len(raw) > 0 {
		s.rest = raw
	}
	return nil
}

func (s SourceData) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.rest)+3)
	for k, v := range s.rest {
		out[k] = v
	}
	if s.DocumentQueryProgress != nil {
		b, err := json.Marshal(s.DocumentQueryProgress)
		if err != nil {
			return nil, err
		}
		out[keyDocumentQueryProgress] = b
	}
	if len(s.DiscoveryParams) > 0 {
		out[keyDiscoveryParams] = s.DiscoveryParams
	}
	if s.ScheduledDocQueryRequestID != nil {
		b, err := json.Marshal(*s.ScheduledDocQueryRequestID)
		if err != nil {
			return nil, err
		}
		out[keyScheduledDocQuery] = b
	}
	return json.Marshal(out)
}

func (s *SourceData) Clone() *SourceData {
	if s == nil {
		return nil
	}
	c := &SourceData{
		DocumentQueryProgress:      s.DocumentQueryProgress.Clone(),
		DiscoveryParams:            append(json.RawMessage(nil), s.DiscoveryParams...),
		ScheduledDocQueryRequestID: clonePtr(s.ScheduledDocQueryRequestID),
	}
	if len(s.DiscoveryParams) == 0 {
		c.DiscoveryParams = nil
	}
	if s.rest != nil {
		c.rest = make(map[string]json.RawMessage, len(s.rest))
		for k, v := range s.rest {
			c.rest[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// ExternalData maps each HIE source to its entry.
type ExternalData map[HieSource]*SourceData

func (e ExternalData) Clone() ExternalData {
	if e == nil {
		return nil
	}
	out := make(ExternalData, len(e))
	for k, v := range e {
		out[k] = v.Clone()
	}
	return out
}

// ConsolidatedQuery is a customer-initiated bulk export, tracked separately
// from the document query and keyed by request id.
type ConsolidatedQuery struct {
	RequestID      string         `json:"requestId"`
	Status         ProgressStatus `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	Resources      []string       `json:"resources,omitempty"`
	ConversionType string         `json:"conversionType,omitempty"`
	DateFrom       string         `json:"dateFrom,omitempty"`
	DateTo         string         `json:"dateTo,omitempty"`
}

func cloneConsolidated(in []ConsolidatedQuery) []ConsolidatedQuery {
	if in == nil {
		return nil
	}
	out := make([]ConsolidatedQuery, len(in))
	for i, q := range in {
		q.Resources = append([]string(nil), q.Resources...)
		out[i] = q
	}
	return out
}

// PatientRef addresses a patient within a customer.
type PatientRef struct {
	CxID      uuid.UUID
	PatientID uuid.UUID
}

func (r PatientRef) String() string {
	return r.CxID.String() + "/" + r.PatientID.String()
}

// Patient is the slice of the patient record this package reads. Demographics
// is carried as stored and never rewritten by progress mutations.
type Patient struct {
	ID                    uuid.UUID              `db:"id" json:"id"`
	CxID                  uuid.UUID              `db:"cx_id" json:"cxId"`
	FacilityIDs           []uuid.UUID            `db:"facility_ids" json:"facilityIds,omitempty"`
	Demographics          json.RawMessage        `db:"data" json:"data,omitempty"`
	DocumentQueryProgress *DocumentQueryProgress `db:"document_query_progress" json:"documentQueryProgress,omitempty"`
	ExternalData          ExternalData           `db:"external_data" json:"externalData,omitempty"`
	ConsolidatedQueries   []ConsolidatedQuery    `db:"consolidated_queries" json:"consolidatedQueries,omitempty"`
	CreatedAt             time.Time              `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time              `db:"updated_at" json:"updatedAt"`
}

func (p *Patient) Ref() PatientRef {
	return PatientRef{CxID: p.CxID, PatientID: p.ID}
}

// Clone returns a deep copy so mutation callbacks never alias stored state.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	c := *p
	c.FacilityIDs = append([]uuid.UUID(nil), p.FacilityIDs...)
	if p.FacilityIDs == nil {
		c.FacilityIDs = nil
	}
	c.Demographics = append(json.RawMessage(nil), p.Demographics...)
	if p.Demographics == nil {
		c.Demographics = nil
	}
	c.DocumentQueryProgress = p.DocumentQueryProgress.Clone()
	c.ExternalData = p.ExternalData.Clone()
	c.ConsolidatedQueries = cloneConsolidated(p.ConsolidatedQueries)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
