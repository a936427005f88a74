package docquery

import (
	"bytes"
	"encoding/json"
)

// ProgressDelta is the progress a pipeline reports for one stage. Counters are
// absolute values, so re-sending the same delta doesn't double count.
type ProgressDelta struct {
	Status     ProgressStatus `json:"status" validate:"required,oneof=processing completed failed"`
	Total      *int           `json:"total,omitempty" validate:"omitempty,min=0"`
	Successful *int           `json:"successful,omitempty" validate:"omitempty,min=0"`
	Errors     *int           `json:"errors,omitempty" validate:"omitempty,min=0"`
}

// StageUpdate is a tri-state instruction for one stage. The zero value leaves
// the stage untouched, Clear removes it, Delta merges into it. In JSON an
// omitted field is "untouched" and null is "clear".
type StageUpdate struct {
	Clear bool
	Delta *ProgressDelta
}

func KeepStage() StageUpdate { return StageUpdate{} }

func ClearStage() StageUpdate { return StageUpdate{Clear: true} }

func SetStage(d ProgressDelta) StageUpdate { return StageUpdate{Delta: &d} }

// Touched reports whether the update changes the stage at all.
func (u StageUpdate) Touched() bool { return u.Clear || u.Delta != nil }

func (u *StageUpdate) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*u = ClearStage()
		return nil
	}
	var d ProgressDelta
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*u = SetStage(d)
	return nil
}

// Delta is everything one progress report can change.
type Delta struct {
	Download                  StageUpdate
	Convert                   StageUpdate
	ConvertibleDownloadErrors int
	// Reset starts the updated stages from scratch and clears the stages the
	// report does not mention.
	Reset bool
}

// ApplyProgress returns the progress that results from applying d to current.
// current is not modified.
func ApplyProgress(current *DocumentQueryProgress, d Delta) *DocumentQueryProgress {
	next := current.Clone()
	if next == nil {
		next = &DocumentQueryProgress{}
	}

	next.Download = applyStage(next.Download, d.Download, d.Reset)
	next.Convert = applyStage(next.Convert, d.Convert, d.Reset)

	if d.Download.Delta != nil {
		next.Download = normalize(next.Download, d.Download.Delta.Status)
	}

	convertTouched := d.Convert.Delta != nil
	if next.Convert != nil && d.ConvertibleDownloadErrors > 0 {
		total := max(0, deref(next.Convert.Total)-max(0, d.ConvertibleDownloadErrors))
		next.Convert.Total = &total
		convertTouched = true
	}
	if convertTouched && next.Convert != nil {
		requested := next.Convert.Status
		if d.Convert.Delta != nil {
			requested = d.Convert.Delta.Status
		}
		next.Convert = normalize(next.Convert, requested)
	}

	return next
}

func applyStage(existing *Progress, u StageUpdate, reset bool) *Progress {
	switch {
	case u.Clear:
		return nil
	case u.Delta == nil:
		if reset {
			return nil
		}
		return existing
	}

	p := &Progress{}
	if existing != nil && !reset {
		p = existing
	}
	p.Status = u.Delta.Status
	if u.Delta.Total != nil {
		p.Total = ptr(*u.Delta.Total)
	}
	if u.Delta.Successful != nil {
		p.Successful = ptr(*u.Delta.Successful)
	}
	if u.Delta.Errors != nil {
		p.Errors = ptr(*u.Delta.Errors)
	}
	return p
}

// ConversionResult is the outcome the converter reports for one document.
type ConversionResult string

const (
	ConversionSuccess ConversionResult = "success"
	ConversionFailed  ConversionResult = "failed"
)

func (r ConversionResult) Valid() bool {
	return r == ConversionSuccess || r == ConversionFailed
}

// ApplyConversionResult adds count documents to the convert stage's successful
// or errors counter.
func ApplyConversionResult(current *DocumentQueryProgress, result ConversionResult, count int) *DocumentQueryProgress {
	next := current.Clone()
	if next == nil {
		next = &DocumentQueryProgress{}
	}
	conv := next.Convert
	if conv == nil {
		conv = &Progress{Status: StatusProcessing}
	}
	if result == ConversionSuccess {
		conv.Successful = ptr(deref(conv.Successful) + count)
	} else {
		conv.Errors = ptr(deref(conv.Errors) + count)
	}
	next.Convert = normalize(conv, conv.Status)
	return next
}

// Transitions lists the stages that are completed in after but were not in
// before.
func Transitions(before, after *DocumentQueryProgress) []ProgressType {
	var out []ProgressType
	for _, stage := range Stages {
		a := after.Stage(stage)
		if a == nil || a.Status != StatusCompleted {
			continue
		}
		if b := before.Stage(stage); b != nil && b.Status == StatusCompleted {
			continue
		}
		out = append(out, stage)
	}
	return out
}
