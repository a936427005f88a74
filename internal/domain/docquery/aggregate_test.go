package docquery

import (
	"testing"
	"time"
)

func sourceWith(dqp *DocumentQueryProgress) *SourceData {
	return &SourceData{DocumentQueryProgress: dqp}
}

func TestAggregateSources_SumsCounters(t *testing.T) {
	overall := &DocumentQueryProgress{Download: &Progress{Status: StatusProcessing}, RequestID: "req-1"}
	external := ExternalData{
		SourceCommonWell: sourceWith(&DocumentQueryProgress{
			Download: &Progress{Status: StatusCompleted, Total: ptr(4), Successful: ptr(3), Errors: ptr(1)},
		}),
		SourceCareQuality: sourceWith(&DocumentQueryProgress{
			Download: &Progress{Status: StatusCompleted, Total: ptr(6), Successful: ptr(6)},
		}),
	}

	got := AggregateSources(overall, external)
	assertProgress(t, got.Download, &Progress{Status: StatusCompleted, Total: ptr(10), Successful: ptr(9), Errors: ptr(1)})
	if got.RequestID != "req-1" {
		t.Errorf("expected request id to be kept, got %q", got.RequestID)
	}
	if got.Convert != nil {
		t.Errorf("convert should stay absent, got %+v", got.Convert)
	}
}

func TestAggregateSources_StatusPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		statuses [2]ProgressStatus
		want     ProgressStatus
	}{
		{"any processing wins", [2]ProgressStatus{StatusFailed, StatusProcessing}, StatusProcessing},
		{"failed beats completed", [2]ProgressStatus{StatusCompleted, StatusFailed}, StatusFailed},
		{"all completed", [2]ProgressStatus{StatusCompleted, StatusCompleted}, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			external := ExternalData{
				SourceCommonWell:  sourceWith(&DocumentQueryProgress{Convert: &Progress{Status: tt.statuses[0]}}),
				SourceCareQuality: sourceWith(&DocumentQueryProgress{Convert: &Progress{Status: tt.statuses[1]}}),
			}
			got := AggregateSources(&DocumentQueryProgress{}, external)
			if got.Convert.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Convert.Status, tt.want)
			}
		})
	}
}

func TestAggregateSources_OnlySourcesWithStageCount(t *testing.T) {
	external := ExternalData{
		SourceCommonWell: sourceWith(&DocumentQueryProgress{}),
		SourceCareQuality: sourceWith(&DocumentQueryProgress{
			Convert: &Progress{Status: StatusProcessing, Total: ptr(2), Successful: ptr(1)},
		}),
	}
	got := AggregateSources(nil, external)
	assertProgress(t, got.Convert, &Progress{Status: StatusProcessing, Total: ptr(2), Successful: ptr(1), Errors: ptr(0)})
}

func TestAggregateSources_NoSourceHasStage(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	overall := &DocumentQueryProgress{
		Download:  &Progress{Status: StatusProcessing, Total: ptr(3)},
		StartedAt: &started,
	}
	external := ExternalData{SourceCommonWell: sourceWith(&DocumentQueryProgress{})}

	got := AggregateSources(overall, external)
	assertProgress(t, got.Download, &Progress{Status: StatusProcessing, Total: ptr(3)})
	if got.Convert != nil {
		t.Errorf("convert absent everywhere should stay absent, got %+v", got.Convert)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("startedAt not kept: %v", got.StartedAt)
	}
}

func TestAggregateSources_IgnoresNilEntries(t *testing.T) {
	external := ExternalData{
		SourceCommonWell:  nil,
		SourceCareQuality: sourceWith(&DocumentQueryProgress{Download: &Progress{Status: StatusCompleted, Total: ptr(1), Successful: ptr(1)}}),
	}
	got := AggregateSources(nil, external)
	if got.Download == nil || got.Download.Status != StatusCompleted {
		t.Errorf("unexpected download %+v", got.Download)
	}
}

func TestAggregateSources_OnlyRequestedStages(t *testing.T) {
	overall := &DocumentQueryProgress{
		Convert: &Progress{Status: StatusProcessing, Total: ptr(10), Successful: ptr(3)},
	}
	external := ExternalData{
		SourceCommonWell: sourceWith(&DocumentQueryProgress{
			Download: &Progress{Status: StatusProcessing, Total: ptr(5), Successful: ptr(1)},
			Convert:  &Progress{Status: StatusCompleted, Total: ptr(1), Successful: ptr(1)},
		}),
	}

	got := AggregateSources(overall, external, StageDownload)
	assertProgress(t, got.Download, &Progress{Status: StatusProcessing, Total: ptr(5), Successful: ptr(1), Errors: ptr(0)})
	assertProgress(t, got.Convert, overall.Convert)
}

func TestStagesTouched(t *testing.T) {
	download := SetStage(ProgressDelta{Status: StatusProcessing})
	tests := []struct {
		name string
		d    Delta
		want []ProgressType
	}{
		{"nothing", Delta{}, nil},
		{"download", Delta{Download: download}, []ProgressType{StageDownload}},
		{"clear convert", Delta{Convert: ClearStage()}, []ProgressType{StageConvert}},
		{"convertible errors", Delta{Download: download, ConvertibleDownloadErrors: 2}, []ProgressType{StageDownload, StageConvert}},
		{"reset", Delta{Download: download, Reset: true}, Stages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StagesTouched(tt.d)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
