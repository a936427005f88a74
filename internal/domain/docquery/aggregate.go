package docquery

// AggregateSources rebuilds the given stages (all stages when none are
// given) of the patient-level progress from the per-source entries. For each
// stage the counters are summed over the sources that have it, and the status
// is processing while any source is processing, failed if any source failed,
// completed otherwise. The overall stage therefore only completes once every
// source that was seeded has finished.
//
// A stage no source has is left as stored, since it may have been reported
// for the patient as a whole. Request metadata is kept from overall.
func AggregateSources(overall *DocumentQueryProgress, external ExternalData, stages ...ProgressType) *DocumentQueryProgress {
	next := overall.Clone()
	if next == nil {
		next = &DocumentQueryProgress{}
	}
	if len(stages) == 0 {
		stages = Stages
	}

	for _, stage := range stages {
		var parts []*Progress
		for _, src := range sortedSources(external) {
			if p := external[src].DocumentQueryProgress.Stage(stage); p != nil {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			next.setStage(stage, sumProgress(parts))
		}
	}
	return next
}

// StagesTouched lists the stages applying d can change. A reset touches every
// stage; convertible download errors touch convert.
func StagesTouched(d Delta) []ProgressType {
	if d.Reset {
		return Stages
	}
	var out []ProgressType
	if d.Download.Touched() {
		out = append(out, StageDownload)
	}
	if d.Convert.Touched() || d.ConvertibleDownloadErrors > 0 {
		out = append(out, StageConvert)
	}
	return out
}

func sumProgress(parts []*Progress) *Progress {
	var total, successful, errors int
	var processing, failed bool
	for _, p := range parts {
		total += deref(p.Total)
		successful += deref(p.Successful)
		errors += deref(p.Errors)
		switch p.Status {
		case StatusProcessing:
			processing = true
		case StatusFailed:
			failed = true
		}
	}

	status := StatusCompleted
	if processing {
		status = StatusProcessing
	} else if failed {
		status = StatusFailed
	}
	return &Progress{
		Status:     status,
		Total:      ptr(total),
		Successful: ptr(successful),
		Errors:     ptr(errors),
	}
}

// sortedSources returns the sources present in external, known ones first in
// their declared order, so aggregation is deterministic.
func sortedSources(external ExternalData) []HieSource {
	out := make([]HieSource, 0, len(external))
	seen := make(map[HieSource]bool, len(external))
	for _, src := range AllSources() {
		if sd, ok := external[src]; ok && sd != nil {
			out = append(out, src)
			seen[src] = true
		}
	}
	for src, sd := range external {
		if !seen[src] && sd != nil {
			out = append(out, src)
		}
	}
	return out
}
