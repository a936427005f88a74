package docquery

// DeriveStatus is the completion rule for a stage: it is completed once the
// documents that succeeded or failed cover the total. Every other place that
// needs a status goes through this function.
func DeriveStatus(successful, errors, total int) ProgressStatus {
	if successful+errors >= total {
		return StatusCompleted
	}
	return StatusProcessing
}

// normalize clamps p's counters to its total and recomputes the status.
// requested is the status reported by the caller; it only survives when the
// counters can't decide (no total) or when it is failed.
func normalize(p *Progress, requested ProgressStatus) *Progress {
	if p == nil {
		return nil
	}
	if !requested.Valid() {
		requested = StatusProcessing
	}
	if p.Total == nil {
		p.Status = requested
		return p
	}

	total := max(0, *p.Total)
	p.Total = &total
	if p.Successful != nil {
		s := min(max(0, *p.Successful), total)
		p.Successful = &s
	}
	if p.Errors != nil {
		e := min(max(0, *p.Errors), total-deref(p.Successful))
		p.Errors = &e
	}

	switch {
	case DeriveStatus(deref(p.Successful), deref(p.Errors), total) == StatusCompleted:
		p.Status = StatusCompleted
	case requested == StatusFailed:
		p.Status = StatusFailed
	default:
		p.Status = StatusProcessing
	}
	return p
}
