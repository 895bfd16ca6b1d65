package capture

// Status is the canonical, derived state of a capture job. It is never
// stored; it is recomputed from cluster condition flags on every read.
type Status string

const (
	StatusInProgress Status = "In progress"
	StatusFailed     Status = "Failed"
	StatusComplete   Status = "Complete"
	StatusUnknown    Status = "Unknown"
)

// DeriveStatus maps cluster condition flags to a Status with strict
// precedence: active wins over failed, failed over succeeded. All flags false
// is a degenerate terminal state, not an error.
func DeriveStatus(active, failed, succeeded bool) Status {
	switch {
	case active:
		return StatusInProgress
	case failed:
		return StatusFailed
	case succeeded:
		return StatusComplete
	default:
		return StatusUnknown
	}
}

// Terminal reports whether a status can no longer change.
func (s Status) Terminal() bool {
	return s != StatusInProgress
}
