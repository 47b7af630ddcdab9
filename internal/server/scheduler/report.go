package scheduler

import "time"

// Kind names the candidate selection policy of a sweep.
type Kind string

const (
	KindStartup  Kind = "startup"
	KindPeriodic Kind = "periodic"
)

// Status is the outcome of one refreshOne call.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusSkippedRevoked Status = "skipped:revoked"
	StatusSkippedMissing Status = "skipped:missing"
)

type RefreshResult struct {
	SubjectID string
	Status    Status
	Revoked   bool
	Err       error
}

type SweepReport struct {
	Kind     Kind
	Started  time.Time
	Finished time.Time
	Results  []RefreshResult

	Success int
	Failed  int
	Skipped int
}

func (r *SweepReport) count() {
	for _, res := range r.Results {
		switch res.Status {
		case StatusSuccess:
			r.Success++
		case StatusFailed:
			r.Failed++
		default:
			r.Skipped++
		}
	}
}
