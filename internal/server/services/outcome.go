package services

// LookupOutcome is the internal result of a bridge or proxy token lookup.
// Only OutcomeFound is visible to callers; every other value is reported as
// common.ErrorNotFound and kept for logs.
type LookupOutcome int

const (
	OutcomeFound LookupOutcome = iota
	OutcomeMissing
	OutcomeExpired
	OutcomeUsed
)

func (o LookupOutcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeMissing:
		return "missing"
	case OutcomeExpired:
		return "expired"
	case OutcomeUsed:
		return "used"
	default:
		return "unknown"
	}
}
