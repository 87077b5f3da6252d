package storage

// Outcome is the closed set of results an object-store call can produce.
// Callers match on it instead of inspecting raw errors.
type Outcome int

const (
	// OutcomeSuccess means the operation completed.
	OutcomeSuccess Outcome = iota
	// OutcomeNotFound means the requested key does not exist in the store.
	OutcomeNotFound
	// OutcomeTransient covers every other failure (network, credentials,
	// throttling); retrying with the same inputs may succeed.
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not-found"
	case OutcomeTransient:
		return "transient-failure"
	}
	return "unknown"
}
