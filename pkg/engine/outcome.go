package engine

type outcomeKind int

const (
	outcomePending outcomeKind = iota
	outcomeDone
	outcomeFailed
)

// PollOutcome is the result of one completion check: pending, done with a
// result, or failed with an error.
type PollOutcome struct {
	kind   outcomeKind
	result *Result
	err    error
}

// Pending reports that the operation has not finished yet.
func Pending() PollOutcome {
	return PollOutcome{kind: outcomePending}
}

// Done reports a successfully finished operation.
func Done(result Result) PollOutcome {
	return PollOutcome{kind: outcomeDone, result: &result}
}

// Failed reports an operation that reached a terminal failure. A nil err
// is replaced by a generic permanent error.
func Failed(err error) PollOutcome {
	if err == nil {
		err = NewPermanentError("operation failed", nil).WithCode(ErrCodeCompletionFailed)
	}
	return PollOutcome{kind: outcomeFailed, err: err}
}

func (o PollOutcome) IsPending() bool { return o.kind == outcomePending }
func (o PollOutcome) IsDone() bool    { return o.kind == outcomeDone }
func (o PollOutcome) IsFailed() bool  { return o.kind == outcomeFailed }

// Result returns the result of a done outcome, nil otherwise.
func (o PollOutcome) Result() *Result { return o.result }

// Err returns the error of a failed outcome, nil otherwise.
func (o PollOutcome) Err() error { return o.err }

func (o PollOutcome) String() string {
	switch o.kind {
	case outcomeDone:
		return "done"
	case outcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}
