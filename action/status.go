package action

// Phase is a point in the action lifecycle state machine:
//
//	Created → Submitted → BeforeRunning → BeforeFailed | BeforeOk
//	        → ReduceRunning → ReduceFailed | ReduceOk | ReduceNoChange
//	        → AfterRunning → Completed
//
// Aborted is terminal for dispatches refused before any hook ran.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseSubmitted
	PhaseBeforeRunning
	PhaseBeforeFailed
	PhaseBeforeOk
	PhaseReduceRunning
	PhaseReduceFailed
	PhaseReduceOk
	PhaseReduceNoChange
	PhaseAfterRunning
	PhaseCompleted
	PhaseAborted
)

var phaseNames = [...]string{
	PhaseCreated:        "created",
	PhaseSubmitted:      "submitted",
	PhaseBeforeRunning:  "before_running",
	PhaseBeforeFailed:   "before_failed",
	PhaseBeforeOk:       "before_ok",
	PhaseReduceRunning:  "reduce_running",
	PhaseReduceFailed:   "reduce_failed",
	PhaseReduceOk:       "reduce_ok",
	PhaseReduceNoChange: "reduce_no_change",
	PhaseAfterRunning:   "after_running",
	PhaseCompleted:      "completed",
	PhaseAborted:        "aborted",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Status is an immutable snapshot of how far a dispatch has progressed.
// Every transition returns a new Status; completion never reverts.
type Status struct {
	id         string
	phase      Phase
	beforeDone bool
	reduceDone bool
	afterDone  bool
	completed  bool
	failed     bool
	aborted    bool
	original   error
	wrapped    error
}

// NewStatus returns the Created status for the dispatch identified by id.
func NewStatus(id string) Status {
	return Status{id: id, phase: PhaseCreated}
}

// ID returns the dispatch identifier.
func (s Status) ID() string { return s.id }

// Phase returns the lifecycle phase reached.
func (s Status) Phase() Phase { return s.phase }

// IsCompleted reports whether After has finished.
func (s Status) IsCompleted() bool { return s.completed }

// IsCompletedOk reports completion without failure.
func (s Status) IsCompletedOk() bool { return s.completed && !s.failed }

// IsCompletedFailed reports completion after Before or Reduce failed, even
// when the error was swallowed.
func (s Status) IsCompletedFailed() bool { return s.completed && s.failed }

// IsDispatchAborted reports whether the dispatch was refused before any hook ran.
func (s Status) IsDispatchAborted() bool { return s.aborted }

// OriginalError returns the error raised by Before or Reduce.
func (s Status) OriginalError() error { return s.original }

// WrappedError returns the error after wrapping, or nil when no wrap hook
// replaced the original.
func (s Status) WrappedError() error { return s.wrapped }

// HasFinishedBefore reports whether Before has returned.
func (s Status) HasFinishedBefore() bool { return s.beforeDone }

// HasFinishedReduce reports whether Reduce has returned successfully and its
// result was applied.
func (s Status) HasFinishedReduce() bool { return s.reduceDone }

// HasFinishedAfter reports whether After has returned.
func (s Status) HasFinishedAfter() bool { return s.afterDone }

// Submit marks the dispatch as accepted by the store.
func (s Status) Submit() Status {
	return s.enter(PhaseSubmitted)
}

// Abort marks the dispatch as refused before any hook ran.
func (s Status) Abort() Status {
	if s.completed {
		return s
	}
	next := s
	next.phase = PhaseAborted
	next.aborted = true
	return next
}

func (s Status) enter(p Phase) Status {
	if s.completed || s.aborted || p < s.phase {
		return s
	}
	next := s
	next.phase = p
	return next
}

func (s Status) finishBefore(err error) Status {
	next := s
	next.beforeDone = true
	if err != nil {
		return next.enter(PhaseBeforeFailed)
	}
	return next.enter(PhaseBeforeOk)
}

func (s Status) finishReduce(changed bool) Status {
	next := s
	next.reduceDone = true
	if changed {
		return next.enter(PhaseReduceOk)
	}
	return next.enter(PhaseReduceNoChange)
}

func (s Status) fail(original, wrapped error) Status {
	next := s
	next.failed = true
	next.original = original
	next.wrapped = wrapped
	return next
}

func (s Status) complete() Status {
	next := s.enter(PhaseCompleted)
	next.afterDone = true
	next.completed = true
	return next
}
