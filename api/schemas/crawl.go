// Package schemas holds the types shared between cmd/ and the internal
// crawl components. It has no dependencies on the rest of the module so
// every package can import it freely.
package schemas

import (
	"fmt"
	"time"
)

// PaginationMode describes how the result list exposes page controls.
type PaginationMode string

const (
	// ModeNumbered means direct per-index page buttons are available.
	ModeNumbered PaginationMode = "numbered"
	// ModeArrowOnly means only a generic "next" control is available.
	// Once observed for a page index it is sticky for the rest of the
	// target; numbered controls are never probed again at higher indices.
	ModeArrowOnly PaginationMode = "arrow-only"
)

// Target is one unit of crawl work: a publication year, the journal
// filter applied to it, and the directory its PDFs land in. Targets are
// built once by the scheduler and never mutated.
type Target struct {
	Year    int
	Journal string
	DestDir string
}

func (t Target) String() string {
	return fmt.Sprintf("%d (%s)", t.Year, t.Journal)
}

// OutcomeState is the terminal state of one target's crawl.
type OutcomeState string

const (
	StateCompleted OutcomeState = "Completed"
	StateAborted   OutcomeState = "Aborted"
)

// Outcome records how a single target ended.
type Outcome struct {
	Target    Target
	State     OutcomeState
	Err       error
	Pages     int
	Artifacts int
	Elapsed   time.Duration
}

func (o Outcome) String() string {
	if o.State == StateCompleted {
		return fmt.Sprintf("%d: Completed (%d pages, %d artifacts)", o.Target.Year, o.Pages, o.Artifacts)
	}
	return fmt.Sprintf("%d: Aborted(%v)", o.Target.Year, o.Err)
}

// RunSummary aggregates the outcomes of one batch run.
type RunSummary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Outcomes []Outcome
}

// Completed reports how many targets finished cleanly.
func (s RunSummary) Completed() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.State == StateCompleted {
			n++
		}
	}
	return n
}

// Failed reports how many targets aborted.
func (s RunSummary) Failed() int {
	return len(s.Outcomes) - s.Completed()
}
