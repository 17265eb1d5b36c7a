// Package results holds per-case execution outcomes for one session. The
// store is pure data: no I/O, no timers. Aggregate statistics are always a
// fold over the stored results, never tracked independently.
package results

import (
	"fmt"
	"time"
)

// Outcome is the recorded verdict for a case or step.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeBlock Outcome = "block"
	OutcomeSkip  Outcome = "skip"
	OutcomeUnset Outcome = "unset"
)

// Valid reports whether o is a recognized outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeBlock, OutcomeSkip, OutcomeUnset:
		return true
	}
	return false
}

// StepResult records one executed step within a case.
type StepResult struct {
	Index   int     `json:"index"`
	Outcome Outcome `json:"outcome"`
	Note    string  `json:"note,omitempty"`
}

// Evidence is a self-contained binary artifact attached to a case result.
// The payload travels inline so a session record can be reconstructed
// without external references.
type Evidence struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Size     int64  `json:"size"`
	Data     []byte `json:"data"`
}

// CaseResult is the completed outcome for one case.
type CaseResult struct {
	CaseID         string       `json:"caseId"`
	Outcome        Outcome      `json:"outcome"`
	Completed      bool         `json:"completed"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
	DurationMs     int64        `json:"durationMs"`
	StepsTotal     int          `json:"stepsTotal"`
	StepsCompleted int          `json:"stepsCompleted"`
	StepsPassed    int          `json:"stepsPassed"`
	StepsFailed    int          `json:"stepsFailed"`
	StepsBlocked   int          `json:"stepsBlocked"`
	ActualResult   string       `json:"actualResult,omitempty"`
	Comments       string       `json:"comments,omitempty"`
	Evidence       []Evidence   `json:"evidence,omitempty"`
	Steps          []StepResult `json:"steps,omitempty"`
}

// AggregateStats is derived from completed case results. Total counts every
// case in the session's scope, completed or not.
type AggregateStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Skipped   int `json:"skipped"`
}

// Phase is the lifecycle position of one case within the session.
type Phase int

const (
	// PhaseUnvisited means the case has never been opened this session.
	PhaseUnvisited Phase = iota

	// PhaseInProgress means the case has been opened but not submitted.
	PhaseInProgress

	// PhaseCompleted means a result has been recorded. Final.
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseUnvisited:
		return "unvisited"
	case PhaseInProgress:
		return "in_progress"
	case PhaseCompleted:
		return "completed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// caseState is the tagged variant for one case: a completed result only
// exists in PhaseCompleted, a visit timestamp only from PhaseInProgress on.
type caseState struct {
	phase     Phase
	visitedAt time.Time
	result    CaseResult
}
