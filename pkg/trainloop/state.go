// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainloop

import "github.com/gomlx/tinyddpm/pkg/tracking"

// State of the training loop.
type State int

const (
	StateNew State = iota
	StateInitializing
	StateRunning
	StateEvaluating
	StateCheckpointing
	StateAborted
	StateFinishing
	StateFinished
)

var stateNames = []string{"new", "initializing", "running", "evaluating", "checkpointing", "aborted", "finishing",
	"finished"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Outcome of a run.
type Outcome int

const (
	// OutcomeFailed is returned with the error that stopped the run.
	OutcomeFailed Outcome = iota

	// OutcomeCompleted means all iterations were run.
	OutcomeCompleted

	// OutcomeInterrupted means the run was cancelled before the last iteration.
	OutcomeInterrupted
)

// InterruptedNotice is printed when a run is cancelled before its last iteration.
const InterruptedNotice = "Keyboard interrupt, run finished early\n"

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "failed"
	}
}

func (o Outcome) trackingStatus() tracking.Status {
	switch o {
	case OutcomeCompleted:
		return tracking.StatusFinished
	case OutcomeInterrupted:
		return tracking.StatusInterrupted
	default:
		return tracking.StatusFailed
	}
}

// RunningLoss accumulates the training loss between evaluations.
// The zero value is ready to use.
type RunningLoss struct {
	sum   float64
	count int
}

// Add the loss of one iteration.
func (r *RunningLoss) Add(loss float64) {
	r.sum += loss
	r.count++
}

// Sum of the losses added since the last Reset.
func (r *RunningLoss) Sum() float64 { return r.sum }

// Count of losses added since the last Reset.
func (r *RunningLoss) Count() int { return r.count }

// Mean of the losses added since the last Reset, or 0 if none was added.
func (r *RunningLoss) Mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

// Reset to zero.
func (r *RunningLoss) Reset() {
	r.sum, r.count = 0, 0
}
