package job

import (
	"fmt"
	"strings"
)

// UserID identifies a user. The scheduler only compares ids.
type UserID string

// Priority orders work on the dispatch queue.
type Priority int

const (
	PriorityUnspecified Priority = iota
	PriorityLowest
	PriorityBelowNormal
	PriorityNormal
	PriorityAboveNormal
	PriorityHighest
)

var priorityNames = []string{"unspecified", "lowest", "below_normal", "normal", "above_normal", "highest"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the names returned by String.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityUnspecified, fmt.Errorf("unknown priority %q", s)
}

// orDefault maps Unspecified to Normal.
func (p Priority) orDefault() Priority {
	if p == PriorityUnspecified {
		return PriorityNormal
	}
	return p
}

// StepState is the lifecycle state of a step.
type StepState string

const (
	StepWaiting   StepState = "waiting"
	StepReady     StepState = "ready"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepSkipped   StepState = "skipped"
	StepAborted   StepState = "aborted"
)

// IsTerminal reports whether the step will never change state again.
func (s StepState) IsTerminal() bool {
	return s == StepCompleted || s == StepSkipped || s == StepAborted
}

// CanTransitionTo checks if state can transition to target state
func (s StepState) CanTransitionTo(target StepState) bool {
	switch s {
	case StepWaiting:
		return target == StepReady || target == StepSkipped || target == StepAborted
	case StepReady:
		return target == StepWaiting || target == StepRunning || target == StepSkipped || target == StepAborted
	case StepRunning:
		return target == StepCompleted
	default:
		return false // Terminal states
	}
}

// StepOutcome is the result reported for a step.
type StepOutcome string

const (
	OutcomeUnspecified StepOutcome = "unspecified"
	OutcomeSuccess     StepOutcome = "success"
	OutcomeWarnings    StepOutcome = "warnings"
	OutcomeFailure     StepOutcome = "failure"
)

func (o StepOutcome) severity() int {
	switch o {
	case OutcomeSuccess:
		return 1
	case OutcomeWarnings:
		return 2
	case OutcomeFailure:
		return 3
	default:
		return 0
	}
}

// Worse returns whichever outcome is more severe.
func (o StepOutcome) Worse(other StepOutcome) StepOutcome {
	if other.severity() > o.severity() {
		return other
	}
	return o
}

// StepError explains a failed, skipped or incomplete step.
type StepError string

const (
	StepErrorNone             StepError = ""
	StepErrorIncomplete       StepError = "incomplete"
	StepErrorPaused           StepError = "paused"
	StepErrorDependencyFailed StepError = "dependency_failed"
	StepErrorNoAgentsInPool   StepError = "no_agents_in_pool"
	StepErrorUnknownAgentType StepError = "unknown_agent_type"
	StepErrorUnknownPool      StepError = "unknown_pool"
	StepErrorUnknownShelf     StepError = "unknown_shelf"
	StepErrorCancelled        StepError = "cancelled"
)

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	BatchReady    BatchState = "ready"
	BatchStarting BatchState = "starting"
	BatchRunning  BatchState = "running"
	BatchComplete BatchState = "complete"
)

// CanTransitionTo checks if state can transition to target state. Starting
// means a lease is bound and the agent has not yet begun.
func (s BatchState) CanTransitionTo(target BatchState) bool {
	switch s {
	case BatchReady:
		return target == BatchStarting || target == BatchComplete
	case BatchStarting:
		return target == BatchRunning || target == BatchComplete
	case BatchRunning:
		return target == BatchComplete
	default:
		return false
	}
}

// BatchError explains why a batch completed without running normally.
type BatchError string

const (
	BatchErrorNone             BatchError = ""
	BatchErrorIncomplete       BatchError = "incomplete"
	BatchErrorNoAgentsInPool   BatchError = "no_agents_in_pool"
	BatchErrorUnknownAgentType BatchError = "unknown_agent_type"
	BatchErrorUnknownPool      BatchError = "unknown_pool"
	BatchErrorUnknownShelf     BatchError = "unknown_shelf"
	BatchErrorCancelled        BatchError = "cancelled"
)

// stepError is the error given to steps that a batch error prevents from
// running.
func (e BatchError) stepError() StepError {
	switch e {
	case BatchErrorIncomplete:
		return StepErrorIncomplete
	case BatchErrorNoAgentsInPool:
		return StepErrorNoAgentsInPool
	case BatchErrorUnknownAgentType:
		return StepErrorUnknownAgentType
	case BatchErrorUnknownPool:
		return StepErrorUnknownPool
	case BatchErrorUnknownShelf:
		return StepErrorUnknownShelf
	case BatchErrorCancelled:
		return StepErrorCancelled
	default:
		return StepErrorNone
	}
}

// JobState is derived from the batches.
type JobState string

const (
	JobWaiting  JobState = "waiting"
	JobRunning  JobState = "running"
	JobComplete JobState = "complete"
)
