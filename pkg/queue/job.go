// Package queue moves step jobs between processors.
//
// Every step type has its own named queue. Jobs carry a priority derived from
// how deep the customer is in the journey; a Backend stores them and a Worker
// drains one queue with bounded concurrency, retries and stall recovery.
package queue

import (
	"errors"
	"time"

	"github.com/dukex/journeys/pkg/models"
)

// Queue names, one per step type.
const (
	StartQueue      = "start.step"
	MessageQueue    = "message.step"
	TimeDelayQueue  = "time.delay.step"
	TimeWindowQueue = "time.window.step"
	WaitUntilQueue  = "wait.until.step"
	MultisplitQueue = "multisplit.step"
	ExperimentQueue = "experiment.step"
	JumpToQueue     = "jump.to.step"
	ExitQueue       = "exit.step"
)

var routes = map[models.StepType]string{
	models.StepTypeStart:      StartQueue,
	models.StepTypeMessage:    MessageQueue,
	models.StepTypeTimeDelay:  TimeDelayQueue,
	models.StepTypeTimeWindow: TimeWindowQueue,
	models.StepTypeWaitUntil:  WaitUntilQueue,
	models.StepTypeMultisplit: MultisplitQueue,
	models.StepTypeExperiment: ExperimentQueue,
	models.StepTypeLoop:       JumpToQueue,
	models.StepTypeExit:       ExitQueue,
}

var ErrUnknownQueue = errors.New("no queue for step type")

// For returns the queue serving a step type.
func For(stepType models.StepType) (string, error) {
	name, ok := routes[stepType]
	if !ok {
		return "", ErrUnknownQueue
	}

	return name, nil
}

// Names lists every step queue.
func Names() []string {
	return []string{
		StartQueue,
		MessageQueue,
		TimeDelayQueue,
		TimeWindowQueue,
		WaitUntilQueue,
		MultisplitQueue,
		ExperimentQueue,
		JumpToQueue,
		ExitQueue,
	}
}

// Job is a queued step job with its delivery bookkeeping.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	AvailableAt time.Time      `json:"available_at,omitzero"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	LastError   string         `json:"last_error,omitempty"`
	FailedAt    *time.Time     `json:"failed_at,omitempty"`
	Data        models.StepJob `json:"data"`
}

// Stats counts the jobs of a queue by state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Retention bounds how many completed jobs are kept, and for how long.
// The zero value drops jobs as soon as they complete.
type Retention struct {
	Age   time.Duration
	Count int
}
