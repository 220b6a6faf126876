package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
)

// Action is the deployer operation an Event describes.
type Action string

const (
	ActionDeploy   Action = "deploy"
	ActionUndeploy Action = "undeploy"
	ActionUpdate   Action = "update"
)

// Outcome is the result of one action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	// OutcomeAbandoned marks a deploy that failed for the last permitted
	// attempt; the artifact is skipped until it changes.
	OutcomeAbandoned Outcome = "abandoned"
)

// Event is one per-artifact outcome, from a scan cycle or an explicit call.
type Event struct {
	CycleID  string // empty for explicit calls
	Time     time.Time
	Action   Action
	Type     artifact.Type
	Path     string
	Key      artifact.Key
	Outcome  Outcome
	Attempt  int // consecutive deploy attempts including this one
	Duration time.Duration
	Err      error
}

func (ev Event) String() string {
	s := fmt.Sprintf("%s %s %s: %s", ev.Action, ev.Type, ev.Path, ev.Outcome)
	if ev.Err != nil {
		s += ": " + ev.Err.Error()
	}
	return s
}

// Reporter receives every Event. Report is called from the goroutine that
// ran the action and must be safe for concurrent use.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, ev Event)

func (f ReporterFunc) Report(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiReporter fans an Event out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, ev Event) {
	for _, r := range m {
		r.Report(ctx, ev)
	}
}

// ScanError records a location that could not be scanned.
type ScanError struct {
	Type     artifact.Type
	Location string
	Err      error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s at %s: %v", e.Type, e.Location, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// CycleReport summarises one scan cycle.
type CycleReport struct {
	ID         string
	Started    time.Time
	Finished   time.Time
	Scanned    int // registrations scanned successfully
	Deployed   int
	Undeployed int
	Updated    int
	Failed     int
	Skipped    int // work left for the next cycle: in flight or cancelled
	ScanErrors []*ScanError
	Events     []Event
}

// Changed reports whether the cycle applied any change.
func (r *CycleReport) Changed() bool {
	return r.Deployed+r.Undeployed+r.Updated > 0
}

// Err joins every scan error and failed action, or returns nil.
func (r *CycleReport) Err() error {
	var errs []error
	for _, se := range r.ScanErrors {
		errs = append(errs, se)
	}
	for _, ev := range r.Events {
		if ev.Outcome != OutcomeSuccess && ev.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", ev.Action, ev.Path, ev.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *CycleReport) add(ev Event) {
	r.Events = append(r.Events, ev)
	if ev.Outcome != OutcomeSuccess {
		r.Failed++
		return
	}
	switch ev.Action {
	case ActionDeploy:
		r.Deployed++
	case ActionUndeploy:
		r.Undeployed++
	case ActionUpdate:
		r.Updated++
	}
}
