package ci

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Event names a build lifecycle transition.
type Event string

const (
	EventEnqueue          Event = "enqueue"
	EventEnqueueScheduled Event = "enqueue_scheduled"
	EventRun              Event = "run"
	EventSucceed          Event = "succeed"
	EventDrop             Event = "drop"
	EventCancel           Event = "cancel"
	EventSkip             Event = "skip"
	EventSchedule         Event = "schedule"
	EventActionize        Event = "actionize"
	EventUnschedule       Event = "unschedule"
)

type edge struct {
	from []Status
	to   Status
}

var transitions = map[Event]edge{
	EventEnqueue:          {from: []Status{StatusCreated, StatusManual, StatusScheduled}, to: StatusPending},
	EventEnqueueScheduled: {from: []Status{StatusScheduled}, to: StatusPending},
	EventRun:              {from: []Status{StatusPending}, to: StatusRunning},
	EventSucceed:          {from: []Status{StatusCreated, StatusPending, StatusRunning}, to: StatusSuccess},
	EventDrop:             {from: []Status{StatusCreated, StatusPending, StatusRunning, StatusManual, StatusScheduled}, to: StatusFailed},
	EventCancel:           {from: []Status{StatusCreated, StatusPending, StatusRunning, StatusManual, StatusScheduled}, to: StatusCanceled},
	EventSkip:             {from: []Status{StatusCreated}, to: StatusSkipped},
	EventSchedule:         {from: []Status{StatusCreated}, to: StatusScheduled},
	EventActionize:        {from: []Status{StatusCreated}, to: StatusManual},
	EventUnschedule:       {from: []Status{StatusScheduled}, to: StatusManual},
}

// Transition describes a status change that has been applied to a build.
type Transition struct {
	Event Event
	From  Status
	To    Status
}

// EntersPending reports whether the build moved into the queue.
func (t Transition) EntersPending() bool {
	return t.To == StatusPending && t.From != StatusPending
}

// LeavesPending reports whether the build moved out of the queue.
func (t Transition) LeavesPending() bool {
	return t.From == StatusPending && t.To != StatusPending
}

// CanFire reports whether the event is allowed from the build's current status.
func CanFire(b *Build, event Event) bool {
	e, ok := transitions[event]
	if !ok {
		return false
	}
	for _, from := range e.from {
		if b.Status == from {
			return true
		}
	}
	return false
}

// Fire applies event to the build, updating status and timestamps.
func Fire(b *Build, event Event, now time.Time) (Transition, error) {
	e, ok := transitions[event]
	if !ok {
		return Transition{}, errors.Wrapf(ErrInvalidTransition, "unknown event %q", event)
	}
	if !CanFire(b, event) {
		return Transition{}, errors.Wrapf(ErrInvalidTransition, "cannot %s build %d from %s", event, b.ID, b.Status)
	}

	t := Transition{Event: event, From: b.Status, To: e.to}
	b.Status = e.to
	b.UpdatedAt = now
	switch {
	case e.to == StatusRunning:
		started := now
		b.StartedAt = &started
	case e.to.IsCompleted():
		finished := now
		b.FinishedAt = &finished
	}
	if e.to != StatusFailed {
		b.FailureReason = ""
	}
	return t, nil
}
