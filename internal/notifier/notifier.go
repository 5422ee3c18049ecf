// Package notifier defines the outbound-email boundary (C5). Sending is
// best-effort: a Notifier implementation logs delivery errors itself and
// never returns them to the core, so a mail outage can't stall an instance.
package notifier

import (
	"time"

	"github.com/fleetwatch/orchestrator/internal/domain"
)

// EventKind is the closed set of notification triggers a UserInstance (or
// LifecyclePolicy) can emit.
type EventKind string

const (
	EventNewShifts          EventKind = "new_shifts"
	EventUpdatedShifts       EventKind = "updated_shifts"
	EventRemovedShifts      EventKind = "removed_shifts"
	EventWelcome            EventKind = "welcome"
	EventDeletionWarning    EventKind = "deletion_warning"
	EventAccountDeleted     EventKind = "account_deleted"
	EventSignInFailed       EventKind = "sign_in_failed"
	EventSignInRecovered    EventKind = "sign_in_recovered"
	EventIncorrectNewPassword EventKind = "incorrect_new_password"
	EventOperatorErrors     EventKind = "operator_errors"
)

// Event is a tagged union over every notification a user account can
// trigger. Only the fields relevant to Kind are populated; constructors
// below are the intended way to build one.
type Event struct {
	Kind EventKind

	Shifts domain.ShiftSet // NewShifts, UpdatedShifts, RemovedShifts

	Force bool // Welcome

	Reason domain.DeletionReason // AccountDeleted

	SignInFailureCount int       // SignInFailed
	FirstFailureTime   time.Time // SignInFailed

	OperatorErrors []string // OperatorErrors
}

func NewShiftsEvent(shifts domain.ShiftSet) Event {
	return Event{Kind: EventNewShifts, Shifts: shifts}
}

func UpdatedShiftsEvent(shifts domain.ShiftSet) Event {
	return Event{Kind: EventUpdatedShifts, Shifts: shifts}
}

func RemovedShiftsEvent(shifts domain.ShiftSet) Event {
	return Event{Kind: EventRemovedShifts, Shifts: shifts}
}

func WelcomeEvent(force bool) Event {
	return Event{Kind: EventWelcome, Force: force}
}

func DeletionWarningEvent() Event {
	return Event{Kind: EventDeletionWarning}
}

func AccountDeletedEvent(reason domain.DeletionReason) Event {
	return Event{Kind: EventAccountDeleted, Reason: reason}
}

func SignInFailedEvent(count int, firstTime time.Time) Event {
	return Event{Kind: EventSignInFailed, SignInFailureCount: count, FirstFailureTime: firstTime}
}

func SignInRecoveredEvent() Event {
	return Event{Kind: EventSignInRecovered}
}

func IncorrectNewPasswordEvent() Event {
	return Event{Kind: EventIncorrectNewPassword}
}

func OperatorErrorsEvent(errs []string) Event {
	return Event{Kind: EventOperatorErrors, OperatorErrors: errs}
}

// Notifier delivers account events to a user (and, for OperatorErrors, to
// the configured support address). Implementations own their own retry and
// failure logging.
type Notifier interface {
	Send(userName string, address string, ev Event)
}
