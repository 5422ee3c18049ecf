// Package scraper defines the browser-automation boundary (C4): given
// credentials, run one portal session and return the shifts found or a
// typed failure. The automation itself (selectors, page flow) lives outside
// this module; only the contract and the result types live here.
package scraper

import (
	"context"

	"github.com/fleetwatch/orchestrator/internal/domain"
)

// Mode distinguishes why a run was started, mirroring StartRequestKind's
// execution triggers. Scrapers may use it to pick a timeout or retry budget.
type Mode string

const (
	ModeTimer  Mode = "timer"
	ModeAPI    Mode = "api"
	ModeForce  Mode = "force"
	ModeSingle Mode = "single"
)

// Credentials is the minimal portal login material a Scraper needs. It is
// never logged; callers pass domain.Secret values to their own storage.
type Credentials struct {
	EmployeeNumber string
	Password       string
}

// Scraper runs one portal session per Run call. Implementations must never
// panic: every failure, including a crashed browser engine, becomes a
// FailureKind value in the returned error.
type Scraper interface {
	// Run performs one scrape attempt and returns the shifts found, or a
	// FailureKind wrapped as an error via FailureError. ctx cancellation
	// must abort any in-flight browser session.
	Run(ctx context.Context, creds Credentials, mode Mode) (domain.ShiftSet, error)
}

// FailureError adapts a domain.FailureKind to the error interface so Scraper
// implementations can return it through a normal Go error path while
// UserInstance recovers the typed value with AsFailureKind.
type FailureError struct {
	Kind domain.FailureKind
}

func (e *FailureError) Error() string {
	return e.Kind.String()
}

// AsFailureKind extracts the FailureKind from a Scraper error, defaulting to
// FailureOther if err was not produced by FailureError (e.g. a context
// deadline or a bug surfaced as a plain error).
func AsFailureKind(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureOK
	}
	if fe, ok := err.(*FailureError); ok {
		return fe.Kind
	}
	return domain.FailureOther(err.Error())
}
