// Package userinstance implements UserInstance (C7): the per-user actor
// that serializes timer-driven and on-demand scraper runs, owns the
// post-run pipeline, and answers the AdminAPI's per-user queries.
package userinstance

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetwatch/orchestrator/internal/calendar"
	"github.com/fleetwatch/orchestrator/internal/clock"
	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/journal"
	"github.com/fleetwatch/orchestrator/internal/lifecycle"
	"github.com/fleetwatch/orchestrator/internal/metrics"
	"github.com/fleetwatch/orchestrator/internal/monitorclient"
	"github.com/fleetwatch/orchestrator/internal/notifier"
	"github.com/fleetwatch/orchestrator/internal/scraper"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

// State is the actor's coarse lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
)

// Snapshot is the refreshable per-user data a UserInstance holds: the User
// row and the effective GeneralProperties (custom or default), cloned in by
// Watchdog on every reconcile.
type Snapshot struct {
	User       domain.User
	Properties domain.GeneralProperties
}

// Deps bundles every external collaborator a UserInstance calls out to.
type Deps struct {
	Scraper    scraper.Scraper
	Notifier   notifier.Notifier
	Store      store.Store
	Monitor    monitorclient.Client
	Calendar   calendar.CalendarWriter
	Lifecycle  *lifecycle.Policy
	Journal    *journal.Store
	Clock      clock.Clock
	Log        *logger.Logger
}

// Instance is the per-user actor. Exactly one exists per live userName,
// enforced by Watchdog (the sole writer of the instance map).
type Instance struct {
	deps Deps

	snapMu sync.RWMutex
	snap   Snapshot

	inbox  chan domain.StartRequest
	outbox chan domain.RequestResponse

	stateMu sync.Mutex
	state   State

	lastExitCode domain.FailureKind
	lastShifts   domain.ShiftSet

	execMu            sync.Mutex
	nextExecutionTime time.Time

	runCancel context.CancelFunc
	runMu     sync.Mutex

	singleShot          bool
	lastTriggerWasTimer bool
}

// New constructs an Idle instance over the given initial snapshot. Run must
// be called to start its actor loop.
func New(deps Deps, snap Snapshot) *Instance {
	if deps.Log == nil {
		deps.Log = logger.NewDefault("userinstance")
	}
	return &Instance{
		deps:         deps,
		snap:         snap,
		inbox:        make(chan domain.StartRequest, 1),
		outbox:       make(chan domain.RequestResponse, 1),
		state:        StateIdle,
		lastExitCode: domain.FailureOK,
	}
}

// UserName returns the routing key, stable for the instance's lifetime.
func (inst *Instance) UserName() string {
	inst.snapMu.RLock()
	defer inst.snapMu.RUnlock()
	return inst.snap.User.UserName
}

// Snapshot returns a copy of the current user/properties view.
func (inst *Instance) Snapshot() Snapshot {
	inst.snapMu.RLock()
	defer inst.snapMu.RUnlock()
	return inst.snap
}

// UpdateSnapshot replaces the user/properties view. Called only by
// Watchdog during RefreshInstances; does not restart the worker.
func (inst *Instance) UpdateSnapshot(snap Snapshot) {
	inst.snapMu.Lock()
	defer inst.snapMu.Unlock()
	inst.snap = snap
}

// Refresh updates the user/properties view from domain values, satisfying
// instancemap.Entry without that package depending on this one.
func (inst *Instance) Refresh(user domain.User, properties domain.GeneralProperties) {
	inst.UpdateSnapshot(Snapshot{User: user, Properties: properties})
}

// State reports the actor's current coarse state.
func (inst *Instance) State() State {
	inst.stateMu.Lock()
	defer inst.stateMu.Unlock()
	return inst.state
}

func (inst *Instance) setState(s State) {
	inst.stateMu.Lock()
	inst.state = s
	inst.stateMu.Unlock()
}

// NextExecutionTime returns the Scheduler-owned next-run time-of-day.
func (inst *Instance) NextExecutionTime() time.Time {
	inst.execMu.Lock()
	defer inst.execMu.Unlock()
	return inst.nextExecutionTime
}

// SetNextExecutionTime is called by Watchdog when it creates the instance
// and by the Scheduler actor on every re-plan.
func (inst *Instance) SetNextExecutionTime(t time.Time) {
	inst.execMu.Lock()
	inst.nextExecutionTime = t
	inst.execMu.Unlock()
}

// Send attempts a non-blocking enqueue of req. Reports false if the inbox is
// full, matching the "producers use non-blocking send" ordering guarantee.
func (inst *Instance) Send(req domain.StartRequest) bool {
	select {
	case inst.inbox <- req:
		return true
	default:
		return false
	}
}

// AwaitResponse blocks up to timeout for a reply on the response outbox.
func (inst *Instance) AwaitResponse(timeout time.Duration) (domain.RequestResponse, bool) {
	select {
	case resp := <-inst.outbox:
		return resp, true
	case <-time.After(timeout):
		return domain.RequestResponse{}, false
	}
}

func (inst *Instance) respond(resp domain.RequestResponse) {
	select {
	case inst.outbox <- resp:
	default:
		// Outbox full: the caller already timed out. Drop the response.
	}
}

// Run is the actor loop. It returns when the inbox is closed or ctx is
// cancelled (process shutdown aborts every worker this way).
func (inst *Instance) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-inst.inbox:
			if !ok {
				return
			}
			if inst.handle(ctx, req) {
				return
			}
		}
	}
}

// handle processes one inbox event and reports whether the actor loop
// should exit afterward (Delete, or a completed Single run).
func (inst *Instance) handle(ctx context.Context, req domain.StartRequest) (exit bool) {
	switch {
	case req.Kind == domain.RequestExecutionFinished:
		return inst.handleExecutionFinished(ctx, req.ExecutionResult)

	case req.Kind == domain.RequestDelete:
		inst.abortRun()
		inst.setState(StateTerminating)
		if inst.deps.Lifecycle != nil {
			snap := inst.Snapshot()
			_ = inst.deps.Lifecycle.Delete(ctx, snap.User.ID, snap.User.UserName, domain.DeletionReasonManual)
		}
		inst.respond(domain.RequestResponse{Kind: domain.ResponseString, String: "deleted"})
		return true

	case req.Kind == domain.RequestWelcome:
		snap := inst.Snapshot()
		inst.deps.Notifier.Send(snap.User.UserName, snap.User.Email.Expose(), notifier.WelcomeEvent(true))
		inst.respond(domain.RequestResponse{Kind: domain.ResponseString, String: "welcome resent"})
		return false

	case req.Kind == domain.RequestCalendar:
		snap := inst.Snapshot()
		url := calendar.URL(snap.Properties.ICalDomain, snap.User.FileName, snap.User.UserName)
		inst.respond(domain.RequestResponse{Kind: domain.ResponseString, String: url})
		return false

	case req.Kind == domain.RequestStanding:
		snap := inst.Snapshot()
		now := inst.now()
		info := lifecycle.StandingInformation(snap.User, now)
		inst.respond(domain.RequestResponse{Kind: domain.ResponseJSON, JSON: info})
		return false

	case req.IsQuery():
		inst.respond(inst.answerQuery(req))
		return false

	case req.IsExecutionTrigger():
		inst.handleExecutionTrigger(ctx, req)
		return false

	default:
		return false
	}
}

func (inst *Instance) now() time.Time {
	if inst.deps.Clock != nil {
		return inst.deps.Clock.Now()
	}
	return time.Now()
}

func (inst *Instance) answerQuery(req domain.StartRequest) domain.RequestResponse {
	snap := inst.Snapshot()
	switch req.Kind {
	case domain.RequestLogbook:
		lb, _ := inst.deps.Journal.LoadLogbook(snap.User.UserName)
		return domain.RequestResponse{Kind: domain.ResponseJSON, JSON: lb}
	case domain.RequestName:
		return domain.RequestResponse{Kind: domain.ResponseString, String: snap.User.DisplayName.Expose()}
	case domain.RequestIsActive:
		return domain.RequestResponse{Kind: domain.ResponseBool, Bool: inst.State() == StateRunning}
	case domain.RequestExitCode:
		return domain.RequestResponse{Kind: domain.ResponseString, String: inst.lastExitCode.String()}
	case domain.RequestUserData:
		return domain.RequestResponse{Kind: domain.ResponseJSON, JSON: snap.User}
	default:
		return domain.RequestResponse{Kind: domain.ResponseString, String: "unsupported query"}
	}
}

func (inst *Instance) handleExecutionTrigger(ctx context.Context, req domain.StartRequest) {
	if inst.State() == StateRunning {
		inst.respond(domain.RequestResponse{Kind: domain.ResponseBool, Bool: false})
		return
	}

	inst.setState(StateRunning)
	if req.Kind == domain.RequestSingle {
		inst.singleShot = true
	}
	if req.Kind == domain.RequestAPI {
		inst.respond(domain.RequestResponse{Kind: domain.ResponseBool, Bool: true})
	}

	runCtx, cancel := context.WithCancel(ctx)
	inst.runMu.Lock()
	inst.runCancel = cancel
	inst.runMu.Unlock()

	inst.lastTriggerWasTimer = req.Kind == domain.RequestTimer
	snap := inst.Snapshot()
	mode := modeFor(req.Kind)

	go func() {
		code := inst.runOnce(runCtx, snap, mode)
		inst.Send(domain.StartRequest{Kind: domain.RequestExecutionFinished, ExecutionResult: code})
	}()
}

func modeFor(kind domain.StartRequestKind) scraper.Mode {
	switch kind {
	case domain.RequestTimer:
		return scraper.ModeTimer
	case domain.RequestAPI:
		return scraper.ModeAPI
	case domain.RequestForce:
		return scraper.ModeForce
	default:
		return scraper.ModeSingle
	}
}

func (inst *Instance) abortRun() {
	inst.runMu.Lock()
	defer inst.runMu.Unlock()
	if inst.runCancel != nil {
		inst.runCancel()
		inst.runCancel = nil
	}
}

// runOnce executes DecideResume, the scraper retry loop, and
// UpdateSigninFailure, all synchronously on the run goroutine. The only
// instance field it writes is lastShifts (in applyShiftDiff), before it
// returns; the exit code flows back through the instance's own inbox as
// ExecutionFinished.
func (inst *Instance) runOnce(ctx context.Context, snap Snapshot, mode scraper.Mode) domain.FailureKind {
	userName := snap.User.UserName
	address := snap.User.Email.Expose()
	password := snap.User.Password.Expose()
	passwordHash := journal.HashPassword(password)

	j, err := inst.deps.Journal.LoadJournal(userName)
	if err != nil {
		inst.deps.Log.WithField("user", userName).WithError(err).Warn("failed to load signin journal")
	}

	resume := journal.DecideResume(j, passwordHash, snap.Properties.SigninFailExecutionReduce)
	journal.MaybeSendReduceMail(j, snap.Properties.SigninFailMailReduce, inst.deps.Notifier, userName, address, inst.now())

	if !resume.ShouldRun() {
		code := domain.FailureSignInFailed(domain.SignInFailureIncorrectCredentials)
		inst.persistSigninOutcome(j, passwordHash, true, resume, domain.SignInFailureIncorrectCredentials, true, userName, address)
		return code
	}

	creds := scraper.Credentials{EmployeeNumber: snap.User.EmployeeNumber, Password: password}
	attempts := snap.Properties.ExecutionRetryCount
	if attempts < 1 {
		attempts = 1
	}

	var finalCode domain.FailureKind
	for attempt := 0; attempt < attempts; attempt++ {
		shifts, runErr := inst.deps.Scraper.Run(ctx, creds, mode)
		kind := scraper.AsFailureKind(runErr)

		if kind.IsOK() {
			inst.applyShiftDiff(snap, shifts)
			inst.persistSigninOutcome(j, passwordHash, false, resume, domain.SignInFailure(""), false, userName, address)
			return domain.FailureOK
		}

		finalCode = kind
		if _, isSignIn := kind.IsSignInFailed(); isSignIn {
			break
		}
		if kind.Equal(domain.FailureConnectError) {
			break
		}
		// transient Other: retry
	}

	if finalCode.IsOK() {
		finalCode = domain.FailureTriesExceeded
	}

	signIn, hasSignIn := finalCode.IsSignInFailed()
	inst.persistSigninOutcome(j, passwordHash, true, resume, signIn, hasSignIn, userName, address)
	return finalCode
}

func (inst *Instance) persistSigninOutcome(j domain.IncorrectCredentialsCount, hash uint64, failed bool, resume domain.ResumeReason, failure domain.SignInFailure, hasFailure bool, userName, address string) {
	next := journal.UpdateSigninFailure(j, hash, failed, resume, failure, hasFailure, inst.deps.Notifier, userName, address, inst.now())
	if err := inst.deps.Journal.SaveJournal(userName, next); err != nil {
		inst.deps.Log.WithField("user", userName).WithError(err).Warn("failed to save signin journal")
	}
	metrics.SetSigninFailureStreak(userName, next.RetryCount)
}

func (inst *Instance) applyShiftDiff(snap Snapshot, shifts domain.ShiftSet) {
	added, updated, removed := shifts.Diff(inst.lastShifts)
	inst.lastShifts = shifts

	userName := snap.User.UserName
	address := snap.User.Email.Expose()
	if len(added) > 0 && snap.User.Properties.SendNewShifts {
		inst.deps.Notifier.Send(userName, address, notifier.NewShiftsEvent(added))
	}
	if len(updated) > 0 && snap.User.Properties.SendUpdatedShifts {
		inst.deps.Notifier.Send(userName, address, notifier.UpdatedShiftsEvent(updated))
	}
	if len(removed) > 0 && snap.User.Properties.SendRemovedShifts {
		inst.deps.Notifier.Send(userName, address, notifier.RemovedShiftsEvent(removed))
	}

	if inst.deps.Calendar != nil {
		path := inst.calendarPath(snap)
		if err := inst.deps.Calendar.Write(path, shifts, "ok"); err != nil {
			inst.deps.Log.WithField("user", userName).WithError(err).Warn("failed to write calendar file")
		}
	}
}

func (inst *Instance) calendarPath(snap Snapshot) string {
	return filepath.Join(snap.Properties.FileTarget, snap.User.CalendarFileStem()+".ics")
}

// handleExecutionFinished runs the post-run pipeline: timestamp
// persistence, the lifecycle check, the calendar status patch and monitor
// heartbeat when the exit code changed, and the logbook save. The signin
// journal is updated earlier, in runOnce.
func (inst *Instance) handleExecutionFinished(ctx context.Context, code domain.FailureKind) (exit bool) {
	previous := inst.lastExitCode
	inst.lastExitCode = code
	inst.setState(StateIdle)

	snap := inst.Snapshot()
	now := inst.now()

	update := domain.TimestampUpdate{LastExecutionDate: &now}
	if signIn, ok := code.IsSignInFailed(); !(ok && signIn == domain.SignInFailureIncorrectCredentials) {
		update.LastSuccessfulSignInDate = &now
	}
	if inst.lastTriggerWasTimer {
		update.LastSystemExecutionDate = &now
	}
	if err := inst.deps.Store.UpdateUserTimestamps(ctx, snap.User.ID, update); err != nil {
		inst.deps.Log.WithField("user", snap.User.UserName).WithError(err).Warn("failed to persist timestamps")
	}

	metrics.ObserveScraperRun(snap.User.UserName, code.String())

	if inst.deps.Lifecycle != nil {
		refreshed := snap.User
		refreshed.LastExecutionDate = update.LastExecutionDate
		if update.LastSuccessfulSignInDate != nil {
			refreshed.LastSuccessfulSignInDate = update.LastSuccessfulSignInDate
		}
		outcome, err := inst.deps.Lifecycle.CheckAndMaybeDelete(ctx, refreshed, now)
		if err != nil {
			inst.deps.Log.WithField("user", snap.User.UserName).WithError(err).Warn("lifecycle check failed")
		}
		if outcome == domain.DeleteOutcomeTerminated {
			inst.Send(domain.StartRequest{Kind: domain.RequestDelete})
			return false
		}
	}

	if !previous.Equal(code) {
		status := "ok"
		if !code.IsOK() {
			status = code.String()
		}
		path := inst.calendarPath(snap)
		if inst.deps.Calendar != nil {
			if err := inst.deps.Calendar.PatchStatus(path, status); err != nil {
				inst.deps.Log.WithField("user", snap.User.UserName).WithError(err).Debug("calendar status patch skipped")
			}
		}
		if inst.deps.Monitor != nil {
			if err := inst.deps.Monitor.Heartbeat(ctx, snap.User.UserName, code.IsOK(), code.String()); err != nil {
				inst.deps.Log.WithField("user", snap.User.UserName).WithError(err).Warn("monitor heartbeat failed")
			}
		}
	}

	lb := domain.ApplicationLogbook{
		LastExitCode:  code.String(),
		TotalShifts:   len(inst.lastShifts),
		AddedShifts:   0,
		UpdatedShifts: 0,
		RemovedShifts: 0,
	}
	if err := inst.deps.Journal.SaveLogbook(snap.User.UserName, lb); err != nil {
		inst.deps.Log.WithField("user", snap.User.UserName).WithError(err).Warn("failed to persist logbook")
	}

	if inst.singleShot {
		return true
	}
	return false
}
