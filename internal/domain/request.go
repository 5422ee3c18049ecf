package domain

// StartRequestKind is the closed set of events a UserInstance's inbox
// accepts. Modeled as a string enum with a switch at the handler, not as an
// interface-per-request, since the set is closed and part of the API
// contract.
type StartRequestKind string

const (
	// Execution triggers.
	RequestTimer  StartRequestKind = "timer"
	RequestAPI    StartRequestKind = "api"
	RequestForce  StartRequestKind = "force"
	RequestSingle StartRequestKind = "single"

	// Pure queries; never transition state or launch a scraper.
	RequestLogbook  StartRequestKind = "logbook"
	RequestName     StartRequestKind = "name"
	RequestIsActive StartRequestKind = "is_active"
	RequestExitCode StartRequestKind = "exit_code"
	RequestUserData StartRequestKind = "user_data"
	RequestWelcome  StartRequestKind = "welcome"
	RequestCalendar StartRequestKind = "calendar"
	RequestStanding StartRequestKind = "standing"

	// Control.
	RequestDelete StartRequestKind = "delete"

	// Internal: posted by the scraper task into the instance's own inbox.
	RequestExecutionFinished StartRequestKind = "execution_finished"
)

// StartRequest is one message on a UserInstance's bounded inbox.
type StartRequest struct {
	Kind StartRequestKind

	// ExecutionResult carries the FailureKind for RequestExecutionFinished.
	ExecutionResult FailureKind
}

// IsExecutionTrigger reports whether this request, if the instance is Idle,
// spawns a scraper run.
func (r StartRequest) IsExecutionTrigger() bool {
	switch r.Kind {
	case RequestTimer, RequestAPI, RequestForce, RequestSingle:
		return true
	default:
		return false
	}
}

// IsQuery reports whether this request is a pure read that never mutates
// instance state.
func (r StartRequest) IsQuery() bool {
	switch r.Kind {
	case RequestLogbook, RequestName, RequestIsActive, RequestExitCode,
		RequestUserData, RequestCalendar, RequestStanding:
		return true
	default:
		return false
	}
}

// ResponseKind discriminates the payload carried by a RequestResponse.
type ResponseKind string

const (
	ResponseBool    ResponseKind = "bool"
	ResponseString  ResponseKind = "string"
	ResponseJSON    ResponseKind = "json"
	ResponseFailure ResponseKind = "failure_kind"
)

// RequestResponse is the single reply a UserInstance posts to its bounded
// response outbox for any request that expects one.
type RequestResponse struct {
	Kind ResponseKind

	Bool    bool
	String  string
	JSON    any
	Failure FailureKind
}
