package domain

import "time"

// UserProperties are the per-user overrides layered on top of GeneralProperties.
type UserProperties struct {
	ExecutionIntervalMinutes int  `json:"executionIntervalMinutes"` // [1, 1440]
	ExecutionMinute          int  `json:"executionMinute"`          // [0, 59]
	AutoDeleteAccount        bool `json:"autoDeleteAccount"`

	// SendNewShifts, SendUpdatedShifts, SendRemovedShifts, SendSigninMail gate
	// which Notifier events this user wants; default true.
	SendNewShifts     bool `json:"sendNewShifts"`
	SendUpdatedShifts bool `json:"sendUpdatedShifts"`
	SendRemovedShifts bool `json:"sendRemovedShifts"`
	SendSigninMail    bool `json:"sendSigninMail"`

	// CronOverride, when non-empty, is a robfig/cron-style expression that
	// supersedes ExecutionMinute/ExecutionIntervalMinutes for PlanNext. This
	// is an additive knob the original Rust source never had.
	CronOverride string `json:"cronOverride,omitempty"`
}

// User is the persistent identity and routing key for one scraping target.
type User struct {
	ID             int64  `json:"id"`
	UserName       string `json:"userName"`
	EmployeeNumber string `json:"employeeNumber"`
	Password       Secret `json:"password"`
	DisplayName    Secret `json:"displayName"`
	Email          Secret `json:"email"`
	FileName       string `json:"fileName,omitempty"`

	CreationDate              time.Time  `json:"creationDate"`
	LastExecutionDate         *time.Time `json:"lastExecutionDate,omitempty"`
	LastSuccessfulSignInDate  *time.Time `json:"lastSuccessfulSignInDate,omitempty"`
	LastSystemExecutionDate   *time.Time `json:"lastSystemExecutionDate,omitempty"`

	Properties                UserProperties `json:"properties"`
	CustomGeneralPropertiesID *int64         `json:"customGeneralPropertiesId,omitempty"`
}

// CalendarFileStem returns the filename stem used for the published .ics
// file: FileName if set, otherwise UserName.
func (u User) CalendarFileStem() string {
	if u.FileName != "" {
		return u.FileName
	}
	return u.UserName
}

// TimestampUpdate is a partial, atomic update to a user's timestamp columns.
// Nil fields are left untouched by Store.UpdateUserTimestamps.
type TimestampUpdate struct {
	LastExecutionDate        *time.Time
	LastSuccessfulSignInDate *time.Time
	LastSystemExecutionDate  *time.Time
}
