// Package journal implements the per-user sign-in failure journal
// (IncorrectCredentialsCount) and the decide/update rules around it, plus
// the on-disk ApplicationLogbook. Both are small JSON files per user: flat
// per-tenant state files rather than extra database tables for transient
// bookkeeping.
package journal

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/notifier"
)

// HashPassword derives the stable uint64 used to detect a changed password
// without storing the plaintext a second time.
func HashPassword(password string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(password))
	return h.Sum64()
}

// Store persists per-user journal/logbook files under a data directory.
type Store struct {
	dataDir string
}

func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) journalPath(userName string) string {
	return filepath.Join(s.dataDir, userName, "signin_failure.json")
}

func (s *Store) logbookPath(userName string) string {
	return filepath.Join(s.dataDir, userName, "logbook.json")
}

// LoadJournal reads a user's sign-in failure journal, returning a zero value
// if none exists yet.
func (s *Store) LoadJournal(userName string) (domain.IncorrectCredentialsCount, error) {
	raw, err := os.ReadFile(s.journalPath(userName))
	if os.IsNotExist(err) {
		return domain.IncorrectCredentialsCount{}, nil
	}
	if err != nil {
		return domain.IncorrectCredentialsCount{}, fmt.Errorf("read signin journal: %w", err)
	}
	var j domain.IncorrectCredentialsCount
	if err := json.Unmarshal(raw, &j); err != nil {
		return domain.IncorrectCredentialsCount{}, fmt.Errorf("decode signin journal: %w", err)
	}
	return j, nil
}

// SaveJournal persists j for userName, creating the user's directory if
// this is its first write.
func (s *Store) SaveJournal(userName string, j domain.IncorrectCredentialsCount) error {
	path := s.journalPath(userName)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode signin journal: %w", err)
	}
	return os.WriteFile(path, raw, 0600)
}

// LoadLogbook reads a user's ApplicationLogbook, returning a zero value if
// none exists yet.
func (s *Store) LoadLogbook(userName string) (domain.ApplicationLogbook, error) {
	raw, err := os.ReadFile(s.logbookPath(userName))
	if os.IsNotExist(err) {
		return domain.ApplicationLogbook{}, nil
	}
	if err != nil {
		return domain.ApplicationLogbook{}, fmt.Errorf("read logbook: %w", err)
	}
	var lb domain.ApplicationLogbook
	if err := json.Unmarshal(raw, &lb); err != nil {
		return domain.ApplicationLogbook{}, fmt.Errorf("decode logbook: %w", err)
	}
	return lb, nil
}

// SaveLogbook persists lb for userName.
func (s *Store) SaveLogbook(userName string, lb domain.ApplicationLogbook) error {
	path := s.logbookPath(userName)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	raw, err := json.Marshal(lb)
	if err != nil {
		return fmt.Errorf("encode logbook: %w", err)
	}
	return os.WriteFile(path, raw, 0600)
}

// DecideResume applies the "before each run" rule: whether this scheduled
// run should actually invoke the Scraper, and what to report instead if not.
func DecideResume(j domain.IncorrectCredentialsCount, currentPasswordHash uint64, executionReduce int) domain.ResumeReason {
	if j.PreviousPasswordHash == nil || *j.PreviousPasswordHash != currentPasswordHash {
		return domain.ResumeNewPassword
	}
	if j.Error != nil && *j.Error == domain.SignInFailureIncorrectCredentials {
		return domain.ResumeIncorrectCredentials
	}
	if executionReduce > 0 && j.RetryCount%executionReduce != 0 {
		return domain.ResumeSigninFailureReduce
	}
	return domain.ResumeOK
}

// MaybeSendReduceMail implements the "also" clause of DecideResume: when the
// retry count lines up with signinFailMailReduce and an error is on record,
// resend a reminder email (first=false).
func MaybeSendReduceMail(j domain.IncorrectCredentialsCount, mailReduce int, notif notifier.Notifier, userName, address string, firstFailureTime time.Time) {
	if j.Error == nil || mailReduce <= 0 {
		return
	}
	if j.RetryCount%mailReduce == 0 {
		notif.Send(userName, address, notifier.SignInFailedEvent(j.RetryCount, firstFailureTime))
	}
}

// UpdateSigninFailure applies the "after each run" rule, returning the
// journal's new state. notif/userName/address are used to emit the
// IncorrectNewPassword/SignInFailed/SignInRecovered events inline.
func UpdateSigninFailure(
	j domain.IncorrectCredentialsCount,
	currentPasswordHash uint64,
	failed bool,
	resumeReason domain.ResumeReason,
	failure domain.SignInFailure,
	hasFailure bool,
	notif notifier.Notifier,
	userName, address string,
	now time.Time,
) domain.IncorrectCredentialsCount {
	if hasFailure && failure == domain.SignInFailureIncorrectCredentials && resumeReason == domain.ResumeNewPassword {
		notif.Send(userName, address, notifier.IncorrectNewPasswordEvent())
	}

	next := j
	next.PreviousPasswordHash = &currentPasswordHash

	if failed {
		if hasFailure {
			f := failure
			next.Error = &f
		}
		if j.RetryCount == 0 {
			next.RetryCount = 1
			notif.Send(userName, address, notifier.SignInFailedEvent(next.RetryCount, now))
		} else {
			next.RetryCount = j.RetryCount + 1
		}
		return next
	}

	if j.Error != nil {
		notif.Send(userName, address, notifier.SignInRecoveredEvent())
	}
	next.RetryCount = 0
	next.Error = nil
	return next
}
