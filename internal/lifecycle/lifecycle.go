// Package lifecycle implements LifecyclePolicy (C9): account-standing
// computation and the auto-deletion rules that follow from it.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/metrics"
	"github.com/fleetwatch/orchestrator/internal/monitorclient"
	"github.com/fleetwatch/orchestrator/internal/notifier"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

const (
	mustDeleteAfter      = 31 * 24 * time.Hour
	almostDeletedAfter   = 24 * 24 * time.Hour
	mustDeleteFreshAfter = 24 * time.Hour
)

// ComputeStanding is a pure function over (user, now) applying the
// auto-delete warning/deletion threshold table.
func ComputeStanding(user domain.User, now time.Time) domain.InstanceStanding {
	if !user.Properties.AutoDeleteAccount {
		return domain.StandingSafe
	}

	lastSuccess := user.LastSuccessfulSignInDate
	lastExec := user.LastExecutionDate

	switch {
	case lastSuccess != nil && lastExec != nil && lastSuccess.Equal(*lastExec):
		return domain.StandingSafe
	case lastSuccess != nil && now.Sub(*lastSuccess) >= mustDeleteAfter:
		return domain.StandingMustDelete
	case lastSuccess != nil && now.Sub(*lastSuccess) >= almostDeletedAfter:
		return domain.StandingAlmostDeleted
	case lastSuccess == nil && now.Sub(user.CreationDate) >= mustDeleteFreshAfter:
		return domain.StandingMustDeleteFresh
	case lastSuccess == nil:
		return domain.StandingFresh
	default:
		return domain.StandingInDanger
	}
}

// Policy owns the one side effect ComputeStanding doesn't: deleting a user,
// and the on-disk warning marker that gates a single DeletionWarning email.
type Policy struct {
	store    store.Store
	notifier notifier.Notifier
	monitor  monitorclient.Client
	dataDir  string
	log      *logger.Logger
}

func New(st store.Store, notif notifier.Notifier, monitor monitorclient.Client, dataDir string, log *logger.Logger) *Policy {
	if log == nil {
		log = logger.NewDefault("lifecycle")
	}
	return &Policy{store: st, notifier: notif, monitor: monitor, dataDir: dataDir, log: log}
}

func (p *Policy) warningMarkerPath(userName string) string {
	return filepath.Join(p.dataDir, userName, "warning_sent")
}

func (p *Policy) userDir(userName string) string {
	return filepath.Join(p.dataDir, userName)
}

// CheckAndMaybeDelete computes the user's current standing and acts on it:
// clearing or setting the warning marker, or deleting the account outright.
func (p *Policy) CheckAndMaybeDelete(ctx context.Context, user domain.User, now time.Time) (domain.DeleteOutcome, error) {
	standing := ComputeStanding(user, now)
	marker := p.warningMarkerPath(user.UserName)

	switch standing {
	case domain.StandingSafe:
		if _, err := os.Stat(marker); err == nil {
			if err := os.Remove(marker); err != nil {
				return domain.DeleteOutcomeContinue, fmt.Errorf("clear warning marker: %w", err)
			}
		}
		return domain.DeleteOutcomeContinue, nil

	case domain.StandingAlmostDeleted:
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			p.notifier.Send(user.UserName, user.Email.Expose(), notifier.DeletionWarningEvent())
			if err := os.MkdirAll(filepath.Dir(marker), 0700); err != nil {
				return domain.DeleteOutcomeContinue, fmt.Errorf("create user dir: %w", err)
			}
			if err := os.WriteFile(marker, nil, 0600); err != nil {
				return domain.DeleteOutcomeContinue, fmt.Errorf("write warning marker: %w", err)
			}
		}
		return domain.DeleteOutcomeContinue, nil

	case domain.StandingMustDelete:
		if err := p.Delete(ctx, user.ID, user.UserName, domain.DeletionReasonOldAge); err != nil {
			return domain.DeleteOutcomeContinue, err
		}
		return domain.DeleteOutcomeTerminated, nil

	case domain.StandingMustDeleteFresh:
		if err := p.Delete(ctx, user.ID, user.UserName, domain.DeletionReasonNewDead); err != nil {
			return domain.DeleteOutcomeContinue, err
		}
		return domain.DeleteOutcomeTerminated, nil

	default: // Fresh, InDanger
		return domain.DeleteOutcomeContinue, nil
	}
}

// Delete removes a user's per-user files, storage row, and external monitor
// entries, and notifies them it happened.
func (p *Policy) Delete(ctx context.Context, id int64, userName string, reason domain.DeletionReason) error {
	email := ""
	if user, err := p.store.LoadUserByID(ctx, id); err == nil {
		email = user.Email.Expose()
	}

	if err := os.RemoveAll(p.userDir(userName)); err != nil {
		p.log.WithField("user", userName).WithError(err).Warn("failed to remove per-user directory")
	}

	if err := p.store.DeleteUser(ctx, id); err != nil {
		return fmt.Errorf("delete user %s: %w", userName, err)
	}

	if p.monitor != nil {
		if err := p.monitor.DeleteMonitor(ctx, userName); err != nil {
			p.log.WithField("user", userName).WithError(err).Warn("failed to delete monitor on account deletion")
		}
		if err := p.monitor.DeleteNotification(ctx, userName); err != nil {
			p.log.WithField("user", userName).WithError(err).Warn("failed to delete notification on account deletion")
		}
	}

	p.notifier.Send(userName, email, notifier.AccountDeletedEvent(reason))
	metrics.DeleteUser(userName)
	p.log.WithField("user", userName).WithField("reason", string(reason)).Info("account deleted")
	return nil
}

// StandingInformation builds the /standing API payload for user as of now.
func StandingInformation(user domain.User, now time.Time) domain.StandingInformation {
	info := domain.StandingInformation{Standing: ComputeStanding(user, now)}
	if user.LastSuccessfulSignInDate != nil {
		s := user.LastSuccessfulSignInDate.Format(time.RFC3339)
		info.LastSuccessfulSignInDate = &s
	}
	if user.LastExecutionDate != nil {
		s := user.LastExecutionDate.Format(time.RFC3339)
		info.LastExecutionDate = &s
	}
	return info
}
