package notifier

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

// SMTPNotifier renders each Event to a short plaintext message and relays it
// through the configured SMTP server. No third-party mail library exists
// anywhere in the retrieval pack, so this is one of the few ambient concerns
// implemented directly on net/smtp.
type SMTPNotifier struct {
	props domain.EmailProperties
	port  int
	log   *logger.Logger
}

func NewSMTPNotifier(props domain.EmailProperties, port int, log *logger.Logger) *SMTPNotifier {
	if log == nil {
		log = logger.NewDefault("notifier")
	}
	return &SMTPNotifier{props: props, port: port, log: log}
}

func (n *SMTPNotifier) Send(userName, address string, ev Event) {
	subject, body := render(userName, ev)
	if err := n.deliver(address, subject, body); err != nil {
		n.log.WithField("user", userName).WithField("event", string(ev.Kind)).WithError(err).Warn("notification delivery failed")
	}
}

func (n *SMTPNotifier) deliver(to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("no destination address")
	}
	addr := fmt.Sprintf("%s:%d", n.props.SMTPServer, n.port)

	var auth smtp.Auth
	if n.props.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.props.SMTPUsername, n.props.SMTPPassword.Expose(), n.props.SMTPServer)
	}

	msg := buildMessage(n.props.MailFrom, to, subject, body)
	return smtp.SendMail(addr, auth, n.props.MailFrom, []string{to}, []byte(msg))
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

func render(userName string, ev Event) (subject, body string) {
	switch ev.Kind {
	case EventNewShifts:
		return "New shifts published", fmt.Sprintf("%d new shift(s) were added to your schedule.", len(ev.Shifts))
	case EventUpdatedShifts:
		return "Shifts updated", fmt.Sprintf("%d shift(s) on your schedule were changed.", len(ev.Shifts))
	case EventRemovedShifts:
		return "Shifts removed", fmt.Sprintf("%d shift(s) were removed from your schedule.", len(ev.Shifts))
	case EventWelcome:
		if ev.Force {
			return "Welcome back", "Your account configuration was reset; here is your welcome message again."
		}
		return "Welcome", fmt.Sprintf("Your account %q is now being tracked.", userName)
	case EventDeletionWarning:
		return "Account deletion warning", "Your account has been inactive and will be deleted soon unless it signs in again."
	case EventAccountDeleted:
		return "Account deleted", fmt.Sprintf("Your account was deleted (reason: %s).", ev.Reason)
	case EventSignInFailed:
		return "Sign-in failing", fmt.Sprintf("Sign-in has failed %d time(s) since %s.", ev.SignInFailureCount, ev.FirstFailureTime.Format("2006-01-02 15:04"))
	case EventSignInRecovered:
		return "Sign-in recovered", "Sign-in is succeeding again."
	case EventIncorrectNewPassword:
		return "Password update rejected", "The new password you set could not sign in; the previous password remains active."
	case EventOperatorErrors:
		return "Operator errors", strings.Join(ev.OperatorErrors, "\n")
	default:
		return "Notification", ""
	}
}
