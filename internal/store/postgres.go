package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	core "github.com/fleetwatch/orchestrator/internal/core/service"
	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/secretbox"
)

// mutationRetry bounds the retry budget for the three mutating calls every
// reconcile and post-run pipeline makes, absorbing a transient connection
// blip without surfacing an error that would otherwise mark a healthy user
// as a reconcile failure for a whole cycle.
var mutationRetry = core.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
	Multiplier:     2,
}

// Postgres is the Store implementation backed by a PostgreSQL database via
// sqlx + lib/pq. Schema is managed out-of-band by internal/platform/migrations.
type Postgres struct {
	db                *sqlx.DB
	masterSecret      []byte
	defaultPropertyID int64
}

// NewPostgres wraps db. masterSecret is PASSWORD_SECRET; every Secret column
// is encrypted with a key derived from it, salted per-row so no two users
// share a key. defaultPropertyID is DEFAULT_PROPERTIES_ID (falls back to 1).
func NewPostgres(db *sql.DB, masterSecret string, defaultPropertyID int64) *Postgres {
	if defaultPropertyID <= 0 {
		defaultPropertyID = 1
	}
	return &Postgres{
		db:                sqlx.NewDb(db, "postgres"),
		masterSecret:      []byte(masterSecret),
		defaultPropertyID: defaultPropertyID,
	}
}

type userRow struct {
	ID                        int64          `db:"id"`
	UserName                  string         `db:"user_name"`
	EmployeeNumber            string         `db:"employee_number"`
	PasswordCipher            []byte         `db:"password_cipher"`
	DisplayNameCipher         []byte         `db:"display_name_cipher"`
	EmailCipher               []byte         `db:"email_cipher"`
	FileName                  sql.NullString `db:"file_name"`
	CreationDate              time.Time      `db:"creation_date"`
	LastExecutionDate         sql.NullTime   `db:"last_execution_date"`
	LastSuccessfulSignInDate  sql.NullTime   `db:"last_successful_sign_in_date"`
	LastSystemExecutionDate   sql.NullTime   `db:"last_system_execution_date"`
	ExecutionIntervalMinutes  int            `db:"execution_interval_minutes"`
	ExecutionMinute           int            `db:"execution_minute"`
	AutoDeleteAccount         bool           `db:"auto_delete_account"`
	SendNewShifts             bool           `db:"send_new_shifts"`
	SendUpdatedShifts         bool           `db:"send_updated_shifts"`
	SendRemovedShifts         bool           `db:"send_removed_shifts"`
	SendSigninMail            bool           `db:"send_signin_mail"`
	CronOverride              sql.NullString `db:"cron_override"`
	CustomGeneralPropertiesID sql.NullInt64  `db:"custom_general_properties_id"`
}

func (p *Postgres) deriveKey(userID int64) ([]byte, error) {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(userID))
	return secretbox.DeriveKey(p.masterSecret, salt, "fleetwatch-secret")
}

func (p *Postgres) decryptSecret(userID int64, cipher []byte) (domain.Secret, error) {
	if len(cipher) == 0 {
		return domain.Secret{}, nil
	}
	key, err := p.deriveKey(userID)
	if err != nil {
		return domain.Secret{}, err
	}
	plain, err := secretbox.Decrypt(key, cipher)
	if err != nil {
		return domain.Secret{}, fmt.Errorf("decrypt secret: %w", err)
	}
	return domain.NewSecret(string(plain)), nil
}

func (p *Postgres) encryptSecret(userID int64, s domain.Secret) ([]byte, error) {
	if s.IsEmpty() {
		return nil, nil
	}
	key, err := p.deriveKey(userID)
	if err != nil {
		return nil, err
	}
	return secretbox.Encrypt(key, []byte(s.Expose()))
}

func (p *Postgres) toDomain(r userRow) (*domain.User, error) {
	password, err := p.decryptSecret(r.ID, r.PasswordCipher)
	if err != nil {
		return nil, err
	}
	displayName, err := p.decryptSecret(r.ID, r.DisplayNameCipher)
	if err != nil {
		return nil, err
	}
	email, err := p.decryptSecret(r.ID, r.EmailCipher)
	if err != nil {
		return nil, err
	}

	u := &domain.User{
		ID:             r.ID,
		UserName:       r.UserName,
		EmployeeNumber: r.EmployeeNumber,
		Password:       password,
		DisplayName:    displayName,
		Email:          email,
		CreationDate:   r.CreationDate,
		Properties: domain.UserProperties{
			ExecutionIntervalMinutes: r.ExecutionIntervalMinutes,
			ExecutionMinute:          r.ExecutionMinute,
			AutoDeleteAccount:        r.AutoDeleteAccount,
			SendNewShifts:            r.SendNewShifts,
			SendUpdatedShifts:        r.SendUpdatedShifts,
			SendRemovedShifts:        r.SendRemovedShifts,
			SendSigninMail:           r.SendSigninMail,
		},
	}
	if r.FileName.Valid {
		u.FileName = r.FileName.String
	}
	if r.CronOverride.Valid {
		u.Properties.CronOverride = r.CronOverride.String
	}
	if r.LastExecutionDate.Valid {
		t := r.LastExecutionDate.Time
		u.LastExecutionDate = &t
	}
	if r.LastSuccessfulSignInDate.Valid {
		t := r.LastSuccessfulSignInDate.Time
		u.LastSuccessfulSignInDate = &t
	}
	if r.LastSystemExecutionDate.Valid {
		t := r.LastSystemExecutionDate.Time
		u.LastSystemExecutionDate = &t
	}
	if r.CustomGeneralPropertiesID.Valid {
		id := r.CustomGeneralPropertiesID.Int64
		u.CustomGeneralPropertiesID = &id
	}
	return u, nil
}

const userColumns = `id, user_name, employee_number, password_cipher, display_name_cipher,
	email_cipher, file_name, creation_date, last_execution_date,
	last_successful_sign_in_date, last_system_execution_date,
	execution_interval_minutes, execution_minute, auto_delete_account,
	send_new_shifts, send_updated_shifts, send_removed_shifts, send_signin_mail,
	cron_override, custom_general_properties_id`

func (p *Postgres) ListUserNames(ctx context.Context) ([]string, error) {
	var names []string
	err := p.db.SelectContext(ctx, &names, `SELECT user_name FROM users WHERE deleted_at IS NULL ORDER BY user_name`)
	if err != nil {
		return nil, fmt.Errorf("list user names: %w", err)
	}
	return names, nil
}

func (p *Postgres) LoadUserByName(ctx context.Context, userName string) (*domain.User, error) {
	var r userRow
	query := fmt.Sprintf(`SELECT %s FROM users WHERE user_name = $1 AND deleted_at IS NULL`, userColumns)
	if err := p.db.GetContext(ctx, &r, query, userName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user %q: %w", userName, err)
	}
	return p.toDomain(r)
}

func (p *Postgres) LoadUserByID(ctx context.Context, id int64) (*domain.User, error) {
	var r userRow
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1 AND deleted_at IS NULL`, userColumns)
	if err := p.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	return p.toDomain(r)
}

type propertiesRow struct {
	ID                           int64  `db:"id"`
	CalendarTarget               string `db:"calendar_target"`
	FileTarget                   string `db:"file_target"`
	ICalDomain                   string `db:"ical_domain"`
	WebcalDomain                 string `db:"webcal_domain"`
	PDFShiftDomain               string `db:"pdf_shift_domain"`
	SigninFailExecutionReduce    int    `db:"signin_fail_execution_reduce"`
	SigninFailMailReduce         int    `db:"signin_fail_mail_reduce"`
	ExpectedExecutionTimeSeconds int    `db:"expected_execution_time_seconds"`
	ExecutionRetryCount          int    `db:"execution_retry_count"`
	SupportMail                  string `db:"support_mail"`
	PasswordResetLink            string `db:"password_reset_link"`

	KumaDomain                 string `db:"kuma_domain"`
	KumaUsername               string `db:"kuma_username"`
	KumaPassword                string `db:"kuma_password"`
	KumaHeartbeatRetry         int    `db:"kuma_heartbeat_retry"`
	KumaOfflineMailResendHours int    `db:"kuma_offline_mail_resend_hours"`
	KumaMailPort               int    `db:"kuma_mail_port"`
	KumaUseSSL                 bool   `db:"kuma_use_ssl"`
	KumaSMTPServer             string `db:"kuma_smtp_server"`
	KumaSMTPUsername           string `db:"kuma_smtp_username"`
	KumaSMTPPassword           string `db:"kuma_smtp_password"`
	KumaMailFrom               string `db:"kuma_mail_from"`

	GeneralSMTPServer   string `db:"general_smtp_server"`
	GeneralSMTPUsername string `db:"general_smtp_username"`
	GeneralSMTPPassword string `db:"general_smtp_password"`
	GeneralMailFrom     string `db:"general_mail_from"`

	TemplateOnline  string `db:"template_online"`
	TemplateOffline string `db:"template_offline"`
}

func (r propertiesRow) toDomain() *domain.GeneralProperties {
	return &domain.GeneralProperties{
		ID:                           r.ID,
		CalendarTarget:               r.CalendarTarget,
		FileTarget:                   r.FileTarget,
		ICalDomain:                   r.ICalDomain,
		WebcalDomain:                 r.WebcalDomain,
		PDFShiftDomain:               r.PDFShiftDomain,
		SigninFailExecutionReduce:    r.SigninFailExecutionReduce,
		SigninFailMailReduce:         r.SigninFailMailReduce,
		ExpectedExecutionTimeSeconds: r.ExpectedExecutionTimeSeconds,
		ExecutionRetryCount:          r.ExecutionRetryCount,
		SupportMail:                  r.SupportMail,
		PasswordResetLink:            r.PasswordResetLink,
		Kuma: domain.KumaProperties{
			Domain:                 r.KumaDomain,
			Username:               r.KumaUsername,
			Password:               domain.NewSecret(r.KumaPassword),
			HeartbeatRetry:         r.KumaHeartbeatRetry,
			OfflineMailResendHours: r.KumaOfflineMailResendHours,
			MailPort:               r.KumaMailPort,
			UseSSL:                 r.KumaUseSSL,
			Email: domain.EmailProperties{
				SMTPServer:   r.KumaSMTPServer,
				SMTPUsername: r.KumaSMTPUsername,
				SMTPPassword: domain.NewSecret(r.KumaSMTPPassword),
				MailFrom:     r.KumaMailFrom,
			},
		},
		Email: domain.EmailProperties{
			SMTPServer:   r.GeneralSMTPServer,
			SMTPUsername: r.GeneralSMTPUsername,
			SMTPPassword: domain.NewSecret(r.GeneralSMTPPassword),
			MailFrom:     r.GeneralMailFrom,
		},
		Templates: domain.NotificationTemplates{
			Online:  r.TemplateOnline,
			Offline: r.TemplateOffline,
		},
	}
}

const propertiesColumns = `id, calendar_target, file_target, ical_domain, webcal_domain, pdf_shift_domain,
	signin_fail_execution_reduce, signin_fail_mail_reduce, expected_execution_time_seconds,
	execution_retry_count, support_mail, password_reset_link,
	kuma_domain, kuma_username, kuma_password, kuma_heartbeat_retry, kuma_offline_mail_resend_hours,
	kuma_mail_port, kuma_use_ssl, kuma_smtp_server, kuma_smtp_username, kuma_smtp_password, kuma_mail_from,
	general_smtp_server, general_smtp_username, general_smtp_password, general_mail_from,
	template_online, template_offline`

func (p *Postgres) LoadProperties(ctx context.Context, id int64) (*domain.GeneralProperties, error) {
	var r propertiesRow
	query := fmt.Sprintf(`SELECT %s FROM general_properties WHERE id = $1`, propertiesColumns)
	if err := p.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load properties %d: %w", id, err)
	}
	return r.toDomain(), nil
}

func (p *Postgres) LoadDefaultProperties(ctx context.Context) (*domain.GeneralProperties, error) {
	props, err := p.LoadProperties(ctx, p.defaultPropertyID)
	if errors.Is(err, ErrNotFound) && p.defaultPropertyID != 1 {
		return p.LoadProperties(ctx, 1)
	}
	return props, err
}

func (p *Postgres) UpdateUserTimestamps(ctx context.Context, id int64, upd domain.TimestampUpdate) error {
	err := core.Retry(ctx, mutationRetry, func() error {
		_, err := p.db.ExecContext(ctx, `
			UPDATE users SET
				last_execution_date = COALESCE($2, last_execution_date),
				last_successful_sign_in_date = COALESCE($3, last_successful_sign_in_date),
				last_system_execution_date = COALESCE($4, last_system_execution_date)
			WHERE id = $1`,
			id, upd.LastExecutionDate, upd.LastSuccessfulSignInDate, upd.LastSystemExecutionDate)
		return err
	})
	if err != nil {
		return fmt.Errorf("update timestamps for %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) UpdateUserName(ctx context.Context, id int64, displayName domain.Secret) error {
	cipher, err := p.encryptSecret(id, displayName)
	if err != nil {
		return fmt.Errorf("encrypt display name: %w", err)
	}
	err = core.Retry(ctx, mutationRetry, func() error {
		_, err := p.db.ExecContext(ctx, `UPDATE users SET display_name_cipher = $2 WHERE id = $1`, id, cipher)
		return err
	})
	if err != nil {
		return fmt.Errorf("update display name for %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) DeleteUser(ctx context.Context, id int64) error {
	err := core.Retry(ctx, mutationRetry, func() error {
		_, err := p.db.ExecContext(ctx, `UPDATE users SET deleted_at = now() WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListArchivedUsers(ctx context.Context) ([]string, error) {
	var names []string
	err := p.db.SelectContext(ctx, &names, `SELECT user_name FROM users WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list archived users: %w", err)
	}
	return names, nil
}
