package xerrors

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

func ParsePGErrorCode(err error) string {
	if pgErr, ok := err.(*pgconn.PgError); ok {
		return pgErr.Code // e.g. 23505 for unique_violation
	}
	return "unknown"
}

// Generic
var (
	ErrInvalidInput   = errors.New("invalid input provided")
	ErrInternalServer = errors.New("internal server error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
)

// Notifications
var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrRecipientRequired    = errors.New("recipient required")
	ErrInvalidType          = errors.New("invalid notification type")
	ErrInvalidPriority      = errors.New("invalid notification priority")
	ErrInvalidChannel       = errors.New("invalid channel")
	ErrContentRequired      = errors.New("notification content or template required")
)

// Preferences
var (
	ErrPreferenceNotFound = errors.New("preferences not found")
)

// Templates
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateInactive = errors.New("template is not active")
	ErrTemplateExists   = errors.New("template version already exists")
	ErrInvalidTemplate  = errors.New("invalid template syntax")
	ErrRenderFailed     = errors.New("template render failed")
	ErrMissingVariable  = errors.New("missing required template variable")
)

// Queue
var (
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrQueuePaused      = errors.New("queue paused")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotRemovable  = errors.New("job is not in a removable state")
)

// Token
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// PermanentError marks a failure retrying cannot fix; the worker fails the
// job immediately instead of scheduling another attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
