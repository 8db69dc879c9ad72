// Package errcode marks errors with the kind of failure so that callers can decide
// whether to retry, report, or abort.
package errcode

import (
	"github.com/cockroachdb/errors"
)

var (
	// The table kind or engine does not support the requested operation.
	ErrUnsupported = errors.New("unsupported operation")

	// The statement is well formed but cannot be executed as written.
	ErrUnimplemented = errors.New("unimplemented")

	ErrEntitlement = errors.New("entitlement denied")

	// An optimistic version check failed.
	ErrConflict = errors.New("conflict")

	ErrInternal = errors.New("internal error")

	// The failure is in the metadata store or storage IO and is worth retrying.
	ErrTransient = errors.New("transient")

	ErrLockTimeout = errors.New("lock timeout")

	ErrSchemaMismatch = errors.New("schema mismatch")
)

var kinds = []error{
	ErrUnsupported,
	ErrUnimplemented,
	ErrEntitlement,
	ErrConflict,
	ErrInternal,
	ErrTransient,
	ErrLockTimeout,
	ErrSchemaMismatch,
}

func Unsupportedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnsupported)
}

func Unimplementedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnimplemented)
}

func Entitlementf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrEntitlement)
}

func Conflictf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

func Internalf(format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrInternal)
}

func LockTimeoutf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrLockTimeout)
}

func SchemaMismatchf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrSchemaMismatch)
}

func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Kind returns the first kind that err is marked with, or nil.
func Kind(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}
