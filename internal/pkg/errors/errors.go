package errors

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalid       = errors.New("invalid")
	ErrConflict      = errors.New("conflict")
	ErrInternal      = errors.New("internal")
	ErrConfiguration = errors.New("configuration error")
	ErrProvider      = errors.New("embedding provider error")
	ErrConsistency   = errors.New("index/registry consistency error")
	ErrReindexing    = errors.New("reindexing in progress")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

func IsProvider(err error) bool {
	return errors.Is(err, ErrProvider)
}

func IsConsistency(err error) bool {
	return errors.Is(err, ErrConsistency)
}

// IsFatal reports whether err must stop the process instead of being retried.
func IsFatal(err error) bool {
	return IsConfiguration(err) || IsConsistency(err)
}

func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

func IsReindexing(err error) bool {
	return errors.Is(err, ErrReindexing)
}
