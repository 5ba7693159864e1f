package errcode

const (
	ErrUnknown = 10000000 + iota
	ErrNotFound
	ErrInvalid
	ErrConflict
	ErrInternal
	ErrConfiguration
	ErrProvider
	ErrConsistency
	ErrReindexing
	ErrAIUnavailable
	ErrTooMany
)
