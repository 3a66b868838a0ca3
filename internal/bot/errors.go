package bot

import "errors"

var (
	ErrNotFound          = errors.New("bot not found")
	ErrConfigInvalid     = errors.New("bot configuration is invalid")
	ErrInvalidCredential = errors.New("bot credential was rejected")
	ErrMissingIntent     = errors.New("bot is missing a privileged gateway intent")
	ErrTransientIO       = errors.New("transient i/o failure")
	ErrUnknown           = errors.New("unknown bot failure")
)

type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindNotFound          ErrorKind = "NotFound"
	KindConfigInvalid     ErrorKind = "ConfigInvalid"
	KindInvalidCredential ErrorKind = "InvalidCredential"
	KindMissingIntent     ErrorKind = "MissingIntent"
	KindTransientIO       ErrorKind = "TransientIO"
	KindUnknown           ErrorKind = "Unknown"
)

// KindOf maps err onto the error taxonomy. Errors that wrap none of the
// sentinels are Unknown.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, ErrInvalidCredential):
		return KindInvalidCredential
	case errors.Is(err, ErrMissingIntent):
		return KindMissingIntent
	case errors.Is(err, ErrTransientIO):
		return KindTransientIO
	default:
		return KindUnknown
	}
}

// SentinelOf maps a kind back to its sentinel error.
func SentinelOf(kind ErrorKind) error {
	switch kind {
	case KindNone:
		return nil
	case KindNotFound:
		return ErrNotFound
	case KindConfigInvalid:
		return ErrConfigInvalid
	case KindInvalidCredential:
		return ErrInvalidCredential
	case KindMissingIntent:
		return ErrMissingIntent
	case KindTransientIO:
		return ErrTransientIO
	default:
		return ErrUnknown
	}
}
