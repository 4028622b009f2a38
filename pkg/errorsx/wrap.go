package errorsx

import "errors"

// ReasonedError tags an error with the call stage that raised it.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with reason. The innermost tag wins, so an error that
// already carries a reason is returned untouched.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := find(err); ok {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

func find(err error) (ReasonedError, bool) {
	var re ReasonedError
	ok := errors.As(err, &re)
	return re, ok
}

func Reason(err error) ReasonCode {
	if re, ok := find(err); ok {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Transient reports whether err was raised by a condition that usually
// clears on its own (PBX link, recognizer socket, vendor rate limit).
func Transient(err error) bool {
	switch Reason(err) {
	case ReasonARIConnect, ReasonARICommand, ReasonRecognizerConnect, ReasonIntentRateLimit, ReasonStreamSend:
		return true
	}
	return false
}

// LogAttrs returns slog key/value pairs for err.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	return []any{"reason", string(Reason(err)), "error", err.Error()}
}
