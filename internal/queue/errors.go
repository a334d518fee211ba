package queue

import "errors"

type dropError struct{ err error }

func (e *dropError) Error() string { return e.err.Error() }
func (e *dropError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Drop marks err as a reason to acknowledge and discard the task without
// recording anything, e.g. a task whose job does not exist.
func Drop(err error) error {
	if err == nil {
		return nil
	}
	return &dropError{err: err}
}

// Permanent marks err as not worth retrying. The task goes straight to
// the exhausted path.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsDrop reports whether err was marked with Drop.
func IsDrop(err error) bool {
	var d *dropError
	return errors.As(err, &d)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
