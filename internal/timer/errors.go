package timer

import "errors"

// ErrStopped is returned by Wait once the timer has been stopped.
var ErrStopped = errors.New("timer: stopped")
