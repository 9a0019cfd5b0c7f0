package taskrunner

import "errors"

var ErrStopped = errors.New("task runner stopped")
