package coprocessor

import (
	"errors"
	"fmt"
	"time"
)

// OutdatedError reports a request that exceeded its deadline. It is an
// ordinary response-level error: the caller sees it, nothing is retried here.
type OutdatedError struct {
	Elapsed time.Duration
	Tag     string
}

func (e *OutdatedError) Error() string {
	return fmt.Sprintf("request outdated, elapsed %v, tag [%s]", e.Elapsed, e.Tag)
}

// IsOutdated reports whether err is (or wraps) a deadline-exceeded error.
func IsOutdated(err error) bool {
	var o *OutdatedError
	return errors.As(err, &o)
}
