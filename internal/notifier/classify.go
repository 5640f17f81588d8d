package notifier

import (
	"errors"
	"os"
	"regexp"
	"strconv"
	"time"

	"onpatrol/internal/transport"
)

// Class is the retry policy bucket of a delivery error.
type Class int

const (
	// Transient errors are retried with back-off.
	Transient Class = iota
	// Permanent errors are logged and the delivery dropped.
	Permanent
	// Unknown errors could not be classified; they are retried.
	Unknown
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether a delivery failing with this class goes to the
// retry scheduler.
func (c Class) Retryable() bool { return c != Permanent }

// Classify maps a messaging error to its retry class.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	kind, ok := transport.KindOf(err)
	if !ok {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return Permanent
		}
		return Unknown
	}
	switch kind {
	case transport.KindRateLimited, transport.KindNetwork, transport.KindUnavailable:
		return Transient
	default:
		return Permanent
	}
}

var retryInRe = regexp.MustCompile(`(?i)retry (?:in|after) ([0-9]+)`)

// RetryDelay picks the back-off before attempt number retryCount. A remote
// hint wins (structured first, then "retry in N seconds" in the error text);
// otherwise the first retry waits first and later ones wait next.
func RetryDelay(retryCount int, err error, first, next time.Duration) time.Duration {
	if d := transport.RetryAfterOf(err); d > 0 {
		return d
	}
	if err != nil {
		if m := retryInRe.FindStringSubmatch(err.Error()); len(m) == 2 {
			if n, perr := strconv.Atoi(m[1]); perr == nil {
				return time.Duration(n) * time.Second
			}
		}
	}
	if retryCount > 1 {
		return next
	}
	return first
}
