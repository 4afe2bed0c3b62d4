package export

import (
	"errors"

	"github.com/brojonat/solexport/service/helius"
)

// Kind is the terminal classification of an export error, used for
// job records, metrics labels, and API error payloads.
type Kind string

const (
	KindNone               Kind = ""
	KindValidation         Kind = "validation"
	KindRateLimitExhausted Kind = "rate_limit_exhausted"
	KindTransientExhausted Kind = "transient_exhausted"
	KindFatal              Kind = "fatal_upstream"
	KindInternal           Kind = "internal"
)

// Classify maps a pipeline error to its Kind. A nil error classifies
// as KindNone.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return KindValidation
	}
	var exhausted *helius.ExhaustedError
	if errors.As(err, &exhausted) {
		if exhausted.RateLimited {
			return KindRateLimitExhausted
		}
		return KindTransientExhausted
	}
	var fatal *helius.FatalError
	if errors.As(err, &fatal) {
		return KindFatal
	}
	return KindInternal
}

// Retryable reports whether a failed export might succeed if simply
// rerun later (rate limiting or transient upstream trouble).
func Retryable(err error) bool {
	switch Classify(err) {
	case KindRateLimitExhausted, KindTransientExhausted:
		return true
	}
	return false
}
