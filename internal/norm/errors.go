package norm

import "errors"

// Common validation errors. All are detected at the entry points before any
// computation runs or any running statistic is touched.
var (
	ErrRankTooSmall        = errors.New("input must have at least 2 dimensions")
	ErrChannelMismatch     = errors.New("parameter length does not match channel count")
	ErrMissingRunningStats = errors.New("running mean and running var must be defined in eval mode")
	ErrNonPositivePower    = errors.New("norm power must be a positive real number")
	ErrNegativeMaxNorm     = errors.New("maxnorm must be non-negative")
	ErrDimOutOfRange       = errors.New("dimension index out of range")
	ErrMissingStats        = errors.New("instance norm needs input stats or defined running stats")
)
