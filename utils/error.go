package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrConcurrencyConflict signals that another worker owns the resource right
// now (watermark version mismatch, lock not obtained). Callers reschedule
// rather than fail.
var ErrConcurrencyConflict = errors.New("concurrency conflict")
