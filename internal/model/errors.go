package model

import "errors"

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrValidation        = errors.New("record validation failed")
	ErrDateParse         = errors.New("date parse failed")
	ErrConflict          = errors.New("persistence conflict")
	ErrCancelled         = errors.New("cancelled")
	ErrRunInProgress     = errors.New("sync run already in progress")
)
