package task

import "errors"

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidConstraint = errors.New("invalid constraint")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidInterval   = errors.New("invalid interval")
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrInvalidTask       = errors.New("invalid task")
)
