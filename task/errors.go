package task

import "errors"

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidJob      = errors.New("invalid job")
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrNotCancelable   = errors.New("cannot cancel")
)
