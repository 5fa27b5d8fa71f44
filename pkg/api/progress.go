package api

import "time"

// AsyncProgressReporter is handed to async handlers.
//
// Long-running handlers should poll IsCancelled at safe points and return
// Fail(ErrCancelled) promptly once it reports true.
type AsyncProgressReporter interface {
	RunID() string
	TaskID() string
	// UpdateProgress is advisory; percent is clamped to [0,100].
	UpdateProgress(percent int, message string)
	IsCancelled() bool
}

// Progress is the last reported state of an async task.
type Progress struct {
	TaskID  string
	Percent int
	Message string
	// Estimate is the duration the issuing step announced for the task.
	Estimate  time.Duration
	UpdatedAt time.Time
}
