// Package worker provides the bounded execution pool that runs async step
// work and background resumes for the stepflow engine.
//
// A Pool keeps CoreWorkers goroutines draining a bounded queue. When the
// queue is full, up to MaxWorkers-CoreWorkers extra goroutines run tasks
// directly. Past that point Submit fails with api.ErrPoolSaturated instead
// of blocking or dropping the task, so callers can fail the run explicitly.
//
// The pool does not know about workflows. It hands each task to an
// Executor, which the engine implements.
//
// # Shutdown
//
// Stop stops intake, lets workers drain the queue and waits for in-flight
// tasks. If the context passed to Stop ends first, the task context is
// cancelled so cooperative handlers can return early.
package worker
