// Package api contains the data model and contracts of the stepflow engine.
//
// Most users interact with the root stepflow package, which re-exports the
// types defined here and provides a builder for workflow definitions. The api
// package is intended for custom repositories, listeners and contributors
// extending the engine itself.
//
// # Step results
//
// Every step returns a StepResult, a closed union with exactly one active
// variant:
//
//   - Continue(payload): route payload to the next step by its type tag.
//   - Finish(result): complete the run.
//   - Suspend(prompt, tag): park the run until Resume delivers a value
//     carrying tag.
//   - Async(task, estimate, args, immediate): return immediate to the caller
//     and continue the run in the background.
//   - Fail(err): fail the step; the retry policy decides what happens next.
//
// # Type tags
//
// Routing and resume checks compare TypeTag values. Types can pick their own
// tag by implementing Tagged; otherwise the package-qualified Go type name is
// used.
//
// # Lifecycle
//
// A WorkflowInstance moves through CREATED, RUNNING, SUSPENDED, COMPLETED and
// FAILED. Transitions are validated by a state machine; COMPLETED and FAILED
// are terminal.
//
// # Persistence
//
// WorkflowStateRepository implementations store instances with optimistic
// versioning. Two resumes racing on the same run cannot both win.
//
// # Observability
//
// WorkflowExecutionListener receives run and step events. LoggingListener,
// BasicMetrics and NewCompositeListener cover the common cases.
package api
