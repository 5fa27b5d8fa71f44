// Package stepflow provides an embeddable, durable workflow engine for Go
// whose steps are wired together by the types of the values they produce.
//
// # Core Concepts
//
// The programming model is small:
//
//  1. Engine
//  2. FlowBuilder
//  3. StepHandler and StepResult
//  4. Async tasks
//  5. Repositories
//
// # Engine
//
// The Engine compiles workflow definitions into routing graphs, persists a
// checkpoint after every step, and provides APIs to:
//   - start runs (Execute)
//   - continue runs that are waiting for outside input (Resume, ResumeAsync)
//   - observe runs (GetWorkflowInstance, GetCurrentResult, listeners)
//   - cancel, recover and purge runs
//
// # Routing
//
// A step returns a StepResult. Continue(payload) hands payload to the next
// step chosen by payload's type: each candidate successor declares the
// input type it accepts, and explicit Route entries map a type (or an
// interface) to a step id. Payload types can pin their routing tag by
// implementing Tagged, which keeps persisted runs valid across package
// renames.
//
// Finish ends the run, Suspend parks it until Resume supplies a value of
// the expected type, Async hands work to the engine's bounded worker pool,
// and Fail records a failure that the step's RetryPolicy may retry.
//
// Example:
//
//	stepflow.New("approval").
//	    Step("request", request, stepflow.Next("review")).
//	    Step("review", review, stepflow.Route[Approved]("ship"), stepflow.Route[Rejected]("notify")).
//	    Step("ship", ship, stepflow.Input[Approved]()).
//	    Step("notify", notify, stepflow.Input[Rejected]()).
//	    MustRegister(engine)
//
// # Persistence
//
// Runs are stored through a WorkflowStateRepository with optimistic
// versioning, so two engines sharing a store never both advance the same
// run. Backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Payloads are encoded with encoding/gob. Types referenced by step
// definitions are registered automatically; other types carried in the
// workflow context must be passed to RegisterTypes.
//
// For runnable programs, see the /examples directory.
package stepflow
