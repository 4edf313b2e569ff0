// Package executor runs GraphQL operations against a Runtime by resolving
// backend-bound fields as a dependency graph.
//
// # Overview
//
// A field instance is either synchronous or asynchronous, as declared by
// schema.Field.Async. Synchronous fields are projections of the parent value
// and are resolved on the coordinator goroutine while the selection set is
// expanded. Asynchronous fields call out to a backend; each becomes a task in
// the operation's dependency graph and is handed to Runtime.ResolveAsync on
// its own goroutine.
//
// # Dependencies
//
// Edges in the graph come from two places:
//   - A child field depends on its parent: tasks for an object's fields exist
//     only after the parent value has completed.
//   - schema.Field.Requires names sibling fields whose values a field needs.
//     The resolved sibling values are passed in ResolveTask.Deps. A required
//     sibling that the document does not select is still resolved, but its
//     value and errors stay out of the response.
//
// A task starts as soon as every task it depends on has succeeded, so
// independent fields run concurrently. When a task fails, only the tasks that
// depend on it are skipped; each receives a DependencyFailed error at its own
// path. Root mutation fields are the exception to concurrency and run one at
// a time in document order.
//
// # Deadlines
//
// The context passed to ExecuteRequest bounds the whole operation. When it
// expires, every task that has not finished is reported with a Timeout error
// and the partial response is returned without waiting for the outstanding
// calls. WithFieldTimeout additionally bounds each ResolveAsync call.
//
// # Results
//
// Completed values are written at their response paths in a map tree, so the
// data is identical whatever order tasks complete in. Errors carry the
// response path and, under extensions, the failure kind and backend. Non-Null
// violations null the enclosing top-level field and tombstone its subtree;
// tasks under a tombstone are dropped without being dispatched.
//
// # Subscriptions
//
// SubscriptionFields lists the root fields of a subscription operation with
// coerced arguments. Each event a field produces is completed with
// ExecuteEvent, which runs the same graph machinery for the event's selection
// set.
package executor
