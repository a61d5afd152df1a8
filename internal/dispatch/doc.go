// Package dispatch runs boundary calls against the backing engine.
//
// Each Invocation is routed to a lane by method name and executed by that
// lane's workers. Outcomes are handed to the result adapter, which delivers
// them on the control thread; workers never touch the boundary themselves.
//
// Policies:
//   - lanes (default): a "general" lane and a "sync" lane, one worker each.
//     Calls in the same lane run in submission order and never overlap; at
//     most one general and one sync call are in flight at any instant.
//   - pool: one shared lane with N workers (default runtime.NumCPU()). No
//     ordering guarantee beyond what the engine serializes internally.
//
// Queueing:
//   - Every lane has a bounded queue. Submit never blocks: a full queue
//     rejects the call immediately with ErrLaneFull.
//   - Workers wait for the engine lifecycle's ready signal before their
//     first engine call, so initialization always precedes dispatch.
//   - There is no cancellation. A started engine call runs to completion;
//     calls still queued at shutdown fail with ErrShutdown.
//
// Error handling:
//   - Engine error → Failure outcome with the error text
//   - Engine panic → Failure outcome, worker keeps running
//   - Full lane → Failure(ErrLaneFull), delivered immediately
//   - Shutdown → Failure(ErrShutdown)
package dispatch
