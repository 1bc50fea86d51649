// Package api contains the types shared by the taskflow engine, its stores
// and its callers: task graphs, work items, history entries, the Engine
// interface, observers and the error taxonomy.
//
// Most users interact with the higher-level taskflow package, which
// re-exports selected types and wires engines to concrete stores. The api
// package is intended for custom stores, observers and integrations.
//
// # Task graphs
//
// A Workflow is a versioned graph of Tasks connected by Routes. Each task
// carries exactly one TaskConfig variant matching its TaskType:
//
//   - begin: where every work item is created
//   - user: waits for a person to claim and release the item
//   - decision: picks a route by evaluating ordered Conditions
//   - service, broadcast, rendezvous: pass the item on automatically
//   - subflow: parks the item until a collaborator continues it
//   - end: completes the item
//
// Graphs are read-only to the engine.
//
// # Work items and history
//
// A WorkItem is a business object moving through one workflow. Every state
// change is written together with a HistoryEntry, so the current task,
// status and claimant can always be reconstructed with ReplayHistory and
// ReplayClaim.
//
// # Errors
//
// Engine errors wrap one of the sentinel values declared here. KindOf sorts
// them into configuration, contention, not-found and fatal failures, and
// CodeOf gives each a stable name suitable for API responses.
//
// # Observability
//
// The Observer interface receives callbacks after each persisted
// transition. LoggingObserver, BasicMetrics and CompositeObserver are
// ready-made implementations.
package api
