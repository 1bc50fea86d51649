// Package taskflow provides an embeddable engine that routes business work
// items through task graphs made of human and automatic tasks.
//
// # Core Concepts
//
// A workflow is a directed graph. A work item is created at the begin task
// and moved along routes until it reaches a task that needs a person, a
// task that waits for an outside collaborator, or an end task:
//
//   - Decision tasks evaluate ordered conditions against the item's data
//     and follow the first route that matches, or a default route.
//   - Service, broadcast and rendezvous tasks pass the item on along their
//     first outbound route.
//   - User tasks stop automatic routing. Depending on the task's assignment
//     policy the item is queued for anyone, reserved for a named principal,
//     or claimed on behalf of the next member of a group in rotation.
//   - Subflow tasks park the item until Continue is called.
//   - End tasks complete the item.
//
// # Engine
//
// The Engine exposes the operations callers use to drive items:
//
//   - Start creates an item and routes it as far as it can go
//   - Claim and Unclaim take and drop exclusive ownership
//   - Release lets the owner choose a labeled route and resumes routing
//   - Assign reassigns an item on behalf of an administrator
//   - Continue moves on an item parked at an automatic task
//
// Every transition is persisted with a history entry before the next one
// starts, so a failure mid-route leaves the item at the last task it
// reached, with an audit trail that explains how it got there.
//
// Engines can be backed by different state stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Task graphs and the user directory live in a Registry, usually loaded from
// YAML files with LoadGraphFiles.
//
// Example:
//
//	reg, err := taskflow.LoadGraphFiles("workflows")
//	if err != nil {
//	    return err
//	}
//	eng := taskflow.NewInMemoryEngine(reg)
//	res, err := eng.Start(ctx, taskflow.StartRequest{
//	    WorkflowID: "expense",
//	    ObjectData: map[string]any{"amount": 120},
//	})
//
// The cmd/taskflow binary serves the same engine over HTTP.
package taskflow
