package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/petrijr/taskflow/pkg/api"
)

func TestClaimReleaseCompletesWorkItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.startExpense(t, 300)

	claimed, err := env.engine.Claim(ctx, res.WorkItemID, "alice")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.ClaimedByID != "alice" || claimed.ClaimedAt == nil {
		t.Fatalf("expected claim by alice, got %+v", claimed)
	}

	out, err := env.engine.Release(ctx, api.ReleaseRequest{
		WorkItemID: res.WorkItemID,
		RouteLabel: "Approve",
		UserID:     "alice",
		Notes:      "receipts ok",
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if out.CurrentTaskID != "done" || out.Status != api.StatusCompleted {
		t.Fatalf("expected completed at done, got %+v", out)
	}

	item := env.item(t, res.WorkItemID)
	if item.Claimed() || item.CompletedAt == nil {
		t.Fatalf("completed item must be unclaimed with a completion time: %+v", item)
	}

	entries := env.history(t, res.WorkItemID)
	tail := entries[len(entries)-3:]
	if tail[0].Action != api.ActionClaimed || tail[0].UserID != "alice" || tail[0].TaskID != "clerk" {
		t.Fatalf("unexpected claim entry %+v", tail[0])
	}
	if tail[1].Action != api.ActionReleased || tail[1].RouteLabel != "Approve" || tail[1].Notes != "receipts ok" {
		t.Fatalf("unexpected release entry %+v", tail[1])
	}
	if tail[2].Action != api.ActionCompleted || tail[2].TaskID != "done" {
		t.Fatalf("unexpected final entry %+v", tail[2])
	}
	assertReplayConsistent(t, env, res.WorkItemID)

	if _, err := env.engine.Claim(ctx, res.WorkItemID, "bob"); !errors.Is(err, api.ErrNotActive) {
		t.Fatalf("claiming a completed item: expected ErrNotActive, got %v", err)
	}
}

func TestClaimRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		res := env.startExpense(t, 50)

		users := []string{"alice", "bob"}
		errs := make([]error, len(users))
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i, u := range users {
			wg.Add(1)
			go func(i int, u string) {
				defer wg.Done()
				<-start
				_, errs[i] = env.engine.Claim(ctx, res.WorkItemID, u)
			}(i, u)
		}
		close(start)
		wg.Wait()

		winner := ""
		for i, err := range errs {
			switch {
			case err == nil:
				if winner != "" {
					t.Fatalf("round %d: both %s and %s claimed the item", round, winner, users[i])
				}
				winner = users[i]
			case errors.Is(err, api.ErrAlreadyClaimed):
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if winner == "" {
			t.Fatalf("round %d: nobody claimed the item", round)
		}
		if got := env.item(t, res.WorkItemID).ClaimedByID; got != winner {
			t.Fatalf("round %d: item claimed by %q, winner was %q", round, got, winner)
		}

		var claims int
		for _, e := range env.history(t, res.WorkItemID) {
			if e.Action == api.ActionClaimed {
				claims++
			}
		}
		if claims != 1 {
			t.Fatalf("round %d: expected one claimed entry, got %d", round, claims)
		}
	}
}

func TestClaimErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.startExpense(t, 10)

	if _, err := env.engine.Claim(ctx, res.WorkItemID, ""); !errors.Is(err, api.ErrUserNotFound) {
		t.Fatalf("empty user: expected ErrUserNotFound, got %v", err)
	}
	if _, err := env.engine.Claim(ctx, res.WorkItemID, "mallory"); !errors.Is(err, api.ErrUserNotFound) {
		t.Fatalf("unknown user: expected ErrUserNotFound, got %v", err)
	}
	if _, err := env.engine.Claim(ctx, "missing", "alice"); !errors.Is(err, api.ErrWorkItemNotFound) {
		t.Fatalf("unknown item: expected ErrWorkItemNotFound, got %v", err)
	}

	if _, err := env.engine.Claim(ctx, res.WorkItemID, "alice"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	_, err := env.engine.Claim(ctx, res.WorkItemID, "bob")
	if !errors.Is(err, api.ErrAlreadyClaimed) {
		t.Fatalf("second claim: expected ErrAlreadyClaimed, got %v", err)
	}
	if api.KindOf(err) != api.KindContention || api.CodeOf(err) != "AlreadyClaimed" {
		t.Fatalf("unexpected classification %s/%s", api.KindOf(err), api.CodeOf(err))
	}
}

func TestReleaseWithoutOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.startExpense(t, 400)

	if _, err := env.engine.Claim(ctx, res.WorkItemID, "bob"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	before := len(env.history(t, res.WorkItemID))

	_, err := env.engine.Release(ctx, api.ReleaseRequest{
		WorkItemID: res.WorkItemID,
		RouteLabel: "Approve",
		UserID:     "alice",
	})
	if !errors.Is(err, api.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	item := env.item(t, res.WorkItemID)
	if item.CurrentTaskID != "clerk" || item.ClaimedByID != "bob" {
		t.Fatalf("item must stay at clerk claimed by bob, got %s/%s", item.CurrentTaskID, item.ClaimedByID)
	}
	if after := len(env.history(t, res.WorkItemID)); after != before {
		t.Fatalf("a rejected release must not write history: %d -> %d", before, after)
	}
}

func TestReleaseErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.startExpense(t, 400)

	_, err := env.engine.Release(ctx, api.ReleaseRequest{WorkItemID: res.WorkItemID, RouteLabel: "Approve", UserID: "alice"})
	if !errors.Is(err, api.ErrNotClaimed) {
		t.Fatalf("unclaimed release: expected ErrNotClaimed, got %v", err)
	}

	if _, err := env.engine.Claim(ctx, res.WorkItemID, "alice"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	_, err = env.engine.Release(ctx, api.ReleaseRequest{WorkItemID: res.WorkItemID, RouteLabel: "approve", UserID: "alice"})
	if !errors.Is(err, api.ErrRouteNotFound) {
		t.Fatalf("labels match exactly: expected ErrRouteNotFound, got %v", err)
	}
	if item := env.item(t, res.WorkItemID); item.CurrentTaskID != "clerk" || item.ClaimedByID != "alice" {
		t.Fatalf("failed release changed the item: %+v", item)
	}

	_, err = env.engine.Release(ctx, api.ReleaseRequest{WorkItemID: "missing", RouteLabel: "Approve", UserID: "alice"})
	if !errors.Is(err, api.ErrWorkItemNotFound) {
		t.Fatalf("expected ErrWorkItemNotFound, got %v", err)
	}

	if _, err := env.engine.Release(ctx, api.ReleaseRequest{WorkItemID: res.WorkItemID, RouteLabel: "Approve", UserID: "alice"}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	_, err = env.engine.Release(ctx, api.ReleaseRequest{WorkItemID: res.WorkItemID, RouteLabel: "Approve", UserID: "alice"})
	if !errors.Is(err, api.ErrNotActive) {
		t.Fatalf("completed release: expected ErrNotActive, got %v", err)
	}
}

func TestReleaseMergesDataAndReroutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.startExpense(t, 800)

	if _, err := env.engine.Claim(ctx, res.WorkItemID, "alice"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	out, err := env.engine.Release(ctx, api.ReleaseRequest{
		WorkItemID: res.WorkItemID,
		RouteLabel: "Escalate",
		UserID:     "alice",
		Data:       map[string]any{"reason": "foreign currency"},
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if out.CurrentTaskID != "manager" || out.WorkItem.Claimed() {
		t.Fatalf("expected unclaimed item at manager, got %+v", out.WorkItem)
	}

	item := env.item(t, res.WorkItemID)
	if item.ObjectData["reason"] != "foreign currency" || item.ObjectData["amount"] != 800.0 {
		t.Fatalf("expected merged object data, got %v", item.ObjectData)
	}
	assertReplayConsistent(t, env, res.WorkItemID)
}

func TestReleaseDefaultLabelSelectsUnlabeledRoute(t *testing.T) {
	wf := api.Workflow{
		ID: "simple",
		Tasks: []api.Task{
			task("begin", "Begin", api.BeginConfig{}),
			task("work", "Work", api.UserConfig{Policy: api.PolicyQueue}),
			task("done", "Done", api.EndConfig{}),
			task("dropped", "Dropped", api.EndConfig{}),
		},
		Routes: []api.Route{
			route("begin-work", "begin", "work", "", 0),
			route("work-dropped", "work", "dropped", "Drop", 0),
			route("work-done", "work", "done", "", 1),
		},
	}
	env := newTestEnv(t, wf)
	ctx := context.Background()

	for _, label := range []string{"default", "Default"} {
		res, err := env.engine.Start(ctx, api.StartRequest{WorkflowID: "simple"})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if _, err := env.engine.Claim(ctx, res.WorkItemID, "carol"); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		out, err := env.engine.Release(ctx, api.ReleaseRequest{WorkItemID: res.WorkItemID, RouteLabel: label, UserID: "carol"})
		if err != nil {
			t.Fatalf("Release(%q) failed: %v", label, err)
		}
		if out.CurrentTaskID != "done" {
			t.Fatalf("Release(%q): expected done, got %s", label, out.CurrentTaskID)
		}
	}
}

func TestUnclaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.startExpense(t, 20)

	if _, err := env.engine.Unclaim(ctx, res.WorkItemID); !errors.Is(err, api.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
	if _, err := env.engine.Claim(ctx, res.WorkItemID, "alice"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	item, err := env.engine.Unclaim(ctx, res.WorkItemID)
	if err != nil {
		t.Fatalf("Unclaim failed: %v", err)
	}
	if item.Claimed() || item.ClaimedAt != nil {
		t.Fatalf("expected claim cleared, got %+v", item)
	}

	entries := env.history(t, res.WorkItemID)
	last := entries[len(entries)-1]
	if last.Action != api.ActionUnclaimed || last.UserID != "alice" || last.TaskID != "clerk" {
		t.Fatalf("unexpected unclaim entry %+v", last)
	}

	if _, err := env.engine.Claim(ctx, res.WorkItemID, "bob"); err != nil {
		t.Fatalf("reclaim after unclaim failed: %v", err)
	}
	assertReplayConsistent(t, env, res.WorkItemID)
}

func TestAssign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.startExpense(t, 20)

	item, err := env.engine.Assign(ctx, res.WorkItemID, "bob", "admin")
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if item.ClaimedByID != "bob" {
		t.Fatalf("expected bob to hold the item, got %q", item.ClaimedByID)
	}

	// Assignment overrides an existing claim.
	item, err = env.engine.Assign(ctx, res.WorkItemID, "alice", "admin")
	if err != nil {
		t.Fatalf("reassign failed: %v", err)
	}
	if item.ClaimedByID != "alice" {
		t.Fatalf("expected alice to hold the item, got %q", item.ClaimedByID)
	}

	entries := env.history(t, res.WorkItemID)
	last := entries[len(entries)-1]
	if last.Action != api.ActionAssigned || last.UserID != "alice" || last.Notes != "assigned by admin" {
		t.Fatalf("unexpected assign entry %+v", last)
	}
	assertReplayConsistent(t, env, res.WorkItemID)

	if _, err := env.engine.Assign(ctx, res.WorkItemID, "mallory", "admin"); !errors.Is(err, api.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if _, err := env.engine.Release(ctx, api.ReleaseRequest{WorkItemID: res.WorkItemID, RouteLabel: "Approve", UserID: "alice"}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := env.engine.Assign(ctx, res.WorkItemID, "bob", "admin"); !errors.Is(err, api.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestAssignRequiresUserTask(t *testing.T) {
	env := newTestEnv(t, subflowWorkflow())
	ctx := context.Background()

	res, err := env.engine.Start(ctx, api.StartRequest{WorkflowID: "onboarding"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := env.engine.Assign(ctx, res.WorkItemID, "bob", "admin"); !errors.Is(err, api.ErrNotAtUserTask) {
		t.Fatalf("expected ErrNotAtUserTask, got %v", err)
	}
}

func TestClaimRequiresUserTask(t *testing.T) {
	env := newTestEnv(t, subflowWorkflow())
	ctx := context.Background()

	res, err := env.engine.Start(ctx, api.StartRequest{WorkflowID: "onboarding"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.CurrentTaskID != "provision" {
		t.Fatalf("expected item parked at provision, got %s", res.CurrentTaskID)
	}
	before := env.history(t, res.WorkItemID)

	if _, err := env.engine.Claim(ctx, res.WorkItemID, "bob"); !errors.Is(err, api.ErrNotAtUserTask) {
		t.Fatalf("expected ErrNotAtUserTask, got %v", err)
	}
	// Without a claim the parked item cannot be released past the subflow.
	if _, err := env.engine.Release(ctx, api.ReleaseRequest{WorkItemID: res.WorkItemID, RouteLabel: "default", UserID: "bob"}); !errors.Is(err, api.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}

	item := env.item(t, res.WorkItemID)
	if item.Claimed() || item.CurrentTaskID != "provision" || item.Status != api.StatusActive {
		t.Fatalf("item changed: %+v", item)
	}
	if after := env.history(t, res.WorkItemID); len(after) != len(before) {
		t.Fatalf("history grew from %d to %d entries", len(before), len(after))
	}
}

func TestRouteByLabel(t *testing.T) {
	routes := []api.Route{
		{ID: "a", Label: "Approve"},
		{ID: "b", Label: ""},
		{ID: "c", Label: "default"},
	}
	cases := []struct {
		label string
		want  string
		ok    bool
	}{
		{"Approve", "a", true},
		{"APPROVE", "", false},
		{"", "b", true},
		{"default", "c", true},
		{"DEFAULT", "b", true},
		{"Reject", "", false},
	}
	for _, tc := range cases {
		r, ok := routeByLabel(routes, tc.label)
		if ok != tc.ok || r.ID != tc.want {
			t.Fatalf("routeByLabel(%q) = %q, %v; want %q, %v", tc.label, r.ID, ok, tc.want, tc.ok)
		}
	}
}
