package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/taskflow/pkg/api"
)

// StateStoreSuite runs the same behavioural checks against every backend.
// Backends provide newStore, which must return an empty store.
type StateStoreSuite struct {
	suite.Suite
	newStore func() StateStore

	ctx   context.Context
	store StateStore
}

func (s *StateStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func (s *StateStoreSuite) newItem(id string) *api.WorkItem {
	now := time.Unix(0, time.Now().UnixNano()).UTC()
	return &api.WorkItem{
		ID:            id,
		WorkflowID:    "wf-orders",
		ObjectType:    "order",
		CurrentTaskID: "review",
		Status:        api.StatusActive,
		Priority:      3,
		ObjectData:    map[string]any{"amount": 1200, "region": "EU"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *StateStoreSuite) entry(taskID string, action api.Action, userID string) api.HistoryEntry {
	return api.HistoryEntry{TaskID: taskID, TaskName: taskID, Action: action, UserID: userID, At: time.Now()}
}

func (s *StateStoreSuite) create(id string) *api.WorkItem {
	item := s.newItem(id)
	err := s.store.CreateWorkItem(s.ctx, item, []api.HistoryEntry{
		s.entry("begin", api.ActionCreated, ""),
		s.entry("begin", api.ActionAutoRouted, ""),
		s.entry("review", api.ActionArrived, ""),
	})
	s.Require().NoError(err)
	return item
}

func (s *StateStoreSuite) TestCreateAndGet() {
	item := s.create("wi-1")
	s.Equal(int64(1), item.Revision)

	got, err := s.store.GetWorkItem(s.ctx, "wi-1")
	s.Require().NoError(err)
	s.Equal("wf-orders", got.WorkflowID)
	s.Equal("order", got.ObjectType)
	s.Equal("review", got.CurrentTaskID)
	s.Equal(api.StatusActive, got.Status)
	s.Equal(3, got.Priority)
	s.Equal(int64(1), got.Revision)
	s.Equal(float64(1200), got.ObjectData["amount"])
	s.Equal("EU", got.ObjectData["region"])
	s.False(got.Claimed())
	s.Nil(got.ClaimedAt)
	s.Nil(got.CompletedAt)
	s.True(item.CreatedAt.Equal(got.CreatedAt))
}

func (s *StateStoreSuite) TestCreateDuplicate() {
	s.create("wi-dup")
	err := s.store.CreateWorkItem(s.ctx, s.newItem("wi-dup"), nil)
	s.ErrorIs(err, ErrWorkItemExists)
}

func (s *StateStoreSuite) TestGetUnknown() {
	_, err := s.store.GetWorkItem(s.ctx, "missing")
	s.ErrorIs(err, api.ErrWorkItemNotFound)
}

func (s *StateStoreSuite) TestApplyTransition() {
	item := s.create("wi-tr")

	now := time.Now()
	item.CurrentTaskID = "archive"
	item.Status = api.StatusCompleted
	item.CompletedAt = &now
	item.ObjectData["approved"] = true
	err := s.store.ApplyTransition(s.ctx, item, []api.HistoryEntry{
		s.entry("review", api.ActionReleased, "alice"),
		s.entry("archive", api.ActionCompleted, ""),
	})
	s.Require().NoError(err)
	s.Equal(int64(2), item.Revision)

	got, err := s.store.GetWorkItem(s.ctx, "wi-tr")
	s.Require().NoError(err)
	s.Equal("archive", got.CurrentTaskID)
	s.Equal(api.StatusCompleted, got.Status)
	s.Equal(int64(2), got.Revision)
	s.Equal(true, got.ObjectData["approved"])
	s.Require().NotNil(got.CompletedAt)

	history, err := s.store.ListHistory(s.ctx, "wi-tr")
	s.Require().NoError(err)
	s.Len(history, 5)
}

func (s *StateStoreSuite) TestApplyTransitionStaleRevision() {
	item := s.create("wi-stale")
	stale := item.Clone()

	item.Priority = 9
	s.Require().NoError(s.store.ApplyTransition(s.ctx, item, nil))

	stale.Priority = 1
	err := s.store.ApplyTransition(s.ctx, stale, []api.HistoryEntry{s.entry("review", api.ActionAssigned, "bob")})
	s.ErrorIs(err, api.ErrConcurrentUpdate)

	got, err := s.store.GetWorkItem(s.ctx, "wi-stale")
	s.Require().NoError(err)
	s.Equal(9, got.Priority)

	history, err := s.store.ListHistory(s.ctx, "wi-stale")
	s.Require().NoError(err)
	s.Len(history, 3, "rejected transition must not append history")
}

func (s *StateStoreSuite) TestApplyTransitionUnknown() {
	item := s.newItem("ghost")
	item.Revision = 1
	err := s.store.ApplyTransition(s.ctx, item, nil)
	s.ErrorIs(err, api.ErrWorkItemNotFound)
}

func (s *StateStoreSuite) TestClaim() {
	s.create("wi-claim")
	at := time.Now()

	got, err := s.store.ClaimWorkItem(s.ctx, "wi-claim", "alice", at, s.entry("review", api.ActionClaimed, "alice"))
	s.Require().NoError(err)
	s.Equal("alice", got.ClaimedByID)
	s.Require().NotNil(got.ClaimedAt)
	s.Equal(int64(2), got.Revision)

	_, err = s.store.ClaimWorkItem(s.ctx, "wi-claim", "bob", at, s.entry("review", api.ActionClaimed, "bob"))
	s.ErrorIs(err, api.ErrAlreadyClaimed)

	stored, err := s.store.GetWorkItem(s.ctx, "wi-claim")
	s.Require().NoError(err)
	s.Equal("alice", stored.ClaimedByID)

	history, err := s.store.ListHistory(s.ctx, "wi-claim")
	s.Require().NoError(err)
	s.Require().Len(history, 4)
	s.Equal(api.ActionClaimed, history[3].Action)
	s.Equal("alice", history[3].UserID)
}

func (s *StateStoreSuite) TestClaimCompleted() {
	item := s.create("wi-done")
	now := time.Now()
	item.Status = api.StatusCompleted
	item.CompletedAt = &now
	s.Require().NoError(s.store.ApplyTransition(s.ctx, item, nil))

	_, err := s.store.ClaimWorkItem(s.ctx, "wi-done", "alice", now, s.entry("review", api.ActionClaimed, "alice"))
	s.ErrorIs(err, api.ErrNotActive)
}

func (s *StateStoreSuite) TestClaimUnknown() {
	_, err := s.store.ClaimWorkItem(s.ctx, "missing", "alice", time.Now(), s.entry("review", api.ActionClaimed, "alice"))
	s.ErrorIs(err, api.ErrWorkItemNotFound)
}

func (s *StateStoreSuite) TestConcurrentClaimsHaveOneWinner() {
	s.create("wi-race")

	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := s.store.ClaimWorkItem(s.ctx, "wi-race", user, time.Now(), s.entry("review", api.ActionClaimed, user))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, user)
				return
			}
			s.ErrorIs(err, api.ErrAlreadyClaimed)
			losers++
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()

	s.Require().Len(winners, 1)
	s.Equal(contenders-1, losers)

	got, err := s.store.GetWorkItem(s.ctx, "wi-race")
	s.Require().NoError(err)
	s.Equal(winners[0], got.ClaimedByID)

	history, err := s.store.ListHistory(s.ctx, "wi-race")
	s.Require().NoError(err)
	claims := 0
	for _, e := range history {
		if e.Action == api.ActionClaimed {
			claims++
		}
	}
	s.Equal(1, claims)
}

func (s *StateStoreSuite) TestHistoryOrder() {
	item := s.create("wi-hist")
	s.Require().NoError(s.store.ApplyTransition(s.ctx, item, []api.HistoryEntry{
		s.entry("review", api.ActionAssigned, "carol"),
		s.entry("review", api.ActionUnclaimed, "carol"),
	}))

	history, err := s.store.ListHistory(s.ctx, "wi-hist")
	s.Require().NoError(err)
	s.Require().Len(history, 5)

	want := []api.Action{api.ActionCreated, api.ActionAutoRouted, api.ActionArrived, api.ActionAssigned, api.ActionUnclaimed}
	for i, e := range history {
		s.Equal(want[i], e.Action)
		s.Equal("wi-hist", e.WorkItemID)
		if i > 0 {
			s.Greater(e.Seq, history[i-1].Seq)
		}
	}

	empty, err := s.store.ListHistory(s.ctx, "missing")
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StateStoreSuite) TestListWorkItems() {
	s.create("wi-a")
	b := s.create("wi-b")
	b.CurrentTaskID = "approve"
	s.Require().NoError(s.store.ApplyTransition(s.ctx, b, nil))
	_, err := s.store.ClaimWorkItem(s.ctx, "wi-b", "dave", time.Now(), s.entry("approve", api.ActionClaimed, "dave"))
	s.Require().NoError(err)

	other := s.newItem("wi-c")
	other.WorkflowID = "wf-other"
	s.Require().NoError(s.store.CreateWorkItem(s.ctx, other, nil))

	all, err := s.store.ListWorkItems(s.ctx, WorkItemFilter{})
	s.Require().NoError(err)
	s.Len(all, 3)

	byWorkflow, err := s.store.ListWorkItems(s.ctx, WorkItemFilter{WorkflowID: "wf-orders"})
	s.Require().NoError(err)
	s.Len(byWorkflow, 2)

	byTask, err := s.store.ListWorkItems(s.ctx, WorkItemFilter{CurrentTaskID: "approve"})
	s.Require().NoError(err)
	s.Require().Len(byTask, 1)
	s.Equal("wi-b", byTask[0].ID)

	byClaimant, err := s.store.ListWorkItems(s.ctx, WorkItemFilter{ClaimedByID: "dave"})
	s.Require().NoError(err)
	s.Require().Len(byClaimant, 1)
	s.Equal("wi-b", byClaimant[0].ID)

	completed, err := s.store.ListWorkItems(s.ctx, WorkItemFilter{Status: api.StatusCompleted})
	s.Require().NoError(err)
	s.Empty(completed)
}

func (s *StateStoreSuite) TestRoundRobinRotation() {
	members := []string{"ann", "ben", "cid"}
	var picks []string
	for i := 0; i < 4; i++ {
		next, err := s.store.NextRoundRobin(s.ctx, "team", members)
		s.Require().NoError(err)
		picks = append(picks, next)
	}
	s.Equal([]string{"ann", "ben", "cid", "ann"}, picks)

	// A departed member restarts the rotation at the head.
	next, err := s.store.NextRoundRobin(s.ctx, "team", []string{"ben", "cid"})
	s.Require().NoError(err)
	s.Equal("ben", next)

	none, err := s.store.NextRoundRobin(s.ctx, "empty", nil)
	s.Require().NoError(err)
	s.Equal("", none)
}

func (s *StateStoreSuite) TestRoundRobinConcurrent() {
	members := []string{"ann", "ben", "cid"}
	const rounds = 5

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for i := 0; i < rounds*len(members); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := s.store.NextRoundRobin(s.ctx, "busy", members)
			mu.Lock()
			defer mu.Unlock()
			s.NoError(err)
			counts[next]++
		}()
	}
	wg.Wait()

	for _, m := range members {
		s.Equal(rounds, counts[m], "member %s", m)
	}
}
