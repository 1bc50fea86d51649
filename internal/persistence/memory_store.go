package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/taskflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe StateStore backed by maps.
// Stored items are copies, so callers never share state with the store.
// Object data goes through the same JSON codec as the durable backends.
type InMemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*api.WorkItem
	history   map[string][]api.HistoryEntry
	rotations map[string]string
	seq       int64
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:     make(map[string]*api.WorkItem),
		history:   make(map[string][]api.HistoryEntry),
		rotations: make(map[string]string),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ StateStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateWorkItem(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; ok {
		return ErrWorkItemExists
	}
	stored, err := storedCopy(item)
	if err != nil {
		return err
	}
	item.Revision = 1
	stored.Revision = 1
	s.items[item.ID] = stored
	s.appendLocked(item.ID, entries)
	return nil
}

func (s *InMemoryStore) GetWorkItem(ctx context.Context, id string) (*api.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, api.ErrWorkItemNotFound
	}
	return item.Clone(), nil
}

func (s *InMemoryStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*api.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkItem
	for _, item := range s.items {
		if filter.Match(item) {
			result = append(result, item.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *InMemoryStore) ApplyTransition(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[item.ID]
	if !ok {
		return api.ErrWorkItemNotFound
	}
	if cur.Revision != item.Revision {
		return api.ErrConcurrentUpdate
	}
	stored, err := storedCopy(item)
	if err != nil {
		return err
	}
	item.Revision++
	stored.Revision = item.Revision
	s.items[item.ID] = stored
	s.appendLocked(item.ID, entries)
	return nil
}

func (s *InMemoryStore) ClaimWorkItem(ctx context.Context, id, userID string, at time.Time, entry api.HistoryEntry) (*api.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[id]
	if !ok {
		return nil, api.ErrWorkItemNotFound
	}
	if cur.Status != api.StatusActive {
		return nil, api.ErrNotActive
	}
	if cur.Claimed() {
		return nil, api.ErrAlreadyClaimed
	}

	claimedAt := at
	cur.ClaimedByID = userID
	cur.ClaimedAt = &claimedAt
	cur.UpdatedAt = at
	cur.Revision++
	s.appendLocked(id, []api.HistoryEntry{entry})
	return cur.Clone(), nil
}

func (s *InMemoryStore) ListHistory(ctx context.Context, workItemID string) ([]api.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[workItemID]
	out := make([]api.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *InMemoryStore) NextRoundRobin(ctx context.Context, groupID string, members []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := nextMember(members, s.rotations[groupID])
	if next != "" {
		s.rotations[groupID] = next
	}
	return next, nil
}

func storedCopy(item *api.WorkItem) (*api.WorkItem, error) {
	c := item.Clone()
	raw, err := EncodeData(item.ObjectData)
	if err != nil {
		return nil, err
	}
	if c.ObjectData, err = DecodeData(raw); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *InMemoryStore) appendLocked(id string, entries []api.HistoryEntry) {
	for _, e := range entries {
		s.seq++
		e.Seq = s.seq
		e.WorkItemID = id
		s.history[id] = append(s.history[id], e)
	}
}
