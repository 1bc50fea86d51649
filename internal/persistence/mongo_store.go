package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/taskflow/pkg/api"
)

// MongoStore is a StateStore backed by MongoDB. Each work item is one
// document that embeds its history array, so single-document updates keep
// the item and its audit trail consistent.
type MongoStore struct {
	items     *mongo.Collection
	rotations *mongo.Collection
}

// Ensure it implements StateStore.
var _ StateStore = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "taskflow" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "taskflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		items:     db.Collection("work_items"),
		rotations: db.Collection("group_rotations"),
	}
}

type mongoWorkItemDoc struct {
	ID            string `bson:"_id"`
	WorkflowID    string `bson:"workflow_id"`
	ObjectType    string `bson:"object_type,omitempty"`
	CurrentTaskID string `bson:"current_task_id"`
	Status        string `bson:"status"`
	Priority      int    `bson:"priority"`
	ObjectData    []byte `bson:"object_data,omitempty"`
	ClaimedByID   string `bson:"claimed_by_id"`
	ClaimedAt     int64  `bson:"claimed_at"`
	CreatedAt     int64  `bson:"created_at"`
	UpdatedAt     int64  `bson:"updated_at"`
	CompletedAt   int64  `bson:"completed_at"`
	Revision      int64  `bson:"revision"`

	History []mongoHistoryDoc `bson:"history,omitempty"`
}

type mongoHistoryDoc struct {
	TaskID     string `bson:"task_id"`
	TaskName   string `bson:"task_name,omitempty"`
	Action     string `bson:"action"`
	RouteLabel string `bson:"route_label,omitempty"`
	UserID     string `bson:"user_id,omitempty"`
	Notes      string `bson:"notes,omitempty"`
	At         int64  `bson:"at"`
}

type mongoRotationDoc struct {
	GroupID string `bson:"_id"`
	Last    string `bson:"last_user_id"`
}

var mongoWithoutHistory = bson.M{"history": 0}

func toMongoHistory(entries []api.HistoryEntry) []mongoHistoryDoc {
	out := make([]mongoHistoryDoc, 0, len(entries))
	for _, e := range entries {
		out = append(out, mongoHistoryDoc{
			TaskID:     e.TaskID,
			TaskName:   e.TaskName,
			Action:     string(e.Action),
			RouteLabel: e.RouteLabel,
			UserID:     e.UserID,
			Notes:      e.Notes,
			At:         e.At.UnixNano(),
		})
	}
	return out
}

func (d *mongoWorkItemDoc) toWorkItem() (*api.WorkItem, error) {
	data, err := DecodeData(d.ObjectData)
	if err != nil {
		return nil, err
	}
	return &api.WorkItem{
		ID:            d.ID,
		WorkflowID:    d.WorkflowID,
		ObjectType:    d.ObjectType,
		CurrentTaskID: d.CurrentTaskID,
		Status:        api.Status(d.Status),
		Priority:      d.Priority,
		ObjectData:    data,
		ClaimedByID:   d.ClaimedByID,
		ClaimedAt:     fromUnixNanos(d.ClaimedAt),
		CreatedAt:     time.Unix(0, d.CreatedAt),
		UpdatedAt:     time.Unix(0, d.UpdatedAt),
		CompletedAt:   fromUnixNanos(d.CompletedAt),
		Revision:      d.Revision,
	}, nil
}

func (s *MongoStore) CreateWorkItem(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	data, err := EncodeData(item.ObjectData)
	if err != nil {
		return err
	}

	doc := mongoWorkItemDoc{
		ID:            item.ID,
		WorkflowID:    item.WorkflowID,
		ObjectType:    item.ObjectType,
		CurrentTaskID: item.CurrentTaskID,
		Status:        string(item.Status),
		Priority:      item.Priority,
		ObjectData:    data,
		ClaimedByID:   item.ClaimedByID,
		ClaimedAt:     unixNanos(item.ClaimedAt),
		CreatedAt:     item.CreatedAt.UnixNano(),
		UpdatedAt:     item.UpdatedAt.UnixNano(),
		CompletedAt:   unixNanos(item.CompletedAt),
		Revision:      1,
		History:       toMongoHistory(entries),
	}

	if _, err := s.items.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrWorkItemExists
		}
		return err
	}
	item.Revision = 1
	return nil
}

func (s *MongoStore) GetWorkItem(ctx context.Context, id string) (*api.WorkItem, error) {
	var doc mongoWorkItemDoc
	err := s.items.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(mongoWithoutHistory)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrWorkItemNotFound
		}
		return nil, err
	}
	return doc.toWorkItem()
}

func (s *MongoStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*api.WorkItem, error) {
	bfilter := bson.M{}
	if filter.WorkflowID != "" {
		bfilter["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}
	if filter.CurrentTaskID != "" {
		bfilter["current_task_id"] = filter.CurrentTaskID
	}
	if filter.ClaimedByID != "" {
		bfilter["claimed_by_id"] = filter.ClaimedByID
	}

	opts := options.Find().
		SetProjection(mongoWithoutHistory).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.items.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkItem
	for cur.Next(ctx) {
		var doc mongoWorkItemDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		item, err := doc.toWorkItem()
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *MongoStore) ApplyTransition(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	data, err := EncodeData(item.ObjectData)
	if err != nil {
		return err
	}

	update := bson.M{
		"$set": bson.M{
			"current_task_id": item.CurrentTaskID,
			"status":          string(item.Status),
			"priority":        item.Priority,
			"object_data":     data,
			"claimed_by_id":   item.ClaimedByID,
			"claimed_at":      unixNanos(item.ClaimedAt),
			"updated_at":      item.UpdatedAt.UnixNano(),
			"completed_at":    unixNanos(item.CompletedAt),
		},
		"$inc": bson.M{"revision": 1},
	}
	if len(entries) > 0 {
		update["$push"] = bson.M{"history": bson.M{"$each": toMongoHistory(entries)}}
	}

	res, err := s.items.UpdateOne(ctx, bson.M{"_id": item.ID, "revision": item.Revision}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := s.items.CountDocuments(ctx, bson.M{"_id": item.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return api.ErrWorkItemNotFound
		}
		return api.ErrConcurrentUpdate
	}
	item.Revision++
	return nil
}

func (s *MongoStore) ClaimWorkItem(ctx context.Context, id, userID string, at time.Time, entry api.HistoryEntry) (*api.WorkItem, error) {
	filter := bson.M{"_id": id, "status": string(api.StatusActive), "claimed_by_id": ""}
	update := bson.M{
		"$set": bson.M{
			"claimed_by_id": userID,
			"claimed_at":    at.UnixNano(),
			"updated_at":    at.UnixNano(),
		},
		"$inc":  bson.M{"revision": 1},
		"$push": bson.M{"history": toMongoHistory([]api.HistoryEntry{entry})[0]},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(mongoWithoutHistory)

	var doc mongoWorkItemDoc
	err := s.items.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toWorkItem()
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	cur, err := s.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != api.StatusActive {
		return nil, api.ErrNotActive
	}
	return nil, api.ErrAlreadyClaimed
}

func (s *MongoStore) ListHistory(ctx context.Context, workItemID string) ([]api.HistoryEntry, error) {
	var doc struct {
		History []mongoHistoryDoc `bson:"history"`
	}
	err := s.items.FindOne(ctx, bson.M{"_id": workItemID},
		options.FindOne().SetProjection(bson.M{"history": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]api.HistoryEntry, 0, len(doc.History))
	for i, h := range doc.History {
		out = append(out, api.HistoryEntry{
			Seq:        int64(i + 1),
			WorkItemID: workItemID,
			TaskID:     h.TaskID,
			TaskName:   h.TaskName,
			Action:     api.Action(h.Action),
			RouteLabel: h.RouteLabel,
			UserID:     h.UserID,
			Notes:      h.Notes,
			At:         time.Unix(0, h.At),
		})
	}
	return out, nil
}

// NextRoundRobin compare-and-sets the group pointer and retries when
// another writer moved it first.
func (s *MongoStore) NextRoundRobin(ctx context.Context, groupID string, members []string) (string, error) {
	if len(members) == 0 {
		return "", nil
	}
	for attempt := 0; attempt < maxRotationAttempts; attempt++ {
		next, err := s.tryRotate(ctx, groupID, members)
		if errors.Is(err, errRotationConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return next, nil
	}
	return "", fmt.Errorf("round-robin for group %s: %w", groupID, api.ErrConcurrentUpdate)
}

func (s *MongoStore) tryRotate(ctx context.Context, groupID string, members []string) (string, error) {
	var doc mongoRotationDoc
	err := s.rotations.FindOne(ctx, bson.M{"_id": groupID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		next := nextMember(members, "")
		if _, err := s.rotations.InsertOne(ctx, mongoRotationDoc{GroupID: groupID, Last: next}); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return "", errRotationConflict
			}
			return "", err
		}
		return next, nil
	}
	if err != nil {
		return "", err
	}

	next := nextMember(members, doc.Last)
	res, err := s.rotations.UpdateOne(ctx,
		bson.M{"_id": groupID, "last_user_id": doc.Last},
		bson.M{"$set": bson.M{"last_user_id": next}})
	if err != nil {
		return "", err
	}
	if res.MatchedCount == 0 {
		return "", errRotationConflict
	}
	return next, nil
}
