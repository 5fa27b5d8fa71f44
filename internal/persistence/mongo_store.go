package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/pkg/api"
)

// MongoRepository is a WorkflowStateRepository backed by a MongoDB
// collection. Each run is one document; saves replace the document only if
// its version still matches.
type MongoRepository struct {
	coll *mongo.Collection
}

var _ api.WorkflowStateRepository = (*MongoRepository)(nil)

// NewMongoRepository creates a Mongo-backed repository. dbName defaults to
// "stepflow", collName to "instances".
func NewMongoRepository(client *mongo.Client, dbName, collName string) *MongoRepository {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "instances"
	}
	return &MongoRepository{coll: client.Database(dbName).Collection(collName)}
}

// EnsureIndexes creates the secondary indexes used by List, CountByStatus
// and DeleteOlderThan.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "workflow_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	return err
}

type mongoHistoryDoc struct {
	StepID    string `bson:"step_id"`
	Kind      string `bson:"kind"`
	Summary   string `bson:"summary,omitempty"`
	Attempt   int    `bson:"attempt"`
	Error     string `bson:"error,omitempty"`
	Timestamp int64  `bson:"ts"`
	Duration  int64  `bson:"duration"`
}

// Timestamps are stored as Unix nanoseconds; BSON dates only keep
// milliseconds.
type mongoInstanceDoc struct {
	RunID         string            `bson:"_id"`
	WorkflowID    string            `bson:"workflow_id"`
	CorrelationID string            `bson:"correlation_id,omitempty"`
	Status        string            `bson:"status"`
	CurrentStepID string            `bson:"current_step,omitempty"`
	ExpectedInput string            `bson:"expected_input,omitempty"`
	PendingTaskID string            `bson:"pending_task,omitempty"`
	Attempt       int               `bson:"attempt"`
	History       []mongoHistoryDoc `bson:"history,omitempty"`
	Context       []byte            `bson:"context,omitempty"`
	Output        []byte            `bson:"output,omitempty"`
	Prompt        []byte            `bson:"prompt,omitempty"`
	Error         string            `bson:"error,omitempty"`
	CreatedAt     int64             `bson:"created_at"`
	UpdatedAt     int64             `bson:"updated_at"`
	TotalDuration int64             `bson:"total_duration"`
	Version       int64             `bson:"version"`
}

func toMongoDoc(inst *api.WorkflowInstance, version int64) mongoInstanceDoc {
	doc := mongoInstanceDoc{
		RunID:         inst.RunID,
		WorkflowID:    inst.WorkflowID,
		CorrelationID: inst.CorrelationID,
		Status:        string(inst.Status),
		CurrentStepID: inst.CurrentStepID,
		ExpectedInput: string(inst.ExpectedInputType),
		PendingTaskID: inst.PendingTaskID,
		Attempt:       inst.Attempt,
		Context:       inst.Context,
		Output:        inst.Output,
		Prompt:        inst.Prompt,
		Error:         inst.Error,
		CreatedAt:     inst.CreatedAt.UnixNano(),
		UpdatedAt:     inst.UpdatedAt.UnixNano(),
		TotalDuration: int64(inst.TotalDuration),
		Version:       version,
	}
	for _, h := range inst.History {
		doc.History = append(doc.History, mongoHistoryDoc{
			StepID:    h.StepID,
			Kind:      string(h.Kind),
			Summary:   h.Summary,
			Attempt:   h.Attempt,
			Error:     h.Error,
			Timestamp: h.Timestamp.UnixNano(),
			Duration:  int64(h.Duration),
		})
	}
	return doc
}

func (d mongoInstanceDoc) instance() *api.WorkflowInstance {
	inst := &api.WorkflowInstance{
		RunID:             d.RunID,
		WorkflowID:        d.WorkflowID,
		CorrelationID:     d.CorrelationID,
		Status:            api.Status(d.Status),
		CurrentStepID:     d.CurrentStepID,
		ExpectedInputType: api.TypeTag(d.ExpectedInput),
		PendingTaskID:     d.PendingTaskID,
		Attempt:           d.Attempt,
		Context:           d.Context,
		Output:            d.Output,
		Prompt:            d.Prompt,
		Error:             d.Error,
		CreatedAt:         time.Unix(0, d.CreatedAt),
		UpdatedAt:         time.Unix(0, d.UpdatedAt),
		TotalDuration:     time.Duration(d.TotalDuration),
		Version:           d.Version,
	}
	for _, h := range d.History {
		inst.History = append(inst.History, api.HistoryEntry{
			StepID:    h.StepID,
			Kind:      api.ResultKind(h.Kind),
			Summary:   h.Summary,
			Attempt:   h.Attempt,
			Error:     h.Error,
			Timestamp: time.Unix(0, h.Timestamp),
			Duration:  time.Duration(h.Duration),
		})
	}
	return inst
}

func (r *MongoRepository) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	doc := toMongoDoc(inst, inst.Version+1)

	if inst.Version == 0 {
		if _, err := r.coll.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return api.ErrConcurrentModification
			}
			return err
		}
		inst.Version = doc.Version
		return nil
	}

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": inst.RunID, "version": inst.Version}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := r.coll.CountDocuments(ctx, bson.M{"_id": inst.RunID})
		if err != nil {
			return err
		}
		if n == 0 {
			return api.ErrRunNotFound
		}
		return api.ErrConcurrentModification
	}
	inst.Version = doc.Version
	return nil
}

func (r *MongoRepository) Load(ctx context.Context, runID string) (*api.WorkflowInstance, error) {
	var doc mongoInstanceDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return doc.instance(), nil
}

func (r *MongoRepository) List(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	q := bson.M{}
	if filter.WorkflowID != "" {
		q["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.CorrelationID != "" {
		q["correlation_id"] = filter.CorrelationID
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, doc.instance())
	}
	return result, cur.Err()
}

func (r *MongoRepository) CountByStatus(ctx context.Context, status api.Status) (int, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"status": string(status)})
	return int(n), err
}

func (r *MongoRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": []string{string(terminalStatuses[0]), string(terminalStatuses[1])}},
		"updated_at": bson.M{"$lt": cutoff.UnixNano()},
	})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
