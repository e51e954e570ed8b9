package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conduit/pkg/api"
)

const mongoOpTimeout = 5 * time.Second

// MongoStore implements every repository interface on MongoDB, one
// collection per repository. Compare-and-set writes filter on a version or
// sequence field.
type MongoStore struct {
	flows      *mongo.Collection
	executions *mongo.Collection
	running    *mongo.Collection
	instances  *mongo.Collection
	windows    *mongo.Collection
}

var (
	_ FlowRepository      = (*MongoStore)(nil)
	_ ExecutionRepository = (*MongoStore)(nil)
	_ RunningStore        = (*MongoStore)(nil)
	_ WorkerInstanceStore = (*MongoStore)(nil)
	_ WindowStore         = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store. dbName defaults to "conduit".
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "conduit"
	}
	db := client.Database(dbName)
	return &MongoStore{
		flows:      db.Collection("flows"),
		executions: db.Collection("executions"),
		running:    db.Collection("running_jobs"),
		instances:  db.Collection("worker_instances"),
		windows:    db.Collection("trigger_windows"),
	}
}

// Persistence returns s behind every repository interface.
func (s *MongoStore) Persistence() Persistence {
	return Persistence{Flows: s, Executions: s, Running: s, Instances: s, Windows: s}
}

type mongoFlowDoc struct {
	ID       string `bson:"_id"`
	Ref      string `bson:"ref"`
	Revision int    `bson:"revision"`
	Body     []byte `bson:"body"`
}

type mongoExecutionDoc struct {
	ID        string `bson:"_id"`
	Namespace string `bson:"namespace"`
	FlowID    string `bson:"flow_id"`
	State     string `bson:"state"`
	Version   int64  `bson:"version"`
	StartedAt int64  `bson:"started_at"`
	Body      []byte `bson:"body"`
}

type mongoRunningDoc struct {
	ID          string `bson:"_id"`
	WorkerID    string `bson:"worker_id"`
	ExecutionID string `bson:"execution_id"`
	Body        []byte `bson:"body"`
}

type mongoInstanceDoc struct {
	ID       string `bson:"_id"`
	LastSeen int64  `bson:"last_seen"`
	Seq      int64  `bson:"seq"`
	Body     []byte `bson:"body"`
}

type mongoWindowDoc struct {
	ID      string `bson:"_id"`
	End     int64  `bson:"end"`
	Version int64  `bson:"version"`
	Body    []byte `bson:"body"`
}

func (s *MongoStore) SaveFlow(ctx context.Context, flow api.Flow) (api.Flow, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	ref := refKey(flow.Ref())
	auto := flow.Revision == 0
	for attempt := 0; attempt < maxWindowRetries; attempt++ {
		if auto {
			latest, err := s.latestFlow(ctx, ref)
			switch {
			case errors.Is(err, mongo.ErrNoDocuments):
				flow.Revision = 1
			case err != nil:
				return api.Flow{}, err
			default:
				flow.Revision = latest.Revision + 1
			}
		}
		body, err := EncodeValue(flow)
		if err != nil {
			return api.Flow{}, err
		}
		_, err = s.flows.InsertOne(ctx, mongoFlowDoc{
			ID:       ref + "|" + strconv.Itoa(flow.Revision),
			Ref:      ref,
			Revision: flow.Revision,
			Body:     body,
		})
		if err == nil {
			return flow, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return api.Flow{}, err
		}
		if !auto {
			break
		}
	}
	return api.Flow{}, fmt.Errorf("%w: flow %s revision %d exists", ErrConflict, flow.Ref(), flow.Revision)
}

func (s *MongoStore) latestFlow(ctx context.Context, ref string) (mongoFlowDoc, error) {
	var doc mongoFlowDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "revision", Value: -1}})
	err := s.flows.FindOne(ctx, bson.M{"ref": ref}, opts).Decode(&doc)
	return doc, err
}

func (s *MongoStore) GetFlow(ctx context.Context, ref api.FlowRef) (api.Flow, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	doc, err := s.latestFlow(ctx, refKey(ref))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.Flow{}, fmt.Errorf("%w: %s", ErrFlowNotFound, ref)
	}
	if err != nil {
		return api.Flow{}, err
	}
	return DecodeValue[api.Flow](doc.Body)
}

func (s *MongoStore) GetFlowRevision(ctx context.Context, ref api.FlowRef, revision int) (api.Flow, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoFlowDoc
	err := s.flows.FindOne(ctx, bson.M{"_id": refKey(ref) + "|" + strconv.Itoa(revision)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.Flow{}, fmt.Errorf("%w: %s revision %d", ErrFlowNotFound, ref, revision)
	}
	if err != nil {
		return api.Flow{}, err
	}
	return DecodeValue[api.Flow](doc.Body)
}

func (s *MongoStore) ListFlows(ctx context.Context) ([]api.Flow, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "ref", Value: 1}, {Key: "revision", Value: -1}})
	cur, err := s.flows.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Flow
	seen := make(map[string]bool)
	for cur.Next(ctx) {
		var doc mongoFlowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if seen[doc.Ref] {
			continue
		}
		seen[doc.Ref] = true
		f, err := DecodeValue[api.Flow](doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, cur.Err()
}

func (s *MongoStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	exec.Version = 1
	body, err := EncodeValue(*exec)
	if err != nil {
		return err
	}
	_, err = s.executions.InsertOne(ctx, mongoExecutionDoc{
		ID:        exec.ID,
		Namespace: exec.Namespace,
		FlowID:    exec.FlowID,
		State:     string(exec.State.Current),
		Version:   exec.Version,
		StartedAt: exec.State.StartDate().UnixNano(),
		Body:      body,
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: execution %s exists", ErrConflict, exec.ID)
	}
	return err
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoExecutionDoc
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	exec, err := DecodeValue[api.Execution](doc.Body)
	if err != nil {
		return nil, err
	}
	exec.Version = doc.Version
	return &exec, nil
}

func (s *MongoStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	prev := exec.Version
	exec.Version = prev + 1
	body, err := EncodeValue(*exec)
	if err != nil {
		exec.Version = prev
		return err
	}
	res, err := s.executions.UpdateOne(ctx,
		bson.M{"_id": exec.ID, "version": prev},
		bson.M{"$set": bson.M{
			"state":   string(exec.State.Current),
			"version": exec.Version,
			"body":    body,
		}},
	)
	if err == nil && res.MatchedCount == 1 {
		return nil
	}
	exec.Version = prev
	if err != nil {
		return err
	}
	n, err := s.executions.CountDocuments(ctx, bson.M{"_id": exec.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	return fmt.Errorf("%w: execution %s version %d is stale", ErrConflict, exec.ID, prev)
}

func (s *MongoStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	q := bson.M{}
	if filter.Namespace != "" {
		q["namespace"] = filter.Namespace
	}
	if filter.FlowID != "" {
		q["flow_id"] = filter.FlowID
	}
	if filter.State != "" {
		q["state"] = string(filter.State)
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.executions.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Execution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		exec, err := DecodeValue[api.Execution](doc.Body)
		if err != nil {
			return nil, err
		}
		exec.Version = doc.Version
		out = append(out, &exec)
	}
	return out, cur.Err()
}

func (s *MongoStore) Claim(ctx context.Context, rec api.WorkerTaskRunning) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	body, err := EncodeValue(rec)
	if err != nil {
		return false, err
	}
	_, err = s.running.InsertOne(ctx, mongoRunningDoc{
		ID:          rec.JobID,
		WorkerID:    rec.WorkerID,
		ExecutionID: rec.ExecutionID,
		Body:        body,
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *MongoStore) Release(ctx context.Context, jobID, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := s.running.DeleteOne(ctx, bson.M{"_id": jobID, "worker_id": workerID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 1 {
		return nil
	}
	var doc mongoRunningDoc
	err = s.running.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s owned by %s", ErrNotOwner, jobID, doc.WorkerID)
}

func (s *MongoStore) GetRunning(ctx context.Context, jobID string) (api.WorkerTaskRunning, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoRunningDoc
	err := s.running.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.WorkerTaskRunning{}, false, nil
	}
	if err != nil {
		return api.WorkerTaskRunning{}, false, err
	}
	rec, err := DecodeValue[api.WorkerTaskRunning](doc.Body)
	return rec, err == nil, err
}

func (s *MongoStore) ListByWorker(ctx context.Context, workerID string) ([]api.WorkerTaskRunning, error) {
	return s.listRunning(ctx, bson.M{"worker_id": workerID})
}

func (s *MongoStore) ListRunning(ctx context.Context) ([]api.WorkerTaskRunning, error) {
	return s.listRunning(ctx, bson.M{})
}

func (s *MongoStore) listRunning(ctx context.Context, q bson.M) ([]api.WorkerTaskRunning, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cur, err := s.running.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.WorkerTaskRunning
	for cur.Next(ctx) {
		var doc mongoRunningDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := DecodeValue[api.WorkerTaskRunning](doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func (s *MongoStore) UpsertInstance(ctx context.Context, inst api.WorkerInstance) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	body, err := EncodeValue(inst)
	if err != nil {
		return err
	}
	_, err = s.instances.UpdateOne(ctx,
		bson.M{"_id": inst.ID, "seq": bson.M{"$lte": inst.Seq}},
		bson.M{"$set": bson.M{
			"last_seen": inst.LastSeen.UnixNano(),
			"seq":       inst.Seq,
			"body":      body,
		}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// A newer heartbeat is already stored.
		return nil
	}
	return err
}

func (s *MongoStore) ListInstances(ctx context.Context) ([]api.WorkerInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cur, err := s.instances.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.WorkerInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := DecodeValue[api.WorkerInstance](doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}

func (s *MongoStore) RemoveInstance(ctx context.Context, id string, lastSeen time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := s.instances.DeleteOne(ctx, bson.M{"_id": id, "last_seen": lastSeen.UnixNano()})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (s *MongoStore) GetWindow(ctx context.Context, key string) (Window, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	return s.readWindow(ctx, key)
}

func (s *MongoStore) readWindow(ctx context.Context, key string) (Window, bool, error) {
	var doc mongoWindowDoc
	err := s.windows.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, err
	}
	w, err := DecodeValue[Window](doc.Body)
	if err != nil {
		return Window{}, false, err
	}
	w.Version = doc.Version
	return w, true, nil
}

func (s *MongoStore) UpdateWindow(ctx context.Context, key string, fn func(Window, bool) (Window, bool, error)) (Window, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	for i := 0; i < maxWindowRetries; i++ {
		cur, exists, err := s.readWindow(ctx, key)
		if err != nil {
			return Window{}, err
		}
		next, keep, err := fn(cur, exists)
		if err != nil {
			return Window{}, err
		}
		if !keep {
			if !exists {
				return next, nil
			}
			res, err := s.windows.DeleteOne(ctx, bson.M{"_id": key, "version": cur.Version})
			if err != nil {
				return Window{}, err
			}
			if res.DeletedCount == 1 {
				return next, nil
			}
			continue
		}

		next.Key = key
		next.Version = cur.Version + 1
		body, err := EncodeValue(next)
		if err != nil {
			return Window{}, err
		}
		doc := mongoWindowDoc{ID: key, End: next.End.UnixNano(), Version: next.Version, Body: body}
		if !exists {
			_, err = s.windows.InsertOne(ctx, doc)
			if err == nil {
				return next, nil
			}
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return Window{}, err
		}
		res, err := s.windows.ReplaceOne(ctx, bson.M{"_id": key, "version": cur.Version}, doc)
		if err != nil {
			return Window{}, err
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return Window{}, fmt.Errorf("%w: window %s", ErrConflict, key)
}

func (s *MongoStore) DeleteWindow(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	_, err := s.windows.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (s *MongoStore) DeleteExpiredWindows(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := s.windows.DeleteMany(ctx, bson.M{"end": bson.M{"$lt": now.UnixNano()}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
