package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTableStore is a TableStore backed by MongoDB.
//
// All logical tables share one collection. Documents are keyed by
// {t: table, p: partition, r: row} and properties live in a "props"
// sub-document, so filters translate to "props.<Name>" paths.
//
// Unless UseTransactions is set, a batch is applied as an ordered bulk
// write guarded by per-row etag filters. A crash mid-batch can then leave
// a prefix of the batch applied; the history layout tolerates that because
// the sentinel row is always the last operation of a history batch.
type MongoTableStore struct {
	client   *mongo.Client
	entities *mongo.Collection
	tables   *mongo.Collection

	// UseTransactions wraps batches in a multi-document transaction. It
	// requires a replica set.
	UseTransactions bool
}

var _ TableStore = (*MongoTableStore)(nil)

type mongoKey struct {
	Table string `bson:"t"`
	PK    string `bson:"p"`
	RK    string `bson:"r"`
}

type mongoEntityDoc struct {
	ID    mongoKey `bson:"_id"`
	ETag  string   `bson:"etag"`
	Props bson.M   `bson:"props"`
}

// NewMongoTableStore creates a Mongo-backed table store and its index.
// dbName defaults to "durabletask" if empty.
func NewMongoTableStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoTableStore, error) {
	if dbName == "" {
		dbName = "durabletask"
	}
	db := client.Database(dbName)
	s := &MongoTableStore{
		client:   client,
		entities: db.Collection("dt_entities"),
		tables:   db.Collection("dt_tables"),
	}
	_, err := s.entities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "_id.t", Value: 1}, {Key: "_id.p", Value: 1}, {Key: "_id.r", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create entity index: %w", err)
	}
	return s, nil
}

func (s *MongoTableStore) CreateTable(ctx context.Context, table string) error {
	_, err := s.tables.UpdateOne(ctx,
		bson.M{"_id": table},
		bson.M{"$setOnInsert": bson.M{"_id": table}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoTableStore) DeleteTable(ctx context.Context, table string) error {
	if _, err := s.entities.DeleteMany(ctx, bson.M{"_id.t": table}); err != nil {
		return err
	}
	_, err := s.tables.DeleteOne(ctx, bson.M{"_id": table})
	return err
}

func (s *MongoTableStore) TableExists(ctx context.Context, table string) (bool, error) {
	n, err := s.tables.CountDocuments(ctx, bson.M{"_id": table})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoTableStore) ExecuteBatch(ctx context.Context, table string, ops []TableOperation) (*BatchResult, error) {
	if _, err := validateBatch(ops); err != nil {
		return nil, err
	}
	ok, err := s.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	if !s.UseTransactions {
		return s.executeBatch(ctx, table, ops)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return s.executeBatch(sc, table, ops)
	})
	if err != nil {
		return nil, err
	}
	return out.(*BatchResult), nil
}

func (s *MongoTableStore) executeBatch(ctx context.Context, table string, ops []TableOperation) (*BatchResult, error) {
	keys := make([]mongoKey, len(ops))
	for i, op := range ops {
		keys[i] = mongoKey{Table: table, PK: op.Entity.PartitionKey, RK: op.Entity.RowKey}
	}

	current, err := s.load(ctx, keys)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{ETags: make([]string, len(ops))}
	models := make([]mongo.WriteModel, 0, len(ops))
	expected := 0
	for i, op := range ops {
		cur := current[keys[i]]
		next, err := applyOperation(op, cur, newETag())
		if err != nil {
			return nil, &BatchError{Index: i, Op: op.Type, RowKey: op.Entity.RowKey, Err: err}
		}
		switch {
		case next == nil && cur == nil:
			// Deleting an absent row is a no-op.
		case next == nil:
			models = append(models, mongo.NewDeleteOneModel().
				SetFilter(bson.M{"_id": keys[i], "etag": cur.ETag}))
			expected++
		case cur == nil:
			models = append(models, mongo.NewInsertOneModel().
				SetDocument(mongoEntityDoc{ID: keys[i], ETag: next.ETag, Props: bson.M(next.Properties)}))
			expected++
			res.ETags[i] = next.ETag
		default:
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": keys[i], "etag": cur.ETag}).
				SetReplacement(mongoEntityDoc{ID: keys[i], ETag: next.ETag, Props: bson.M(next.Properties)}))
			expected++
			res.ETags[i] = next.ETag
		}
	}
	if len(models) == 0 {
		return res, nil
	}

	out, err := s.entities.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, err
	}
	// Rows changed between the read and the write lose their etag filter.
	if got := int(out.InsertedCount + out.MatchedCount + out.DeletedCount); got != expected {
		return nil, fmt.Errorf("%w: %d of %d rows matched", ErrPreconditionFailed, got, expected)
	}
	return res, nil
}

func (s *MongoTableStore) load(ctx context.Context, keys []mongoKey) (map[mongoKey]*Entity, error) {
	cur, err := s.entities.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make(map[mongoKey]*Entity, len(keys))
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e, err := doc.entity()
		if err != nil {
			return nil, err
		}
		out[doc.ID] = e
	}
	return out, cur.Err()
}

func (d mongoEntityDoc) entity() (*Entity, error) {
	props, err := normalizeProperties(map[string]any(d.Props))
	if err != nil {
		return nil, err
	}
	return &Entity{PartitionKey: d.ID.PK, RowKey: d.ID.RK, ETag: d.ETag, Properties: props}, nil
}

func (s *MongoTableStore) Query(ctx context.Context, table string, q TableQuery) (*QueryPage, error) {
	ok, err := s.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	clauses := bson.A{bson.M{"_id.t": table}}
	if q.PartitionKey != "" {
		clauses = append(clauses, bson.M{"_id.p": q.PartitionKey})
	}
	if q.ContinuationToken != "" {
		pk, rk, err := decodeToken(q.ContinuationToken)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, bson.M{"$or": bson.A{
			bson.M{"_id.p": bson.M{"$gt": pk}},
			bson.M{"_id.p": pk, "_id.r": bson.M{"$gt": rk}},
		}})
	}
	if q.Filter != nil {
		f, err := mongoFilter(q.Filter)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, f)
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id.t", Value: 1}, {Key: "_id.p", Value: 1}, {Key: "_id.r", Value: 1}})
	if q.PageSize > 0 {
		opts.SetLimit(int64(q.PageSize + 1))
	}
	if q.Select != nil {
		proj := bson.M{"_id": 1, "etag": 1}
		for _, name := range q.Select {
			if err := validPropertyName(name); err != nil {
				return nil, err
			}
			proj["props."+name] = 1
		}
		opts.SetProjection(proj)
	}

	cur, err := s.entities.Find(ctx, bson.M{"$and": clauses}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	page := &QueryPage{}
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e, err := doc.entity()
		if err != nil {
			return nil, err
		}
		page.Entities = append(page.Entities, e)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	if q.PageSize > 0 && len(page.Entities) > q.PageSize {
		page.Entities = page.Entities[:q.PageSize]
		last := page.Entities[q.PageSize-1]
		page.ContinuationToken = encodeToken(last.PartitionKey, last.RowKey)
	}
	return page, nil
}

var mongoOps = map[CompareOp]string{
	OpEq: "$eq", OpNe: "$ne", OpGt: "$gt", OpGe: "$gte", OpLt: "$lt", OpLe: "$lte",
}

func mongoFilter(f Filter) (bson.M, error) {
	switch x := f.(type) {
	case Comparison:
		v, err := normalizeValue(x.Value)
		if err != nil {
			return nil, err
		}
		op, ok := mongoOps[x.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported operator %q", x.Op)
		}
		var path string
		switch x.Property {
		case PartitionKeyProperty:
			path = "_id.p"
		case RowKeyProperty:
			path = "_id.r"
		default:
			if err := validPropertyName(x.Property); err != nil {
				return nil, err
			}
			path = "props." + x.Property
		}
		cond := bson.M{op: v}
		if x.Op == OpNe {
			// $ne alone also matches documents lacking the field.
			cond["$exists"] = true
		}
		return bson.M{path: cond}, nil
	case AndFilter:
		return mongoCombine("$and", x.Filters)
	case OrFilter:
		return mongoCombine("$or", x.Filters)
	}
	return nil, errors.New("unsupported filter")
}

func mongoCombine(op string, fs []Filter) (bson.M, error) {
	arr := make(bson.A, 0, len(fs))
	for _, sub := range fs {
		m, err := mongoFilter(sub)
		if err != nil {
			return nil, err
		}
		arr = append(arr, m)
	}
	return bson.M{op: arr}, nil
}
