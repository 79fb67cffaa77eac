package persistence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/durabletask/internal/testutil"
)

type MongoTableStoreTestSuite struct {
	suite.Suite
	endpoint string
	client   *mongo.Client
}

func TestMongoTableStoreTestSuite(t *testing.T) {
	testsuite := new(MongoTableStoreTestSuite)
	testsuite.endpoint = testutil.GetMongoURI(t)
	connectTestMongo(t, testsuite)
	suite.Run(t, testsuite)
}

func connectTestMongo(t *testing.T, ts *MongoTableStoreTestSuite) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(ts.endpoint))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})
	ts.client = client
}

// newStore returns a store in a database of its own, dropped when t ends.
func (m *MongoTableStoreTestSuite) newStore(t *testing.T) TableStore {
	t.Helper()

	dbName := "dt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	store, err := NewMongoTableStore(context.Background(), m.client, dbName)
	if err != nil {
		t.Fatalf("NewMongoTableStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = m.client.Database(dbName).Drop(context.Background())
	})
	return store
}

func (m *MongoTableStoreTestSuite) TestConformance() {
	runTableStoreConformance(m.T(), m.newStore)
}

func (m *MongoTableStoreTestSuite) TestHistoryStore() {
	runHistoryStoreScenarios(m.T(), func(t *testing.T) Persistence {
		return Persistence{Tables: m.newStore(t), Objects: NewMemoryObjectStore()}
	})
}

func (m *MongoTableStoreTestSuite) TestDocumentLayout() {
	ctx := context.Background()
	dbName := "dt_layout_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	store, err := NewMongoTableStore(ctx, m.client, dbName)
	m.Require().NoError(err)
	defer func() { _ = m.client.Database(dbName).Drop(ctx) }()

	m.Require().NoError(store.CreateTable(ctx, "T"))
	e := NewEntity("p1", "r1")
	e.Set("Name", "x")
	_, err = store.ExecuteBatch(ctx, "T", []TableOperation{{Type: OpInsert, Entity: e}})
	m.Require().NoError(err)

	var doc mongoEntityDoc
	err = m.client.Database(dbName).Collection("dt_entities").
		FindOne(ctx, bson.M{"_id.t": "T", "_id.p": "p1", "_id.r": "r1"}).Decode(&doc)
	m.Require().NoError(err)

	m.Equal("x", doc.Props["Name"])
	m.NotEmpty(doc.ETag)
}
