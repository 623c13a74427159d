package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// MongoDBStorage implements Storage interface using MongoDB
type MongoDBStorage struct {
	client  *mongo.Client
	records *mongo.Collection
	runs    *mongo.Collection
}

type mongoRecord struct {
	ID                  string `bson:"_id"`
	models.MergedRecord `bson:",inline"`
}

type mongoRunStatus struct {
	ID               string `bson:"_id"`
	models.RunStatus `bson:",inline"`
}

// mongoRegistry encodes structs using their json tags so documents carry the
// same field names as the JSONL output.
func mongoRegistry() *bsoncodec.Registry {
	codec, err := bsoncodec.NewStructCodec(bsoncodec.JSONFallbackStructTagParser)
	if err != nil {
		panic(err)
	}
	rb := bson.NewRegistryBuilder()
	rb.RegisterDefaultEncoder(reflect.Struct, codec)
	rb.RegisterDefaultDecoder(reflect.Struct, codec)
	return rb.Build()
}

// NewMongoDBStorage connects to MongoDB and verifies the connection
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI(cfg.MongoDBURI).SetRegistry(mongoRegistry())
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.MongoDatabase)
	return &MongoDBStorage{
		client:  client,
		records: db.Collection(cfg.TableName),
		runs:    db.Collection(cfg.TableName + "_runs"),
	}, nil
}

// StoreRecords upserts records keyed by external id
func (m *MongoDBStorage) StoreRecords(ctx context.Context, records []models.MergedRecord) error {
	if len(records) == 0 {
		return nil
	}

	writes := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		doc := mongoRecord{ID: recordKey(rec), MergedRecord: rec}
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: doc.ID}}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	if _, err := m.records.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("failed to store records: %w", err)
	}
	return nil
}

func (m *MongoDBStorage) UpdateRunStatus(ctx context.Context, status models.RunStatus) error {
	doc := mongoRunStatus{ID: status.RunID, RunStatus: status}
	_, err := m.runs.ReplaceOne(ctx, bson.D{{Key: "_id", Value: status.RunID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store run status %s: %w", status.RunID, err)
	}
	return nil
}

func (m *MongoDBStorage) GetRunStatus(ctx context.Context, runID string) (*models.RunStatus, error) {
	var doc mongoRunStatus
	err := m.runs.FindOne(ctx, bson.D{{Key: "_id", Value: runID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run status %s: %w", runID, err)
	}
	return &doc.RunStatus, nil
}

func (m *MongoDBStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
