package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// DynamoDB accepts at most 25 items per BatchWriteItem call.
const dynamoBatchSize = 25

const maxUnprocessedRetries = 3

// DynamoDBStorage implements Storage interface using AWS DynamoDB
type DynamoDBStorage struct {
	client      dynamodbiface.DynamoDBAPI
	tableName   string
	statusTable string
	backoff     time.Duration
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(cfg config.StorageConfig, sess client.ConfigProvider) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	storage := NewDynamoDBStorageWithClient(dynamodb.New(sess, awsConfig), cfg.TableName)

	// Create tables if they don't exist (for local testing)
	if err := storage.ensureTable(storage.tableName, "id"); err != nil {
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}
	if err := storage.ensureTable(storage.statusTable, "run_id"); err != nil {
		return nil, fmt.Errorf("failed to ensure status table exists: %w", err)
	}

	return storage, nil
}

// NewDynamoDBStorageWithClient wraps an existing client without touching
// table definitions.
func NewDynamoDBStorageWithClient(client dynamodbiface.DynamoDBAPI, tableName string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:      client,
		tableName:   tableName,
		statusTable: tableName + "_runs",
		backoff:     200 * time.Millisecond,
	}
}

// ensureTable creates the DynamoDB table if it doesn't exist
func (d *DynamoDBStorage) ensureTable(name, hashKey string) error {
	// Check if table exists
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})

	if err == nil {
		return nil // Table already exists
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(hashKey),
				KeyType:       aws.String("HASH"),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(hashKey),
				AttributeType: aws.String("S"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}

	_, err = d.client.CreateTable(input)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	// Wait for table to be created
	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
}

// StoreRecords writes records in batches of 25, resubmitting unprocessed items.
func (d *DynamoDBStorage) StoreRecords(ctx context.Context, records []models.MergedRecord) error {
	for start := 0; start < len(records); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(records))

		requests := make([]*dynamodb.WriteRequest, 0, end-start)
		for _, rec := range records[start:end] {
			item, err := dynamodbattribute.MarshalMap(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s: %w", rec.ExternalID, err)
			}
			item["id"] = &dynamodb.AttributeValue{S: aws.String(recordKey(rec))}
			requests = append(requests, &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: item}})
		}

		if err := d.writeBatch(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (d *DynamoDBStorage) writeBatch(ctx context.Context, requests []*dynamodb.WriteRequest) error {
	pending := map[string][]*dynamodb.WriteRequest{d.tableName: requests}

	for attempt := 0; ; attempt++ {
		out, err := d.client.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return fmt.Errorf("failed to store records: %w", err)
		}

		pending = out.UnprocessedItems
		if len(pending[d.tableName]) == 0 {
			return nil
		}
		if attempt == maxUnprocessedRetries {
			return fmt.Errorf("failed to store %d records after %d attempts", len(pending[d.tableName]), attempt+1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.backoff * time.Duration(attempt+1)):
		}
	}
}

// UpdateRunStatus updates the run status
func (d *DynamoDBStorage) UpdateRunStatus(ctx context.Context, status models.RunStatus) error {
	item, err := dynamodbattribute.MarshalMap(status)
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.statusTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store run status %s: %w", status.RunID, err)
	}
	return nil
}

// GetRunStatus retrieves a run status, or nil if the run is unknown
func (d *DynamoDBStorage) GetRunStatus(ctx context.Context, runID string) (*models.RunStatus, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(d.statusTable),
		Key: map[string]*dynamodb.AttributeValue{
			"run_id": {
				S: aws.String(runID),
			},
		},
	}

	result, err := d.client.GetItemWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get run status %s: %w", runID, err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var status models.RunStatus
	err = dynamodbattribute.UnmarshalMap(result.Item, &status)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run status: %w", err)
	}

	return &status, nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}
