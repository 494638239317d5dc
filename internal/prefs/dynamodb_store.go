package prefs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/TheMichaelB/recsync/internal/events"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

const (
	dynamoKeyAttr   = "pref_key"
	dynamoValueAttr = "value"
	dynamoTimeout   = 10 * time.Second
)

// DynamoDBStore keeps prefs in a DynamoDB table keyed by pref_key. It lets
// several stateless workers share one sync identity.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
	logger    *events.Logger
}

// NewDynamoDBStore creates a store using the default AWS configuration.
func NewDynamoDBStore(ctx context.Context, tableName string, logger *events.Logger) (*DynamoDBStore, error) {
	if tableName == "" {
		return nil, fmt.Errorf("dynamodb prefs table name required")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(cfg), tableName, logger)
}

// NewDynamoDBStoreWithClient creates a store over an existing client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, tableName string, logger *events.Logger) (*DynamoDBStore, error) {
	s := &DynamoDBStore{
		client:    client,
		tableName: tableName,
		logger:    logger.WithField("component", "dynamodb_prefs_store"),
	}
	if err := ensureVersion(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DynamoDBStore) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dynamoTimeout)
	defer cancel()

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("dynamodb get: %w", err)
	}
	if result.Item == nil {
		return "", false, nil
	}

	attr, ok := result.Item[dynamoValueAttr].(*types.AttributeValueMemberS)
	if !ok {
		return "", false, fmt.Errorf("dynamodb get %s: invalid value attribute type", key)
	}
	return attr.Value, true, nil
}

func (s *DynamoDBStore) Put(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dynamoTimeout)
	defer cancel()

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			dynamoKeyAttr:   &types.AttributeValueMemberS{Value: key},
			dynamoValueAttr: &types.AttributeValueMemberS{Value: value},
			"updated_at": &types.AttributeValueMemberN{
				Value: fmt.Sprintf("%d", time.Now().Unix()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb put: %w", err)
	}
	return nil
}

// PutAll writes items one by one; DynamoDB offers no cheap multi-key atomicity here.
func (s *DynamoDBStore) PutAll(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := s.Put(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoDBStore) Delete(keys ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dynamoTimeout)
	defer cancel()

	for _, k := range keys {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       itemKey(k),
		})
		if err != nil {
			return fmt.Errorf("dynamodb delete: %w", err)
		}
	}
	return nil
}

func (s *DynamoDBStore) Keys(prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*dynamoTimeout)
	defer cancel()

	input := &dynamodb.ScanInput{
		TableName:            aws.String(s.tableName),
		ProjectionExpression: aws.String(dynamoKeyAttr),
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(" + dynamoKeyAttr + ", :p)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: prefix},
		}
	}

	var keys []string
	for {
		page, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}
		for _, item := range page.Items {
			if attr, ok := item[dynamoKeyAttr].(*types.AttributeValueMemberS); ok && attr.Value != VersionKey {
				keys = append(keys, attr.Value)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}

	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; the client holds no resources.
func (s *DynamoDBStore) Close() error {
	return nil
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoKeyAttr: &types.AttributeValueMemberS{Value: key},
	}
}
