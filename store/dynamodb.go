package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

// DynamoDBAPI is the subset of *dynamodb.Client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type DynamoDBConfig struct {
	Table    string `json:"table"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
}

// dynamoItem stores expiry twice: expired_at in seconds for the table's TTL
// attribute and expires_ms for exact reads before TTL deletion catches up.
type dynamoItem struct {
	Key       string `dynamodbav:"key"`
	Value     []byte `dynamodbav:"value"`
	ExpiredAt int64  `dynamodbav:"expired_at,omitempty"`
	ExpiresMs int64  `dynamodbav:"expires_ms"`
}

type DynamoDBStore struct {
	client  DynamoDBAPI
	logger  types.Logger
	config  *DynamoDBConfig
	now     types.Clock
	started int32
}

func NewDynamoDBStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (*DynamoDBStore, error) {
	dynamoConfig := &DynamoDBConfig{
		Table:  "portal_store",
		Region: "us-east-1",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, dynamoConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal dynamodb store config")
		}
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(dynamoConfig.Region))
	if err != nil {
		return nil, types.Errorf(types.ErrStoreConnectionFailed, "aws config: %v", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if dynamoConfig.Endpoint != "" {
			o.BaseEndpoint = aws.String(dynamoConfig.Endpoint)
		}
	})

	return NewDynamoDBStoreWithClient(client, logger, dynamoConfig)
}

func NewDynamoDBStoreWithClient(client DynamoDBAPI, logger types.Logger, config *DynamoDBConfig) (*DynamoDBStore, error) {
	if client == nil {
		return nil, types.Errorf(types.ErrStoreConnectionFailed, "nil dynamodb client")
	}
	if config == nil || config.Table == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "dynamodb table is required")
	}

	return &DynamoDBStore{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}, nil
}

func (d *DynamoDBStore) Start() error {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return types.ErrServiceIsRunning
	}
	d.logger.Info("DynamoDB store started", zap.String("table", d.config.Table))
	return nil
}

func (d *DynamoDBStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.started, 1, 0) {
		return types.ErrServiceIsNotRunning
	}
	return nil
}

func (d *DynamoDBStore) IsRunning() bool {
	return atomic.LoadInt32(&d.started) == 1
}

func (d *DynamoDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	output, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            d.keyOf(key),
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(d.config.Table),
	})
	if err != nil {
		return nil, types.Errorf(types.ErrStoreOperationFailed, "dynamodb get %s: %v", key, err)
	}

	if output.Item == nil {
		return nil, types.ErrStoreNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, types.Errorf(types.ErrStoreOperationFailed, "dynamodb decode %s: %v", key, err)
	}

	if d.expired(item) {
		return nil, types.ErrStoreNotFound
	}

	return item.Value, nil
}

func (d *DynamoDBStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := dynamoItem{Key: key, Value: value}
	if ttl > 0 {
		expiresAt := d.now().Add(ttl)
		item.ExpiredAt = expiresAt.Unix()
		item.ExpiresMs = expiresAt.UnixMilli()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "dynamodb encode %s: %v", key, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.config.Table),
		Item:      av,
	})
	if err != nil {
		return types.Errorf(types.ErrStoreOperationFailed, "dynamodb put %s: %v", key, err)
	}
	return nil
}

func (d *DynamoDBStore) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.config.Table),
			Key:       d.keyOf(key),
		})
		if err != nil {
			return types.Errorf(types.ErrStoreOperationFailed, "dynamodb delete %s: %v", key, err)
		}
	}
	return nil
}

// Scan pages through a full table scan filtered by key prefix. Results are
// unordered, as DynamoDB scans are.
func (d *DynamoDBStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(d.config.Table),
		ConsistentRead: aws.Bool(true),
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(#k, :p)")
		input.ExpressionAttributeNames = map[string]string{"#k": "key"}
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":p": &ddbtypes.AttributeValueMemberS{Value: prefix},
		}
	}

	for {
		output, err := d.client.Scan(ctx, input)
		if err != nil {
			return types.Errorf(types.ErrStoreOperationFailed, "dynamodb scan: %v", err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(output.Items, &items); err != nil {
			return types.Errorf(types.ErrStoreOperationFailed, "dynamodb scan decode: %v", err)
		}

		for _, item := range items {
			if d.expired(item) {
				continue
			}
			if err := fn(item.Key, item.Value); err != nil {
				return err
			}
		}

		if len(output.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

func (d *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.config.Table),
	})
	if err != nil {
		return types.Errorf(types.ErrStoreConnectionFailed, "dynamodb: %v", err)
	}
	return nil
}

func (d *DynamoDBStore) keyOf(key string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"key": &ddbtypes.AttributeValueMemberS{Value: key},
	}
}

func (d *DynamoDBStore) expired(item dynamoItem) bool {
	return item.ExpiresMs > 0 && d.now().UnixMilli() >= item.ExpiresMs
}
