package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// DDBClient is the subset of the DynamoDB API used by DynamoStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

const (
	condUpsert       = "attribute_not_exists(id) OR version <= :v"
	condVersionEqual = "version = :v"
)

// DynamoStore keeps one item per record: the id key, the version and status
// as top-level attributes for conditions, and the record body as JSON.
type DynamoStore struct {
	client DDBClient
	table  string
}

func NewDynamoStore(client DDBClient, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) put(ctx context.Context, rec core.ImageRecord, cond string, condVersion int64) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"id":      &types.AttributeValueMemberS{Value: rec.ID},
			"version": &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Version, 10)},
			"status":  &types.AttributeValueMemberS{Value: string(rec.Status)},
			"record":  &types.AttributeValueMemberS{Value: string(body)},
		},
		ConditionExpression: aws.String(cond),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(condVersion, 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrStaleVersion
		}
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (s *DynamoStore) Upsert(ctx context.Context, rec core.ImageRecord) error {
	if rec.CreatedAt.IsZero() {
		if cur, err := s.Get(ctx, rec.ID); err == nil {
			rec.CreatedAt = cur.CreatedAt
		}
	}
	return s.put(ctx, rec, condUpsert, rec.Version)
}

func (s *DynamoStore) Get(ctx context.Context, id string) (core.ImageRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return core.ImageRecord{}, fmt.Errorf("get record: %w", err)
	}
	if len(out.Item) == 0 {
		return core.ImageRecord{}, ErrNotFound
	}
	return decodeItem(out.Item)
}

// UpdateStatus is a read-modify-write guarded by the version condition, so
// a concurrent re-ingestion that bumped the version wins.
func (s *DynamoStore) UpdateStatus(ctx context.Context, id string, status core.Status, reason core.FailureReason, version int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Version != version {
		return ErrStaleVersion
	}
	rec.Status = status
	rec.FailureReason = reason
	rec.UpdatedAt = time.Now().UTC()
	return s.put(ctx, rec, condVersionEqual, version)
}

func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *DynamoStore) List(ctx context.Context, opts ListOptions) ([]core.ImageRecord, error) {
	in := &dynamodb.ScanInput{TableName: aws.String(s.table), ConsistentRead: aws.Bool(true)}
	if opts.Status != "" {
		in.FilterExpression = aws.String("#s = :s")
		in.ExpressionAttributeNames = map[string]string{"#s": "status"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(opts.Status)},
		}
	}

	var result []core.ImageRecord
	paginator := dynamodb.NewScanPaginator(s.client, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
		for _, item := range page.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			result = append(result, rec)
		}
	}
	return applyList(result, opts), nil
}

func (s *DynamoStore) Close() error { return nil }

func decodeItem(item map[string]types.AttributeValue) (core.ImageRecord, error) {
	var rec core.ImageRecord
	body, ok := item["record"].(*types.AttributeValueMemberS)
	if !ok {
		return rec, errors.New("invalid record attribute in DynamoDB")
	}
	if err := json.Unmarshal([]byte(body.Value), &rec); err != nil {
		return rec, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}
