package metadata

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDDB evaluates the two condition expressions DynamoStore issues.
type fakeDDB struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func itemVersion(item map[string]types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(item["version"].(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := params.Item["id"].(*types.AttributeValueMemberS).Value
	v, _ := strconv.ParseInt(params.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value, 10, 64)
	cur, exists := f.items[id]

	failed := &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	switch aws.ToString(params.ConditionExpression) {
	case condUpsert:
		if exists && itemVersion(cur) > v {
			return nil, failed
		}
	case condVersionEqual:
		if !exists || itemVersion(cur) != v {
			return nil, failed
		}
	}
	f.items[id] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id := params.Key["id"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[id]}, nil
}

func (f *fakeDDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, params.Key["id"].(*types.AttributeValueMemberS).Value)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDDB) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var want string
	if s, ok := params.ExpressionAttributeValues[":s"].(*types.AttributeValueMemberS); ok {
		want = s.Value
	}
	out := &dynamodb.ScanOutput{}
	for _, item := range f.items {
		if want != "" && item["status"].(*types.AttributeValueMemberS).Value != want {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}
