package s3

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/indexshard/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommitTable struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeCommitTable() *fakeCommitTable {
	return &fakeCommitTable{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeCommitTable) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uri := params.Item["shard_uri"].(*types.AttributeValueMemberS).Value
	seq := params.Item["seq"].(*types.AttributeValueMemberN).Value
	key := uri + "#" + seq
	if aws.ToString(params.ConditionExpression) == "attribute_not_exists(seq)" {
		if _, ok := f.items[key]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeCommitTable) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	uri := params.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range f.items {
		if item["shard_uri"].(*types.AttributeValueMemberS).Value == uri {
			items = append(items, item)
		}
	}
	seqOf := func(i int) uint64 {
		n, _ := strconv.ParseUint(items[i]["seq"].(*types.AttributeValueMemberN).Value, 10, 64)
		return n
	}
	sort.Slice(items, func(i, j int) bool { return seqOf(i) > seqOf(j) })
	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func newTestCommitStore(table *fakeCommitTable, uri string) *DDBCommitStore {
	return NewDDBCommitStore(NewStore(new(MockS3Client), "test-bucket", "shard/"), table, "shard-commits", uri)
}

func readCurrent(t *testing.T, s *DDBCommitStore) string {
	t.Helper()
	data, err := blobstore.ReadAll(context.Background(), s, CurrentBlob)
	require.NoError(t, err)
	return string(data)
}

func TestDDBCommitStore_Publish(t *testing.T) {
	ctx := context.Background()
	s := newTestCommitStore(newFakeCommitTable(), "s3://test-bucket/shard/")

	require.NoError(t, s.Put(ctx, CurrentBlob, []byte("commit_1.json")))
	assert.Equal(t, "commit_1.json", readCurrent(t, s))

	for i := 2; i <= 12; i++ {
		require.NoError(t, s.Put(ctx, CurrentBlob, []byte(fmt.Sprintf("commit_%d.json", i))))
	}
	assert.Equal(t, "commit_12.json", readCurrent(t, s))
}

func TestDDBCommitStore_NotFoundBeforePublish(t *testing.T) {
	s := newTestCommitStore(newFakeCommitTable(), "s3://test-bucket/shard/")

	_, err := s.Open(context.Background(), CurrentBlob)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestDDBCommitStore_ConcurrentPublish(t *testing.T) {
	ctx := context.Background()
	s := newTestCommitStore(newFakeCommitTable(), "s3://test-bucket/shard/")
	require.NoError(t, s.Put(ctx, CurrentBlob, []byte("commit_1.json")))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := s.Put(ctx, CurrentBlob, []byte(fmt.Sprintf("commit_%d.json", id+2)))
			if err != nil && !errors.Is(err, ErrConcurrentModification) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, successes, 1)
}

func TestDDBCommitStore_IsolatedShards(t *testing.T) {
	ctx := context.Background()
	table := newFakeCommitTable()
	a := newTestCommitStore(table, "s3://test-bucket/idx/0")
	b := newTestCommitStore(table, "s3://test-bucket/idx/1")

	require.NoError(t, a.Put(ctx, CurrentBlob, []byte("commit_3.json")))
	require.NoError(t, b.Put(ctx, CurrentBlob, []byte("commit_9.json")))

	assert.Equal(t, "commit_3.json", readCurrent(t, a))
	assert.Equal(t, "commit_9.json", readCurrent(t, b))
}
