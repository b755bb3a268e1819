package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/indexshard/blobstore"
)

// CurrentBlob is the name of the pointer to the latest commit point.
const CurrentBlob = "CURRENT"

// ErrConcurrentModification is returned when another writer published a
// commit point between our read of CURRENT and our conditional write.
var ErrConcurrentModification = errors.New("s3: concurrent commit detected")

// DDBClient is the subset of the DynamoDB API used by DDBCommitStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DDBCommitStore is an S3 store whose CURRENT pointer lives in DynamoDB.
//
// Every write of CURRENT becomes a new item keyed by (shard_uri, seq) and is
// guarded by attribute_not_exists, so of two racing writers exactly one wins.
// Reading CURRENT returns the commit name of the highest seq.
//
// Table schema:
//
//	aws dynamodb create-table \
//	  --table-name shard-commits \
//	  --attribute-definitions AttributeName=shard_uri,AttributeType=S AttributeName=seq,AttributeType=N \
//	  --key-schema AttributeName=shard_uri,KeyType=HASH AttributeName=seq,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	*Store
	ddb      DDBClient
	table    string
	shardURI string
}

// NewDDBCommitStore wraps store. shardURI partitions the table, typically
// "s3://bucket/prefix".
func NewDDBCommitStore(store *Store, ddb DDBClient, table, shardURI string) *DDBCommitStore {
	return &DDBCommitStore{
		Store:    store,
		ddb:      ddb,
		table:    table,
		shardURI: shardURI,
	}
}

// Open reads CURRENT from DynamoDB and everything else from S3.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != CurrentBlob {
		return s.Store.Open(ctx, name)
	}
	seq, commit, err := s.latest(ctx)
	if err != nil {
		return nil, err
	}
	if seq == 0 {
		return nil, blobstore.ErrNotFound
	}
	return blobstore.NewBytesBlob([]byte(commit)), nil
}

// Put publishes CURRENT through a conditional write and everything else to S3.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != CurrentBlob {
		return s.Store.Put(ctx, name, data)
	}
	return s.publish(ctx, string(data))
}

func (s *DDBCommitStore) latest(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("shard_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.shardURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query commit table: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	seqAttr, ok := item["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: commit item has no seq")
	}
	commitAttr, ok := item["commit"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: commit item has no commit name")
	}
	seq, err := strconv.ParseUint(seqAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: parse commit seq: %w", err)
	}
	return seq, commitAttr.Value, nil
}

func (s *DDBCommitStore) publish(ctx context.Context, commit string) error {
	seq, _, err := s.latest(ctx)
	if err != nil {
		return err
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"shard_uri": &types.AttributeValueMemberS{Value: s.shardURI},
			"seq":       &types.AttributeValueMemberN{Value: strconv.FormatUint(seq+1, 10)},
			"commit":    &types.AttributeValueMemberS{Value: commit},
		},
		ConditionExpression: aws.String("attribute_not_exists(seq)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("s3: publish commit: %w", err)
	}
	return nil
}

var _ blobstore.BlobStore = (*DDBCommitStore)(nil)
