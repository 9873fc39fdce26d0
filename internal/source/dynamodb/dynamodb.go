// Package dynamodb reads DynamoDB table streams.
package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/dlq"
	"github.com/lsm/streamsim/internal/envelope"
	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/pipeline"
	"github.com/lsm/streamsim/internal/shard"
	"github.com/lsm/streamsim/internal/source"
)

// TableAPI resolves the stream of a table.
type TableAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// StreamsAPI is the subset of the DynamoDB Streams client the adapter uses.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// Source discovers table streams. Tables are never created.
type Source struct {
	tables  TableAPI
	streams StreamsAPI
}

func New(tables TableAPI, streams StreamsAPI) *Source {
	return &Source{tables: tables, streams: streams}
}

// Discover resolves the latest stream of the table and returns one pipeline
// per shard.
func (s *Source) Discover(ctx context.Context, b source.Binding) ([]pipeline.Runner, error) {
	def := b.Definition
	streamARN, err := s.latestStream(ctx, def.ResourceName)
	if err != nil {
		return nil, err
	}

	client := &streamClient{api: s.streams, streamARN: streamARN}
	shards, err := client.DescribeShards(ctx)
	if err != nil {
		return nil, err
	}

	return source.StreamRunners(ctx, b, source.ShardSet[types.Record]{
		Client:     client,
		Shards:     shards,
		SequenceOf: SequenceOf,
		Build: func(shardID string) pipeline.BuildFunc[types.Record] {
			return build(b, streamARN, shardID)
		},
	})
}

func (s *Source) latestStream(ctx context.Context, table string) (string, error) {
	out, err := s.tables.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		if source.ErrorCode(err) == "ResourceNotFoundException" {
			return "", &source.ResourceNotFoundError{Kind: eventsource.KindDynamoDB, Name: table, Err: err}
		}
		return "", fmt.Errorf("describe table %s: %w", table, err)
	}
	if out.Table == nil || out.Table.LatestStreamArn == nil {
		return "", &source.ResourceNotFoundError{Kind: eventsource.KindDynamoDB, Name: table,
			Err: fmt.Errorf("table %s has no stream enabled", table)}
	}
	return *out.Table.LatestStreamArn, nil
}

// SequenceOf returns the sequence number of r, or "" for a malformed record.
func SequenceOf(r types.Record) string {
	if r.Dynamodb == nil {
		return ""
	}
	return aws.ToString(r.Dynamodb.SequenceNumber)
}

func build(b source.Binding, streamARN, shardID string) pipeline.BuildFunc[types.Record] {
	src := envelope.Source{ARN: streamARN, Region: b.Definition.Region, ShardID: shardID}
	return func(ctx context.Context, records []types.Record, cp checkpoint.Checkpoint) (delivery.Batch, error) {
		evt, err := envelope.DynamoDB(records, src)
		if err != nil {
			return delivery.Batch{}, err
		}
		total := len(evt.Records)
		if b.Filter != nil {
			if evt, err = b.Filter.DynamoDB(ctx, evt); err != nil {
				return delivery.Batch{}, err
			}
		}
		return delivery.Batch{
			Event:    evt,
			Records:  len(evt.Records),
			Filtered: total - len(evt.Records),
			Failure: dlq.FailureInfo{
				ShardID:      shardID,
				StartSeq:     SequenceOf(records[0]),
				EndSeq:       cp.SequenceNumber,
				FirstArrival: created(records[0]),
				LastArrival:  created(records[len(records)-1]),
			},
		}, nil
	}
}

func created(r types.Record) time.Time {
	if r.Dynamodb == nil {
		return time.Time{}
	}
	return aws.ToTime(r.Dynamodb.ApproximateCreationDateTime)
}

type streamClient struct {
	api       StreamsAPI
	streamARN string
}

func (c *streamClient) DescribeShards(ctx context.Context) ([]shard.Info, error) {
	var (
		infos []shard.Info
		start *string
	)
	for {
		out, err := c.api.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(c.streamARN),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			if source.ErrorCode(err) == "ResourceNotFoundException" {
				return nil, &source.ResourceNotFoundError{Kind: eventsource.KindDynamoDB, Name: c.streamARN, Err: err}
			}
			return nil, err
		}
		if out.StreamDescription == nil {
			return infos, nil
		}
		for _, sh := range out.StreamDescription.Shards {
			infos = append(infos, shard.Info{
				ID:       aws.ToString(sh.ShardId),
				ParentID: aws.ToString(sh.ParentShardId),
				Closed:   sh.SequenceNumberRange != nil && sh.SequenceNumberRange.EndingSequenceNumber != nil,
			})
		}
		start = out.StreamDescription.LastEvaluatedShardId
		if start == nil {
			return infos, nil
		}
	}
}

func (c *streamClient) GetIterator(ctx context.Context, shardID string, typ shard.IteratorType, sequence string) (string, error) {
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(c.streamARN),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorType(typ),
	}
	if sequence != "" {
		in.SequenceNumber = aws.String(sequence)
	}
	out, err := c.api.GetShardIterator(ctx, in)
	if err != nil {
		return "", classify(shardID, err)
	}
	return aws.ToString(out.ShardIterator), nil
}

func (c *streamClient) GetRecords(ctx context.Context, iterator string, limit int) (shard.Page[types.Record], error) {
	out, err := c.api.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
		ShardIterator: aws.String(iterator),
		Limit:         aws.Int32(int32(limit)),
	})
	if err != nil {
		return shard.Page[types.Record]{}, classify("", err)
	}
	return shard.Page[types.Record]{
		Records:      out.Records,
		NextIterator: aws.ToString(out.NextShardIterator),
	}, nil
}

func classify(shardID string, err error) error {
	switch source.ErrorCode(err) {
	case "ExpiredIteratorException", "TrimmedDataAccessException":
		return &shard.CursorExpiredError{ShardID: shardID, Err: err}
	}
	return err
}
