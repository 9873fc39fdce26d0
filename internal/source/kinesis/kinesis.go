// Package kinesis reads Kinesis data streams.
package kinesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/dlq"
	"github.com/lsm/streamsim/internal/envelope"
	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/pipeline"
	"github.com/lsm/streamsim/internal/shard"
	"github.com/lsm/streamsim/internal/source"
	"golang.org/x/time/rate"
)

// ReadRate mirrors the per-shard GetRecords limit of the real service.
const ReadRate rate.Limit = 5

// API is the subset of the Kinesis client the adapter uses.
type API interface {
	DescribeStream(ctx context.Context, in *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error)
	CreateStream(ctx context.Context, in *kinesis.CreateStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// Source discovers Kinesis streams.
type Source struct {
	api API
}

func New(api API) *Source {
	return &Source{api: api}
}

// Discover returns one pipeline per shard of the stream.
func (s *Source) Discover(ctx context.Context, b source.Binding) ([]pipeline.Runner, error) {
	def := b.Definition
	client := &streamClient{api: s.api, stream: def.ResourceName}

	shards, err := client.DescribeShards(ctx)
	if err != nil {
		if source.IsNotFound(err) && b.AutoCreate {
			if cerr := s.create(ctx, b); cerr != nil {
				return nil, cerr
			}
		}
		return nil, err
	}

	return source.StreamRunners(ctx, b, source.ShardSet[types.Record]{
		Client:     client,
		Shards:     shards,
		SequenceOf: SequenceOf,
		ReadRate:   ReadRate,
		Build:      func(shardID string) pipeline.BuildFunc[types.Record] { return build(b, shardID) },
	})
}

func (s *Source) create(ctx context.Context, b source.Binding) error {
	count := source.Int(b.Properties, "ShardCount", 1)
	_, err := s.api.CreateStream(ctx, &kinesis.CreateStreamInput{
		StreamName: aws.String(b.Definition.ResourceName),
		ShardCount: aws.Int32(int32(count)),
	})
	if err != nil && source.ErrorCode(err) != "ResourceInUseException" {
		return fmt.Errorf("create stream %s: %w", b.Definition.ResourceName, err)
	}
	b.Log().Info("created stream", "resource", b.Definition.ResourceARN, "shards", count)
	return nil
}

// SequenceOf returns the sequence number of r.
func SequenceOf(r types.Record) string {
	return aws.ToString(r.SequenceNumber)
}

func build(b source.Binding, shardID string) pipeline.BuildFunc[types.Record] {
	def := b.Definition
	src := envelope.Source{ARN: def.ResourceARN, Region: def.Region, ShardID: shardID}
	return func(ctx context.Context, records []types.Record, cp checkpoint.Checkpoint) (delivery.Batch, error) {
		evt, err := envelope.Kinesis(records, src)
		if err != nil {
			return delivery.Batch{}, err
		}
		total := len(evt.Records)
		if b.Filter != nil {
			if evt, err = b.Filter.Kinesis(ctx, evt); err != nil {
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
				FirstArrival: arrival(records[0]),
				LastArrival:  arrival(records[len(records)-1]),
			},
		}, nil
	}
}

func arrival(r types.Record) time.Time {
	return aws.ToTime(r.ApproximateArrivalTimestamp)
}

// streamClient binds the Kinesis API to one stream for shard.Reader.
type streamClient struct {
	api    API
	stream string
}

func (c *streamClient) DescribeShards(ctx context.Context) ([]shard.Info, error) {
	var (
		infos []shard.Info
		start *string
	)
	for {
		out, err := c.api.DescribeStream(ctx, &kinesis.DescribeStreamInput{
			StreamName:            aws.String(c.stream),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			if source.ErrorCode(err) == "ResourceNotFoundException" {
				return nil, &source.ResourceNotFoundError{Kind: eventsource.KindKinesis, Name: c.stream, Err: err}
			}
			return nil, err
		}
		desc := out.StreamDescription
		if desc == nil {
			return nil, errors.New("empty stream description")
		}
		if desc.StreamStatus == types.StreamStatusCreating {
			return nil, &source.ResourceNotFoundError{Kind: eventsource.KindKinesis, Name: c.stream,
				Err: errors.New("stream is still being created")}
		}
		for _, sh := range desc.Shards {
			infos = append(infos, shard.Info{
				ID:       aws.ToString(sh.ShardId),
				ParentID: aws.ToString(sh.ParentShardId),
				Closed:   sh.SequenceNumberRange != nil && sh.SequenceNumberRange.EndingSequenceNumber != nil,
			})
		}
		if !aws.ToBool(desc.HasMoreShards) || len(desc.Shards) == 0 {
			return infos, nil
		}
		start = desc.Shards[len(desc.Shards)-1].ShardId
	}
}

func (c *streamClient) GetIterator(ctx context.Context, shardID string, typ shard.IteratorType, sequence string) (string, error) {
	in := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(c.stream),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorType(typ),
	}
	if sequence != "" {
		in.StartingSequenceNumber = aws.String(sequence)
	}
	out, err := c.api.GetShardIterator(ctx, in)
	if err != nil {
		return "", classify(shardID, err)
	}
	return aws.ToString(out.ShardIterator), nil
}

func (c *streamClient) GetRecords(ctx context.Context, iterator string, limit int) (shard.Page[types.Record], error) {
	out, err := c.api.GetRecords(ctx, &kinesis.GetRecordsInput{
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
