// Package sqs polls SQS queues.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/envelope"
	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/pipeline"
	"github.com/lsm/streamsim/internal/shard"
	"github.com/lsm/streamsim/internal/source"
)

const (
	maxReceive     = 10
	maxDeleteBatch = 10
)

// API is the subset of the SQS client the adapter uses.
type API interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Source discovers queues.
type Source struct {
	api API
}

func New(api API) *Source {
	return &Source{api: api}
}

// Discover resolves the queue URL and returns its poll pipeline.
func (s *Source) Discover(ctx context.Context, b source.Binding) ([]pipeline.Runner, error) {
	def := b.Definition
	if b.AutoCreate {
		s.create(ctx, b)
	}

	out, err := s.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(def.ResourceName)})
	if err != nil {
		switch source.ErrorCode(err) {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return nil, &source.ResourceNotFoundError{Kind: eventsource.KindSQS, Name: def.ResourceName, Err: err}
		}
		return nil, fmt.Errorf("get queue url %s: %w", def.ResourceName, err)
	}
	queueURL, err := RewriteURL(aws.ToString(out.QueueUrl), b.Endpoint)
	if err != nil {
		return nil, err
	}

	q := newQueue(s.api, b, queueURL)
	return []pipeline.Runner{
		pipeline.NewPoller(b.Labels(""), q, b.NewDeliverer(def.ResourceName), b.Gate, b.PipelineOptions()...),
	}, nil
}

// create declares the queue with its resource properties as attributes.
// Failures are logged; the following GetQueueUrl decides.
func (s *Source) create(ctx context.Context, b source.Binding) {
	name := b.Definition.ResourceName
	attrs := make(map[string]string, len(b.Properties))
	for k, v := range b.Properties {
		if k == "QueueName" {
			continue
		}
		attrs[k] = attributeString(v)
	}
	_, err := s.api.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name), Attributes: attrs})
	if err != nil && source.ErrorCode(err) != "QueueAlreadyExists" {
		b.Log().Warn("create queue failed", "resource", b.Definition.ResourceARN, "error", err)
		return
	}
	b.Log().Debug("queue declared", "resource", b.Definition.ResourceARN)
}

func attributeString(v any) string {
	switch a := v.(type) {
	case string:
		return a
	case map[string]any, []any:
		raw, err := json.Marshal(a)
		if err == nil {
			return string(raw)
		}
	}
	return fmt.Sprint(v)
}

// RewriteURL points a backend-issued queue URL at endpoint, keeping its path.
func RewriteURL(queueURL, endpoint string) (string, error) {
	if endpoint == "" {
		return queueURL, nil
	}
	q, err := url.Parse(queueURL)
	if err != nil {
		return "", fmt.Errorf("parse queue url: %w", err)
	}
	e, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q.Scheme = e.Scheme
	q.Host = e.Host
	q.User = e.User
	return q.String(), nil
}

// queue is the pipeline.Source of one queue.
type queue struct {
	api       API
	url       string
	src       envelope.Source
	binding   source.Binding
	batchSize int
	wait      int32
	interval  time.Duration

	closing context.Context
	close   context.CancelFunc
}

func newQueue(api API, b source.Binding, queueURL string) *queue {
	closing, cancel := context.WithCancel(context.Background())
	return &queue{
		api:       api,
		url:       queueURL,
		src:       envelope.Source{ARN: b.Definition.ResourceARN, Region: b.Definition.Region},
		binding:   b,
		batchSize: b.Definition.BatchSize,
		wait:      b.WaitTimeSeconds,
		interval:  b.Interval(),
		closing:   closing,
		close:     cancel,
	}
}

// Next receives until BatchSize messages are collected or a receive comes
// back empty with at least one message in hand.
func (q *queue) Next(ctx context.Context) (delivery.Batch, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.closing, cancel)
	defer stop()

	var messages []types.Message
	for len(messages) < q.batchSize {
		out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(q.url),
			MaxNumberOfMessages:         int32(min(maxReceive, q.batchSize-len(messages))),
			WaitTimeSeconds:             q.wait,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeName("All")},
			MessageAttributeNames:       []string{"All"},
		})
		if q.closing.Err() != nil {
			return delivery.Batch{}, shard.ErrEnded
		}
		if err != nil {
			if len(messages) > 0 && ctx.Err() == nil {
				break
			}
			return delivery.Batch{}, fmt.Errorf("receive from %s: %w", q.url, err)
		}
		if len(out.Messages) == 0 {
			if len(messages) > 0 {
				break
			}
			if q.wait == 0 {
				if err := sleep(ctx, q.interval); err != nil {
					if q.closing.Err() != nil {
						return delivery.Batch{}, shard.ErrEnded
					}
					return delivery.Batch{}, err
				}
			}
			continue
		}
		messages = append(messages, out.Messages...)
	}
	return q.batch(ctx, messages)
}

func (q *queue) batch(ctx context.Context, messages []types.Message) (delivery.Batch, error) {
	evt, err := envelope.SQS(messages, q.src)
	if err != nil {
		return delivery.Batch{}, err
	}
	total := len(evt.Records)
	if f := q.binding.Filter; f != nil {
		if evt, err = f.SQS(ctx, evt); err != nil {
			return delivery.Batch{}, err
		}
	}
	return delivery.Batch{
		Event:    evt,
		Records:  len(evt.Records),
		Filtered: total - len(evt.Records),
		Ack:      func(ctx context.Context) error { return q.delete(ctx, messages) },
	}, nil
}

// delete removes every received message, including filtered ones.
func (q *queue) delete(ctx context.Context, messages []types.Message) error {
	var errs []error
	for start := 0; start < len(messages); start += maxDeleteBatch {
		chunk := messages[start:min(start+maxDeleteBatch, len(messages))]
		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, m := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(start + i)),
				ReceiptHandle: m.ReceiptHandle,
			}
		}
		out, err := q.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(q.url),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete messages: %w", err))
			continue
		}
		for _, f := range out.Failed {
			errs = append(errs, fmt.Errorf("delete message %s: %s", aws.ToString(f.Id), aws.ToString(f.Message)))
		}
	}
	return errors.Join(errs...)
}

func (q *queue) Close() error {
	q.close()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
