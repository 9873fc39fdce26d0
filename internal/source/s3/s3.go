// Package s3 listens for bucket notifications through the MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/envelope"
	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/pipeline"
	"github.com/lsm/streamsim/internal/shard"
	"github.com/lsm/streamsim/internal/source"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/notification"
)

// API is the subset of *minio.Client the adapter uses.
type API interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	ListenBucketNotification(ctx context.Context, bucket, prefix, suffix string, events []string) <-chan notification.Info
}

// Source discovers buckets.
type Source struct {
	api API
}

func New(api API) *Source {
	return &Source{api: api}
}

// Discover checks the bucket and returns its listener pipeline.
func (s *Source) Discover(ctx context.Context, b source.Binding) ([]pipeline.Runner, error) {
	def := b.Definition
	exists, err := s.api.BucketExists(ctx, def.ResourceName)
	if err != nil {
		if unavailable(err) {
			return nil, &source.ResourceNotFoundError{Kind: eventsource.KindS3, Name: def.ResourceName, Err: err}
		}
		return nil, fmt.Errorf("check bucket %s: %w", def.ResourceName, err)
	}
	if !exists {
		if !b.AutoCreate {
			return nil, &source.ResourceNotFoundError{Kind: eventsource.KindS3, Name: def.ResourceName}
		}
		if err := s.api.MakeBucket(ctx, def.ResourceName, minio.MakeBucketOptions{Region: def.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", def.ResourceName, err)
		}
		b.Log().Info("created bucket", "resource", def.ResourceARN)
	}

	l := newListener(s.api, b)
	return []pipeline.Runner{
		pipeline.NewPoller(b.Labels(""), l, b.NewDeliverer(def.ResourceName), b.Gate, b.PipelineOptions()...),
	}, nil
}

// unavailable reports whether a BucketExists error means the bucket or the
// object store is not there yet, so discovery should keep waiting.
func unavailable(err error) bool {
	if minio.ToErrorResponse(err).Code == "NoSuchBucket" {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, syscall.ECONNREFUSED)
}

// listener is the pipeline.Source of one bucket. Each notification record
// becomes one envelope.
type listener struct {
	api     API
	binding source.Binding
	src     envelope.Source

	ch      <-chan notification.Info
	stop    context.CancelFunc
	pending []notification.Event

	closing context.Context
	close   context.CancelFunc
}

func newListener(api API, b source.Binding) *listener {
	closing, cancel := context.WithCancel(context.Background())
	return &listener{
		api:     api,
		binding: b,
		src:     envelope.Source{ARN: b.Definition.ResourceARN, Region: b.Definition.Region},
		closing: closing,
		close:   cancel,
	}
}

func (l *listener) Next(ctx context.Context) (delivery.Batch, error) {
	for len(l.pending) == 0 {
		if l.ch == nil {
			l.listen()
		}
		select {
		case <-l.closing.Done():
			l.reset()
			return delivery.Batch{}, shard.ErrEnded
		case <-ctx.Done():
			return delivery.Batch{}, ctx.Err()
		case info, ok := <-l.ch:
			if !ok {
				l.reset()
				if l.closing.Err() != nil {
					return delivery.Batch{}, shard.ErrEnded
				}
				return delivery.Batch{}, errors.New("bucket notification listener closed")
			}
			if info.Err != nil {
				l.reset()
				return delivery.Batch{}, fmt.Errorf("listen bucket notifications: %w", info.Err)
			}
			l.pending = append(l.pending, info.Records...)
		}
	}

	note := l.pending[0]
	l.pending = l.pending[1:]
	return l.batch(ctx, note)
}

func (l *listener) listen() {
	def := l.binding.Definition
	ctx, cancel := context.WithCancel(l.closing)
	l.stop = cancel
	l.ch = l.api.ListenBucketNotification(ctx, def.ResourceName, def.Prefix, def.Suffix, def.Events)
}

func (l *listener) reset() {
	if l.stop != nil {
		l.stop()
	}
	l.ch, l.stop = nil, nil
}

func (l *listener) batch(ctx context.Context, note notification.Event) (delivery.Batch, error) {
	evt, err := envelope.S3([]notification.Event{note}, l.src)
	if err != nil {
		return delivery.Batch{}, err
	}
	total := len(evt.Records)
	if f := l.binding.Filter; f != nil {
		if evt, err = f.S3(ctx, evt); err != nil {
			return delivery.Batch{}, err
		}
	}
	return delivery.Batch{Event: evt, Records: len(evt.Records), Filtered: total - len(evt.Records)}, nil
}

func (l *listener) Close() error {
	l.close()
	return nil
}
