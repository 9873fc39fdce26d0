package envelope

import (
	"net/url"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/minio/minio-go/v7/pkg/notification"
)

// S3 builds an S3Event from bucket notifications.
func S3(notes []notification.Event, src Source) (events.S3Event, error) {
	evt := events.S3Event{Records: make([]events.S3EventRecord, 0, len(notes))}
	for i, n := range notes {
		if n.S3.Bucket.Name == "" {
			return events.S3Event{}, &MalformedRecordError{Source: "s3", Index: i, Field: "s3.bucket.name"}
		}
		if n.S3.Object.Key == "" {
			return events.S3Event{}, &MalformedRecordError{Source: "s3", Index: i, Field: "s3.object.key"}
		}

		at := time.Now().UTC()
		if n.EventTime != "" {
			t, err := time.Parse(time.RFC3339Nano, n.EventTime)
			if err != nil {
				return events.S3Event{}, &MalformedRecordError{Source: "s3", Index: i, Field: "eventTime"}
			}
			at = t
		}

		decoded, err := url.QueryUnescape(n.S3.Object.Key)
		if err != nil {
			decoded = n.S3.Object.Key
		}

		region := n.AwsRegion
		if region == "" {
			region = src.Region
		}
		bucketARN := n.S3.Bucket.ARN
		if bucketARN == "" {
			bucketARN = src.ARN
		}

		evt.Records = append(evt.Records, events.S3EventRecord{
			EventVersion:      "2.1",
			EventSource:       "aws:s3",
			AWSRegion:         region,
			EventTime:         at,
			EventName:         n.EventName,
			PrincipalID:       events.S3UserIdentity{PrincipalID: n.UserIdentity.PrincipalID},
			RequestParameters: events.S3RequestParameters{SourceIPAddress: n.RequestParameters["sourceIPAddress"]},
			ResponseElements:  n.ResponseElements,
			S3: events.S3Entity{
				SchemaVersion:   eventVersion,
				ConfigurationID: n.S3.ConfigurationID,
				Bucket: events.S3Bucket{
					Name:          n.S3.Bucket.Name,
					OwnerIdentity: events.S3UserIdentity{PrincipalID: n.S3.Bucket.OwnerIdentity.PrincipalID},
					Arn:           bucketARN,
				},
				Object: events.S3Object{
					Key:           n.S3.Object.Key,
					URLDecodedKey: decoded,
					Size:          n.S3.Object.Size,
					ETag:          n.S3.Object.ETag,
					VersionID:     n.S3.Object.VersionID,
					Sequencer:     n.S3.Object.Sequencer,
				},
			},
		})
	}
	return evt, nil
}
