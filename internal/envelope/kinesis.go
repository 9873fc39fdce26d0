package envelope

import (
	"github.com/aws/aws-lambda-go/events"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// Kinesis builds a KinesisEvent from a shard batch. Data is base64 encoded by
// the event's JSON encoding.
func Kinesis(records []kinesistypes.Record, src Source) (events.KinesisEvent, error) {
	evt := events.KinesisEvent{Records: make([]events.KinesisEventRecord, 0, len(records))}
	for i, r := range records {
		if r.SequenceNumber == nil {
			return events.KinesisEvent{}, &MalformedRecordError{Source: "kinesis", Index: i, Field: "SequenceNumber"}
		}
		if r.PartitionKey == nil {
			return events.KinesisEvent{}, &MalformedRecordError{Source: "kinesis", Index: i, Field: "PartitionKey"}
		}

		rec := events.KinesisRecord{
			PartitionKey:         *r.PartitionKey,
			SequenceNumber:       *r.SequenceNumber,
			Data:                 r.Data,
			KinesisSchemaVersion: eventVersion,
			EncryptionType:       string(r.EncryptionType),
		}
		if r.ApproximateArrivalTimestamp != nil {
			rec.ApproximateArrivalTimestamp = events.SecondsEpochTime{Time: *r.ApproximateArrivalTimestamp}
		}

		evt.Records = append(evt.Records, events.KinesisEventRecord{
			AwsRegion:         src.Region,
			EventID:           src.ShardID + ":" + *r.SequenceNumber,
			EventName:         "aws:kinesis:record",
			EventSource:       "aws:kinesis",
			EventSourceArn:    src.ARN,
			EventVersion:      eventVersion,
			InvokeIdentityArn: invokeIdentityARN,
			Kinesis:           rec,
		})
	}
	return evt, nil
}
