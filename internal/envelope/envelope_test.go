package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	streamstypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/minio/minio-go/v7/pkg/notification"
)

func TestKinesis(t *testing.T) {
	arrived := time.Unix(1700000000, 0).UTC()
	src := Source{ARN: "arn:aws:kinesis:us-east-1:000000000000:stream/orders", Region: "us-east-1", ShardID: "shardId-000000000000"}

	evt, err := Kinesis([]kinesistypes.Record{
		{SequenceNumber: aws.String("1"), PartitionKey: aws.String("a"), Data: []byte("hello"), ApproximateArrivalTimestamp: &arrived},
		{SequenceNumber: aws.String("2"), PartitionKey: aws.String("b"), Data: []byte("world")},
	}, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evt.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(evt.Records))
	}

	r := evt.Records[0]
	if r.EventID != "shardId-000000000000:1" {
		t.Errorf("unexpected event id %q", r.EventID)
	}
	if r.EventSourceArn != src.ARN || r.AwsRegion != "us-east-1" {
		t.Errorf("unexpected source fields %+v", r)
	}
	if r.EventSource != "aws:kinesis" || r.EventName != "aws:kinesis:record" {
		t.Errorf("unexpected event names %s %s", r.EventSource, r.EventName)
	}
	if !r.Kinesis.ApproximateArrivalTimestamp.Time.Equal(arrived) {
		t.Errorf("unexpected arrival %v", r.Kinesis.ApproximateArrivalTimestamp)
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"data":"aGVsbG8="`) {
		t.Errorf("data not base64 encoded: %s", raw)
	}
}

func TestKinesis_Malformed(t *testing.T) {
	_, err := Kinesis([]kinesistypes.Record{
		{SequenceNumber: aws.String("1"), PartitionKey: aws.String("a")},
		{SequenceNumber: aws.String("2")},
	}, Source{})

	var mr *MalformedRecordError
	if !errors.As(err, &mr) {
		t.Fatalf("expected MalformedRecordError, got %v", err)
	}
	if mr.Index != 1 || mr.Field != "PartitionKey" {
		t.Errorf("unexpected error %+v", mr)
	}
}

func TestDynamoDB(t *testing.T) {
	src := Source{ARN: "arn:aws:dynamodb:eu-west-1:000000000000:table/users/stream/2024", Region: "eu-west-1"}
	evt, err := DynamoDB([]streamstypes.Record{{
		EventID:   aws.String("ev-1"),
		EventName: streamstypes.OperationTypeInsert,
		Dynamodb: &streamstypes.StreamRecord{
			SequenceNumber: aws.String("100"),
			StreamViewType: streamstypes.StreamViewTypeNewAndOldImages,
			Keys: map[string]streamstypes.AttributeValue{
				"id": &streamstypes.AttributeValueMemberS{Value: "u1"},
			},
			NewImage: map[string]streamstypes.AttributeValue{
				"id":   &streamstypes.AttributeValueMemberS{Value: "u1"},
				"age":  &streamstypes.AttributeValueMemberN{Value: "42"},
				"tags": &streamstypes.AttributeValueMemberL{Value: []streamstypes.AttributeValue{&streamstypes.AttributeValueMemberBOOL{Value: true}}},
				"meta": &streamstypes.AttributeValueMemberM{Value: map[string]streamstypes.AttributeValue{"x": &streamstypes.AttributeValueMemberNULL{Value: true}}},
			},
		},
	}}, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := evt.Records[0]
	if r.AWSRegion != "eu-west-1" || r.EventSource != "aws:dynamodb" || r.EventSourceArn != src.ARN {
		t.Errorf("unexpected record header %+v", r)
	}
	if r.EventName != "INSERT" {
		t.Errorf("unexpected event name %s", r.EventName)
	}
	if got := r.Change.Keys["id"].String(); got != "u1" {
		t.Errorf("unexpected key %q", got)
	}
	if got := r.Change.NewImage["age"].Number(); got != "42" {
		t.Errorf("unexpected age %q", got)
	}
	if got := r.Change.NewImage["tags"].List(); len(got) != 1 || !got[0].Boolean() {
		t.Errorf("unexpected list %+v", got)
	}
	if !r.Change.NewImage["meta"].Map()["x"].IsNull() {
		t.Error("expected nested null attribute")
	}
}

func TestDynamoDB_Malformed(t *testing.T) {
	_, err := DynamoDB([]streamstypes.Record{{EventID: aws.String("ev-1")}}, Source{})
	var mr *MalformedRecordError
	if !errors.As(err, &mr) || mr.Field != "dynamodb" {
		t.Fatalf("expected malformed dynamodb record, got %v", err)
	}
}

func TestSQS(t *testing.T) {
	src := Source{ARN: "arn:aws:sqs:us-east-1:000000000000:jobs", Region: "us-east-1"}
	evt, err := SQS([]sqstypes.Message{{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("rh-1"),
		Body:          aws.String("hello"),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"Trace": {DataType: aws.String("String"), StringValue: aws.String("abc")},
		},
	}}, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := evt.Records[0]
	if m.Md5OfBody != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("unexpected md5 %s", m.Md5OfBody)
	}
	if m.EventSource != "aws:sqs" || m.EventSourceARN != src.ARN {
		t.Errorf("unexpected source %+v", m)
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"stringValue":"abc"`) {
		t.Errorf("message attributes not in lambda form: %s", raw)
	}
}

func TestSQS_Malformed(t *testing.T) {
	_, err := SQS([]sqstypes.Message{{MessageId: aws.String("m-1")}}, Source{})
	var mr *MalformedRecordError
	if !errors.As(err, &mr) || mr.Field != "ReceiptHandle" {
		t.Fatalf("expected malformed message, got %v", err)
	}
}

func TestS3(t *testing.T) {
	var note notification.Event
	raw := `{
		"eventName": "s3:ObjectCreated:Put",
		"eventTime": "2024-05-01T10:00:00.000Z",
		"s3": {
			"configurationId": "cfg",
			"bucket": {"name": "uploads", "arn": "arn:aws:s3:::uploads"},
			"object": {"key": "photos%2Fcat.png", "size": 12, "eTag": "abc", "sequencer": "01"}
		}
	}`
	if err := json.Unmarshal([]byte(raw), &note); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	evt, err := S3([]notification.Event{note}, Source{Region: "us-east-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := evt.Records[0]
	if r.S3.Bucket.Name != "uploads" || r.S3.Bucket.Arn != "arn:aws:s3:::uploads" {
		t.Errorf("unexpected bucket %+v", r.S3.Bucket)
	}
	if r.S3.Object.URLDecodedKey != "photos/cat.png" {
		t.Errorf("unexpected decoded key %q", r.S3.Object.URLDecodedKey)
	}
	if r.AWSRegion != "us-east-1" || r.EventSource != "aws:s3" {
		t.Errorf("unexpected header %+v", r)
	}
	if r.EventTime.Year() != 2024 {
		t.Errorf("unexpected event time %v", r.EventTime)
	}
}

func TestS3_Malformed(t *testing.T) {
	var note notification.Event
	if err := json.Unmarshal([]byte(`{"s3":{"bucket":{"name":"uploads"}}}`), &note); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	_, err := S3([]notification.Event{note}, Source{})
	var mr *MalformedRecordError
	if !errors.As(err, &mr) || mr.Field != "s3.object.key" {
		t.Fatalf("expected malformed notification, got %v", err)
	}
}
