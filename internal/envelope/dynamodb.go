package envelope

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	streamstypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
)

// DynamoDB builds a DynamoDBEvent from a change-stream batch.
func DynamoDB(records []streamstypes.Record, src Source) (events.DynamoDBEvent, error) {
	evt := events.DynamoDBEvent{Records: make([]events.DynamoDBEventRecord, 0, len(records))}
	for i, r := range records {
		if r.Dynamodb == nil {
			return events.DynamoDBEvent{}, &MalformedRecordError{Source: "dynamodb", Index: i, Field: "dynamodb"}
		}
		if r.Dynamodb.SequenceNumber == nil {
			return events.DynamoDBEvent{}, &MalformedRecordError{Source: "dynamodb", Index: i, Field: "SequenceNumber"}
		}

		change, err := streamRecord(r.Dynamodb)
		if err != nil {
			return events.DynamoDBEvent{}, &MalformedRecordError{Source: "dynamodb", Index: i, Field: err.Error()}
		}

		region := deref(r.AwsRegion)
		if region == "" {
			region = src.Region
		}
		source := deref(r.EventSource)
		if source == "" {
			source = "aws:dynamodb"
		}

		rec := events.DynamoDBEventRecord{
			AWSRegion:      region,
			Change:         change,
			EventID:        deref(r.EventID),
			EventName:      string(r.EventName),
			EventSource:    source,
			EventVersion:   deref(r.EventVersion),
			EventSourceArn: src.ARN,
		}
		if r.UserIdentity != nil {
			rec.UserIdentity = &events.DynamoDBUserIdentity{
				Type:        deref(r.UserIdentity.Type),
				PrincipalID: deref(r.UserIdentity.PrincipalId),
			}
		}
		evt.Records = append(evt.Records, rec)
	}
	return evt, nil
}

func streamRecord(r *streamstypes.StreamRecord) (events.DynamoDBStreamRecord, error) {
	out := events.DynamoDBStreamRecord{
		SequenceNumber: *r.SequenceNumber,
		StreamViewType: string(r.StreamViewType),
	}
	if r.ApproximateCreationDateTime != nil {
		out.ApproximateCreationDateTime = events.SecondsEpochTime{Time: *r.ApproximateCreationDateTime}
	}
	if r.SizeBytes != nil {
		out.SizeBytes = *r.SizeBytes
	}

	var err error
	if out.Keys, err = attributeMap(r.Keys); err != nil {
		return out, fmt.Errorf("Keys.%w", err)
	}
	if out.NewImage, err = attributeMap(r.NewImage); err != nil {
		return out, fmt.Errorf("NewImage.%w", err)
	}
	if out.OldImage, err = attributeMap(r.OldImage); err != nil {
		return out, fmt.Errorf("OldImage.%w", err)
	}
	return out, nil
}

func attributeMap(in map[string]streamstypes.AttributeValue) (map[string]events.DynamoDBAttributeValue, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]events.DynamoDBAttributeValue, len(in))
	for k, v := range in {
		av, err := attributeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

func attributeValue(v streamstypes.AttributeValue) (events.DynamoDBAttributeValue, error) {
	switch a := v.(type) {
	case *streamstypes.AttributeValueMemberS:
		return events.NewStringAttribute(a.Value), nil
	case *streamstypes.AttributeValueMemberN:
		return events.NewNumberAttribute(a.Value), nil
	case *streamstypes.AttributeValueMemberB:
		return events.NewBinaryAttribute(a.Value), nil
	case *streamstypes.AttributeValueMemberBOOL:
		return events.NewBooleanAttribute(a.Value), nil
	case *streamstypes.AttributeValueMemberNULL:
		return events.NewNullAttribute(), nil
	case *streamstypes.AttributeValueMemberSS:
		return events.NewStringSetAttribute(a.Value), nil
	case *streamstypes.AttributeValueMemberNS:
		return events.NewNumberSetAttribute(a.Value), nil
	case *streamstypes.AttributeValueMemberBS:
		return events.NewBinarySetAttribute(a.Value), nil
	case *streamstypes.AttributeValueMemberL:
		list := make([]events.DynamoDBAttributeValue, 0, len(a.Value))
		for i, item := range a.Value {
			av, err := attributeValue(item)
			if err != nil {
				return events.DynamoDBAttributeValue{}, fmt.Errorf("[%d]: %w", i, err)
			}
			list = append(list, av)
		}
		return events.NewListAttribute(list), nil
	case *streamstypes.AttributeValueMemberM:
		m, err := attributeMap(a.Value)
		if err != nil {
			return events.DynamoDBAttributeValue{}, err
		}
		return events.NewMapAttribute(m), nil
	}
	return events.DynamoDBAttributeValue{}, fmt.Errorf("unsupported attribute type %T", v)
}
