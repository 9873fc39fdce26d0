package envelope

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/aws/aws-lambda-go/events"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS builds an SQSEvent from received queue messages. Message attribute keys
// are written in Lambda's lower-camel form by the event's JSON encoding.
func SQS(messages []sqstypes.Message, src Source) (events.SQSEvent, error) {
	evt := events.SQSEvent{Records: make([]events.SQSMessage, 0, len(messages))}
	for i, m := range messages {
		if m.MessageId == nil {
			return events.SQSEvent{}, &MalformedRecordError{Source: "sqs", Index: i, Field: "MessageId"}
		}
		if m.ReceiptHandle == nil {
			return events.SQSEvent{}, &MalformedRecordError{Source: "sqs", Index: i, Field: "ReceiptHandle"}
		}

		body := deref(m.Body)
		sum := deref(m.MD5OfBody)
		if sum == "" {
			h := md5.Sum([]byte(body))
			sum = hex.EncodeToString(h[:])
		}

		msg := events.SQSMessage{
			MessageId:              *m.MessageId,
			ReceiptHandle:          *m.ReceiptHandle,
			Body:                   body,
			Md5OfBody:              sum,
			Md5OfMessageAttributes: deref(m.MD5OfMessageAttributes),
			Attributes:             m.Attributes,
			EventSourceARN:         src.ARN,
			EventSource:            "aws:sqs",
			AWSRegion:              src.Region,
		}
		if msg.Attributes == nil {
			msg.Attributes = map[string]string{}
		}
		if len(m.MessageAttributes) > 0 {
			msg.MessageAttributes = make(map[string]events.SQSMessageAttribute, len(m.MessageAttributes))
			for k, v := range m.MessageAttributes {
				msg.MessageAttributes[k] = events.SQSMessageAttribute{
					StringValue:      v.StringValue,
					BinaryValue:      v.BinaryValue,
					StringListValues: v.StringListValues,
					BinaryListValues: v.BinaryListValues,
					DataType:         deref(v.DataType),
				}
			}
		} else {
			msg.MessageAttributes = map[string]events.SQSMessageAttribute{}
		}
		evt.Records = append(evt.Records, msg)
	}
	return evt, nil
}
