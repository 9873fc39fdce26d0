// Package envelope converts raw backend records into the event payloads a
// Lambda handler receives. Builders are pure and perform no I/O.
package envelope

import "fmt"

const (
	eventVersion      = "1.0"
	invokeIdentityARN = "arn:aws:iam::serverless:role/offline"
)

// Source describes where a batch was read from.
type Source struct {
	ARN     string
	Region  string
	ShardID string
}

// MalformedRecordError reports a backend record missing a required field.
type MalformedRecordError struct {
	Source string
	Index  int
	Field  string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record at index %d: missing %s", e.Source, e.Index, e.Field)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
