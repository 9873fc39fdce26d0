package eventsource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
)

const defaultPartition = "aws"

// Resource is one entry of a CloudFormation-style resources table.
type Resource struct {
	Type       string         `yaml:"Type"`
	Properties map[string]any `yaml:"Properties"`
}

// Resources maps logical ids to declared resources.
type Resources map[string]Resource

// Options carries the context needed to resolve a declaration.
type Options struct {
	Region    string
	AccountID string
	Resources Resources

	// Provider/custom level overrides applied on top of the kind defaults and
	// below the fields of the declaration itself.
	BatchSize        int
	StartingPosition StartingPosition
	// MaxRetryAttempts of -1 means unbounded.
	MaxRetryAttempts *int
}

// Normalize resolves raw into a Definition. raw is a bare ARN or name string,
// or a map decoded from YAML/JSON.
func Normalize(kind Kind, raw any, opts Options) (*Definition, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event source kind %q", kind)
	}

	def := defaults(kind)
	def.Region = opts.Region
	if opts.BatchSize > 0 {
		def.BatchSize = opts.BatchSize
	}
	if opts.StartingPosition != "" {
		def.StartingPosition = opts.StartingPosition
	}
	if opts.MaxRetryAttempts != nil {
		def.MaxRetryAttempts = retryLimit(*opts.MaxRetryAttempts)
	}

	switch v := raw.(type) {
	case string:
		if err := def.setIdentifier(v); err != nil {
			return nil, err
		}
	case map[string]any:
		if err := def.fromObject(v, opts); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s event: unsupported declaration type %T", kind, raw)
	}

	if def.ResourceARN == "" && def.ResourceName != "" {
		def.ResourceARN = buildARN(kind, def.Region, opts.AccountID, def.ResourceName)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// StreamKind infers whether a `stream` declaration targets Kinesis or DynamoDB.
func StreamKind(raw any) (Kind, error) {
	switch v := raw.(type) {
	case string:
		return kindFromARN(v)
	case map[string]any:
		if t, ok := v["type"].(string); ok {
			switch strings.ToLower(t) {
			case "kinesis":
				return KindKinesis, nil
			case "dynamodb":
				return KindDynamoDB, nil
			}
			return "", fmt.Errorf("unknown stream type %q", t)
		}
		if s, ok := v["arn"].(string); ok {
			return kindFromARN(s)
		}
		if _, ok := v["tableName"]; ok {
			return KindDynamoDB, nil
		}
		if _, ok := v["streamName"]; ok {
			return KindKinesis, nil
		}
		// A cross-referenced arn without a type: Kinesis is the plugin default.
		return KindKinesis, nil
	}
	return "", fmt.Errorf("unsupported stream declaration type %T", raw)
}

func kindFromARN(s string) (Kind, error) {
	a, err := arn.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse stream arn %q: %w", s, err)
	}
	switch a.Service {
	case "kinesis":
		return KindKinesis, nil
	case "dynamodb":
		return KindDynamoDB, nil
	}
	return "", fmt.Errorf("arn %q is not a kinesis or dynamodb stream", s)
}

func (d *Definition) fromObject(m map[string]any, opts Options) error {
	if name, ok := m[nameField(d.Kind)]; ok {
		resolved, err := resolveName(d.Kind, name, opts)
		if err != nil {
			return err
		}
		d.ResourceName = resolved
	} else if id, ok := m["arn"]; ok {
		if err := d.resolveIdentifier(id, opts); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%s event: one of arn or %s is required", d.Kind, nameField(d.Kind))
	}

	return d.applyOverrides(m)
}

func (d *Definition) resolveIdentifier(id any, opts Options) error {
	switch v := id.(type) {
	case string:
		return d.setIdentifier(v)
	case map[string]any:
		value, isName, err := resolveReference(d.Kind, v, opts)
		if err != nil {
			return err
		}
		if isName {
			d.ResourceName = value
			return nil
		}
		return d.setIdentifier(value)
	}
	return fmt.Errorf("%s event: unsupported arn type %T", d.Kind, id)
}

// setIdentifier accepts a full ARN, or a bare name for kinds where names are
// commonly written directly.
func (d *Definition) setIdentifier(s string) error {
	if !arn.IsARN(s) {
		if d.Kind.IsStream() {
			return fmt.Errorf("%s event: %q is not an arn", d.Kind, s)
		}
		d.ResourceName = s
		return nil
	}

	a, err := arn.Parse(s)
	if err != nil {
		return fmt.Errorf("%s event: parse arn %q: %w", d.Kind, s, err)
	}
	name, err := nameFromARN(d.Kind, a)
	if err != nil {
		return err
	}
	d.ResourceARN = s
	d.ResourceName = name
	if a.Region != "" {
		d.Region = a.Region
	}
	return nil
}

func (d *Definition) applyOverrides(m map[string]any) error {
	if v, ok := m["enabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%s event %s: enabled must be a bool", d.Kind, d.ResourceName)
		}
		d.Enabled = b
	}
	if v, ok := m["batchSize"]; ok {
		n, err := asInt(v)
		if err != nil {
			return fmt.Errorf("%s event %s: batchSize: %w", d.Kind, d.ResourceName, err)
		}
		d.BatchSize = n
	}
	if v, ok := m["startingPosition"].(string); ok {
		d.StartingPosition = StartingPosition(strings.ToUpper(v))
	}
	if v, ok := m["startingSequenceNumber"]; ok {
		d.StartingSequenceNumber = fmt.Sprint(v)
	}
	if v, ok := m["maximumRetryAttempts"]; ok {
		if v == nil {
			d.MaxRetryAttempts = nil
		} else {
			n, err := asInt(v)
			if err != nil {
				return fmt.Errorf("%s event %s: maximumRetryAttempts: %w", d.Kind, d.ResourceName, err)
			}
			d.MaxRetryAttempts = retryLimit(n)
		}
	}
	if v, ok := m["shardId"].(string); ok {
		d.ShardID = v
	}
	if v, ok := m["filter"].(string); ok {
		d.Filter = v
	}

	if d.Kind == KindS3 {
		if v, ok := m["event"].(string); ok {
			d.Events = []string{v}
		}
		if v, ok := m["events"].([]any); ok {
			d.Events = d.Events[:0]
			for _, e := range v {
				d.Events = append(d.Events, fmt.Sprint(e))
			}
		}
		if rules, ok := m["rules"].([]any); ok {
			for _, r := range rules {
				rule, _ := r.(map[string]any)
				if p, ok := rule["prefix"].(string); ok {
					d.Prefix = p
				}
				if s, ok := rule["suffix"].(string); ok {
					d.Suffix = s
				}
			}
		}
	}
	return nil
}

func resolveName(kind Kind, v any, opts Options) (string, error) {
	switch n := v.(type) {
	case string:
		return n, nil
	case map[string]any:
		value, _, err := resolveReference(kind, n, opts)
		return value, err
	}
	return "", fmt.Errorf("%s event: unsupported %s type %T", kind, nameField(kind), v)
}

// resolveReference evaluates the intrinsic functions that commonly appear in
// event declarations. isName reports whether value is a short resource name
// rather than a full identifier.
func resolveReference(kind Kind, ref map[string]any, opts Options) (value string, isName bool, err error) {
	if v, ok := ref["Fn::GetAtt"]; ok {
		var logical string
		switch att := v.(type) {
		case []any:
			if len(att) == 0 {
				return "", false, fmt.Errorf("%s event: empty Fn::GetAtt", kind)
			}
			logical = fmt.Sprint(att[0])
		case string:
			logical, _, _ = strings.Cut(att, ".")
		default:
			return "", false, fmt.Errorf("%s event: unsupported Fn::GetAtt %T", kind, v)
		}
		name, err := resourceName(kind, logical, opts.Resources)
		return name, true, err
	}

	if v, ok := ref["Ref"].(string); ok {
		name, err := resourceName(kind, v, opts.Resources)
		return name, true, err
	}

	if v, ok := ref["Fn::Join"].([]any); ok && len(v) == 2 {
		delim, _ := v[0].(string)
		parts, _ := v[1].([]any)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			s, err := joinPart(p, opts)
			if err != nil {
				return "", false, fmt.Errorf("%s event: Fn::Join: %w", kind, err)
			}
			out = append(out, s)
		}
		joined := strings.Join(out, delim)
		return joined, !arn.IsARN(joined), nil
	}

	return "", false, fmt.Errorf("%s event: unsupported reference %v", kind, ref)
}

func joinPart(p any, opts Options) (string, error) {
	switch v := p.(type) {
	case string:
		return v, nil
	case map[string]any:
		ref, ok := v["Ref"].(string)
		if !ok {
			return "", fmt.Errorf("unsupported part %v", v)
		}
		switch ref {
		case "AWS::Region":
			return opts.Region, nil
		case "AWS::AccountId":
			return opts.AccountID, nil
		case "AWS::Partition":
			return defaultPartition, nil
		}
		return "", &UnresolvedReferenceError{Resource: ref}
	}
	return fmt.Sprint(p), nil
}

func resourceName(kind Kind, logical string, resources Resources) (string, error) {
	res, ok := resources[logical]
	if !ok {
		return "", &UnresolvedReferenceError{Resource: logical}
	}
	prop := nameProperty(kind)
	name, ok := res.Properties[prop].(string)
	if !ok || name == "" {
		return "", &UnresolvedReferenceError{Resource: logical, Property: prop}
	}
	return name, nil
}

// Properties returns the properties of the declared resource of the given
// kind whose name property equals name, or nil.
func (r Resources) Properties(kind Kind, name string) map[string]any {
	prop := nameProperty(kind)
	for _, res := range r {
		if n, ok := res.Properties[prop].(string); ok && n == name {
			return res.Properties
		}
	}
	return nil
}

func nameFromARN(kind Kind, a arn.ARN) (string, error) {
	if a.Service != serviceName(kind) {
		return "", fmt.Errorf("%s event: arn service %q does not match", kind, a.Service)
	}
	switch kind {
	case KindKinesis:
		i := strings.LastIndex(a.Resource, "/")
		if i < 0 || i == len(a.Resource)-1 {
			return "", fmt.Errorf("kinesis event: malformed stream resource %q", a.Resource)
		}
		return a.Resource[i+1:], nil
	case KindDynamoDB:
		parts := strings.Split(a.Resource, "/")
		if len(parts) < 2 || parts[0] != "table" || parts[1] == "" {
			return "", fmt.Errorf("dynamodb event: malformed table resource %q", a.Resource)
		}
		return parts[1], nil
	case KindS3:
		bucket, _, _ := strings.Cut(a.Resource, "/")
		return bucket, nil
	default:
		return a.Resource, nil
	}
}

func buildARN(kind Kind, region, account, name string) string {
	a := arn.ARN{
		Partition: defaultPartition,
		Service:   serviceName(kind),
		Region:    region,
		AccountID: account,
	}
	switch kind {
	case KindKinesis:
		a.Resource = "stream/" + name
	case KindDynamoDB:
		a.Resource = "table/" + name
	case KindS3:
		a.Region, a.AccountID = "", ""
		a.Resource = name
	default:
		a.Resource = name
	}
	return a.String()
}

func serviceName(kind Kind) string {
	return string(kind)
}

func nameField(kind Kind) string {
	switch kind {
	case KindKinesis:
		return "streamName"
	case KindDynamoDB:
		return "tableName"
	case KindSQS:
		return "queueName"
	}
	return "bucket"
}

func nameProperty(kind Kind) string {
	switch kind {
	case KindKinesis:
		return "Name"
	case KindDynamoDB:
		return "TableName"
	case KindSQS:
		return "QueueName"
	}
	return "BucketName"
}

func retryLimit(n int) *int {
	if n < 0 {
		return nil
	}
	return intPtr(n)
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
