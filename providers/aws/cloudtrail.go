package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/attachtime/providers"
	"github.com/yairfalse/attachtime/storage"
	"github.com/yairfalse/attachtime/telemetry"
	"github.com/yairfalse/attachtime/types"
)

// CloudTrail API call names that start or end an attachment
const (
	EventAttachVolume           = "AttachVolume"
	EventDetachVolume           = "DetachVolume"
	EventAttachNetworkInterface = "AttachNetworkInterface"
	EventDetachNetworkInterface = "DetachNetworkInterface"
)

// Resource types stamped on imported events
const (
	ResourceTypeVolume           = "volume"
	ResourceTypeNetworkInterface = "network-interface"
)

// SourceCloudTrail names the CloudTrail event source
const SourceCloudTrail = "cloudtrail"

var attachmentEventNames = []string{
	EventAttachVolume,
	EventDetachVolume,
	EventAttachNetworkInterface,
	EventDetachNetworkInterface,
}

// SourceOption configures an AWS event source
type SourceOption func(*sourceOptions)

type sourceOptions struct {
	logger      *telemetry.Logger
	tracer      trace.Tracer
	attachments storage.AttachmentIndex
}

// WithLogger sets the logger used for skipped records
func WithLogger(logger *telemetry.Logger) SourceOption {
	return func(o *sourceOptions) {
		o.logger = logger
	}
}

// WithTracer sets the tracer used for import spans
func WithTracer(tracer trace.Tracer) SourceOption {
	return func(o *sourceOptions) {
		o.tracer = tracer
	}
}

// WithAttachmentIndex persists network interface attachment ids so a detach
// imported by a later run still resolves to its pair
func WithAttachmentIndex(index storage.AttachmentIndex) SourceOption {
	return func(o *sourceOptions) {
		o.attachments = index
	}
}

func buildOptions(name string, opts []SourceOption) sourceOptions {
	o := sourceOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = telemetry.NewLogger(name)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(name)
	}
	return o
}

// CloudTrailSource turns EC2 attach and detach API calls recorded by
// CloudTrail into events
type CloudTrailSource struct {
	client CloudTrailAPI
	region string
	logger *telemetry.Logger
	tracer trace.Tracer

	// DetachNetworkInterface only names the attachment id; remember the
	// pair each AttachNetworkInterface created. index outlives the source.
	mu             sync.Mutex
	eniAttachments map[string]types.Key
	index          storage.AttachmentIndex
}

// NewCloudTrailSource creates a new CloudTrail event source
func NewCloudTrailSource(client CloudTrailAPI, region string, opts ...SourceOption) *CloudTrailSource {
	o := buildOptions("cloudtrail-source", opts)
	return &CloudTrailSource{
		client:         client,
		region:         region,
		logger:         o.logger,
		tracer:         o.tracer,
		eniAttachments: make(map[string]types.Key),
		index:          o.attachments,
	}
}

// Name returns the source identifier
func (c *CloudTrailSource) Name() string {
	return SourceCloudTrail
}

// Events looks up attach and detach calls in [start, end], oldest first
func (c *CloudTrailSource) Events(ctx context.Context, start, end time.Time) (*providers.Batch, error) {
	ctx, span := telemetry.StartImport(ctx, c.tracer, SourceCloudTrail, c.region)
	batch := &providers.Batch{}
	defer func() { telemetry.EndImport(span, int64(len(batch.Events)), int64(batch.Skipped)) }()

	var raw []cttypes.Event
	for _, name := range attachmentEventNames {
		events, err := c.lookupEvents(ctx, name, start, end)
		if err != nil {
			telemetry.RecordError(span, err.Error(), "cloudtrail")
			return nil, err
		}
		raw = append(raw, events...)
	}

	// ENI detaches resolve against attaches seen earlier
	sort.SliceStable(raw, func(i, j int) bool {
		return aws.ToTime(raw[i].EventTime).Before(aws.ToTime(raw[j].EventTime))
	})

	for _, record := range raw {
		event, reason, err := c.convertEvent(record)
		if err != nil {
			telemetry.RecordError(span, err.Error(), "storage")
			return nil, err
		}
		if reason != "" {
			batch.Skipped++
			c.logger.LogSkippedRecord(ctx, SourceCloudTrail, aws.ToString(record.EventId), aws.ToString(record.EventName), reason)
			telemetry.RecordSkippedRecordEvent(span, SourceCloudTrail, aws.ToString(record.EventId), aws.ToString(record.EventName), reason)
			continue
		}
		batch.Events = append(batch.Events, event)
	}

	return batch, nil
}

// lookupEvents pages through LookupEvents for one event name.
// CloudTrail accepts a single lookup attribute per request.
func (c *CloudTrailSource) lookupEvents(
	ctx context.Context,
	eventName string,
	startTime, endTime time.Time,
) ([]cttypes.Event, error) {
	input := &cloudtrail.LookupEventsInput{
		LookupAttributes: []cttypes.LookupAttribute{
			{
				AttributeKey:   cttypes.LookupAttributeKeyEventName,
				AttributeValue: aws.String(eventName),
			},
		},
		StartTime:  aws.Time(startTime),
		EndTime:    aws.Time(endTime),
		MaxResults: aws.Int32(50), // Max allowed per request
	}

	var events []cttypes.Event
	paginator := cloudtrail.NewLookupEventsPaginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup %s events: %w", eventName, err)
		}
		events = append(events, page.Events...)
	}
	return events, nil
}

// cloudTrailRecord is the subset of the CloudTrailEvent JSON document we read
type cloudTrailRecord struct {
	EventName         string `json:"eventName"`
	ErrorCode         string `json:"errorCode"`
	RequestParameters struct {
		VolumeID           string `json:"volumeId"`
		InstanceID         string `json:"instanceId"`
		NetworkInterfaceID string `json:"networkInterfaceId"`
		AttachmentID       string `json:"attachmentId"`
	} `json:"requestParameters"`
	ResponseElements struct {
		VolumeID     string `json:"volumeId"`
		InstanceID   string `json:"instanceId"`
		AttachmentID string `json:"attachmentId"`
	} `json:"responseElements"`
}

// convertEvent converts a single CloudTrail event, or returns why it was
// skipped. Errors come only from the attachment index.
func (c *CloudTrailSource) convertEvent(record cttypes.Event) (types.Event, string, error) {
	var detail cloudTrailRecord
	if err := json.Unmarshal([]byte(aws.ToString(record.CloudTrailEvent)), &detail); err != nil {
		return types.Event{}, "unparseable event document", nil
	}
	if detail.ErrorCode != "" {
		return types.Event{}, "call failed: " + detail.ErrorCode, nil
	}

	event := types.Event{
		Timestamp: aws.ToTime(record.EventTime).UnixMilli(),
		Source:    SourceCloudTrail,
		EventID:   aws.ToString(record.EventId),
	}

	req, resp := detail.RequestParameters, detail.ResponseElements
	switch aws.ToString(record.EventName) {
	case EventAttachVolume:
		event.Kind = types.EventAttach
		event.ResourceType = ResourceTypeVolume
		event.ResourceID = firstNonEmpty(req.VolumeID, resp.VolumeID)
		event.AttachedResourceID = firstNonEmpty(req.InstanceID, resp.InstanceID)

	case EventDetachVolume:
		event.Kind = types.EventDetach
		event.ResourceType = ResourceTypeVolume
		event.ResourceID = firstNonEmpty(req.VolumeID, resp.VolumeID)
		event.AttachedResourceID = firstNonEmpty(req.InstanceID, resp.InstanceID)

	case EventAttachNetworkInterface:
		event.Kind = types.EventAttach
		event.ResourceType = ResourceTypeNetworkInterface
		event.ResourceID = req.NetworkInterfaceID
		event.AttachedResourceID = req.InstanceID
		if resp.AttachmentID != "" && event.ResourceID != "" && event.AttachedResourceID != "" {
			if err := c.rememberAttachment(resp.AttachmentID, event.Key()); err != nil {
				return types.Event{}, "", err
			}
		}

	case EventDetachNetworkInterface:
		key, ok, err := c.lookupAttachment(req.AttachmentID)
		if err != nil {
			return types.Event{}, "", err
		}
		if !ok {
			return types.Event{}, "unknown attachment " + req.AttachmentID, nil
		}
		event.Kind = types.EventDetach
		event.ResourceType = ResourceTypeNetworkInterface
		event.ResourceID = key.ResourceID
		event.AttachedResourceID = key.AttachedResourceID

	default:
		return types.Event{}, "unexpected event name", nil
	}

	if err := event.Validate(); err != nil {
		return types.Event{}, err.Error(), nil
	}
	return event, "", nil
}

func (c *CloudTrailSource) rememberAttachment(attachmentID string, key types.Key) error {
	c.mu.Lock()
	c.eniAttachments[attachmentID] = key
	c.mu.Unlock()

	if c.index == nil {
		return nil
	}
	if err := c.index.SaveAttachment(attachmentID, key); err != nil {
		return fmt.Errorf("failed to save attachment %s: %w", attachmentID, err)
	}
	return nil
}

func (c *CloudTrailSource) lookupAttachment(attachmentID string) (types.Key, bool, error) {
	c.mu.Lock()
	key, ok := c.eniAttachments[attachmentID]
	c.mu.Unlock()
	if ok || c.index == nil || attachmentID == "" {
		return key, ok, nil
	}

	key, ok, err := c.index.LookupAttachment(attachmentID)
	if err != nil {
		return types.Key{}, false, fmt.Errorf("failed to look up attachment %s: %w", attachmentID, err)
	}
	if ok {
		c.mu.Lock()
		c.eniAttachments[attachmentID] = key
		c.mu.Unlock()
	}
	return key, ok, nil
}

// IsAttachmentEvent checks if a CloudTrail event name starts or ends an attachment
func IsAttachmentEvent(eventName string) bool {
	for _, name := range attachmentEventNames {
		if name == eventName {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
