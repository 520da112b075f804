package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/attachtime/providers"
	"github.com/yairfalse/attachtime/telemetry"
	"github.com/yairfalse/attachtime/types"
)

// SourceEC2 names the EC2 seeding source
const SourceEC2 = "ec2"

// VolumeSeeder emits an attach event for every volume attachment EC2
// currently reports. CloudTrail only keeps 90 days of history, so
// long-lived attachments would otherwise never be paired.
type VolumeSeeder struct {
	client EC2API
	region string
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewVolumeSeeder creates a new EC2 volume seeder
func NewVolumeSeeder(client EC2API, region string, opts ...SourceOption) *VolumeSeeder {
	o := buildOptions("ec2-seeder", opts)
	return &VolumeSeeder{
		client: client,
		region: region,
		logger: o.logger,
		tracer: o.tracer,
	}
}

// Name returns the source identifier
func (v *VolumeSeeder) Name() string {
	return SourceEC2
}

// Events returns one attach event per current attachment that began by end.
// start is ignored; re-seeding an attachment yields the same event id.
func (v *VolumeSeeder) Events(ctx context.Context, _, end time.Time) (*providers.Batch, error) {
	ctx, span := telemetry.StartImport(ctx, v.tracer, SourceEC2, v.region)
	batch := &providers.Batch{}
	defer func() { telemetry.EndImport(span, int64(len(batch.Events)), int64(batch.Skipped)) }()

	paginator := ec2.NewDescribeVolumesPaginator(v.client, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("attachment.status"), Values: []string{string(ec2types.VolumeAttachmentStateAttached)}},
		},
	})

	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			telemetry.RecordError(span, err.Error(), "ec2")
			return nil, fmt.Errorf("failed to list EBS volumes: %w", err)
		}

		for _, volume := range output.Volumes {
			for _, att := range volume.Attachments {
				event, reason := convertAttachment(volume, att)
				if reason != "" {
					batch.Skipped++
					v.logger.LogSkippedRecord(ctx, SourceEC2, aws.ToString(volume.VolumeId), "DescribeVolumes", reason)
					continue
				}
				if event.Time().After(end) {
					continue
				}
				batch.Events = append(batch.Events, event)
			}
		}
	}

	return batch, nil
}

// convertAttachment converts one volume attachment, or returns why it was skipped
func convertAttachment(volume ec2types.Volume, att ec2types.VolumeAttachment) (types.Event, string) {
	if att.State != ec2types.VolumeAttachmentStateAttached {
		return types.Event{}, "attachment state " + string(att.State)
	}
	if att.AttachTime == nil {
		return types.Event{}, "missing attach time"
	}

	volumeID := firstNonEmpty(aws.ToString(att.VolumeId), aws.ToString(volume.VolumeId))
	instanceID := aws.ToString(att.InstanceId)
	ts := att.AttachTime.UnixMilli()

	event := types.Event{
		Kind:               types.EventAttach,
		ResourceID:         volumeID,
		AttachedResourceID: instanceID,
		Timestamp:          ts,
		Source:             SourceEC2,
		EventID:            fmt.Sprintf("ec2:%s:%s:%d", volumeID, instanceID, ts),
		ResourceType:       ResourceTypeVolume,
	}
	if err := event.Validate(); err != nil {
		return types.Event{}, err.Error()
	}
	return event, ""
}
