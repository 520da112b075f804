package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/yairfalse/attachtime/providers"
)

// CloudTrailAPI defines the CloudTrail operations used by the importer.
type CloudTrailAPI interface {
	LookupEvents(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error)
}

// EC2API defines the EC2 operations used by the seeder.
type EC2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
}

// LoadConfig loads the default AWS config for the source region and profile
func LoadConfig(ctx context.Context, cfg providers.SourceConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func init() {
	providers.RegisterSources("aws", NewSources)
}

// NewSources builds the event sources enabled by cfg
func NewSources(ctx context.Context, cfg providers.SourceConfig) ([]providers.EventSource, error) {
	awsCfg, err := LoadConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var opts []SourceOption
	if cfg.Logger != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}
	if cfg.Attachments != nil {
		opts = append(opts, WithAttachmentIndex(cfg.Attachments))
	}

	sources := []providers.EventSource{
		NewCloudTrailSource(cloudtrail.NewFromConfig(awsCfg), cfg.Region, opts...),
	}
	if cfg.SeedEC2 {
		sources = append(sources, NewVolumeSeeder(ec2.NewFromConfig(awsCfg), cfg.Region, opts...))
	}
	return sources, nil
}
