package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/attachtime/storage"
	"github.com/yairfalse/attachtime/telemetry"
	"github.com/yairfalse/attachtime/types"
)

// mockCloudTrailClient implements CloudTrailAPI for testing.
// Pages are served per event name; every page but the last carries a NextToken.
type mockCloudTrailClient struct {
	pages map[string][][]cttypes.Event
	err   error
	calls int
}

func (m *mockCloudTrailClient) LookupEvents(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}

	name := aws.ToString(params.LookupAttributes[0].AttributeValue)
	pages := m.pages[name]
	if len(pages) == 0 {
		return &cloudtrail.LookupEventsOutput{}, nil
	}

	page := 0
	if params.NextToken != nil {
		_, _ = fmt.Sscanf(aws.ToString(params.NextToken), "page-%d", &page)
	}

	out := &cloudtrail.LookupEventsOutput{Events: pages[page]}
	if page+1 < len(pages) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ctEvent(id, name string, offset time.Duration, document string) cttypes.Event {
	return cttypes.Event{
		EventId:         aws.String(id),
		EventName:       aws.String(name),
		EventTime:       aws.Time(baseTime.Add(offset)),
		CloudTrailEvent: aws.String(document),
	}
}

func newTestSource(client CloudTrailAPI) (*CloudTrailSource, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewCloudTrailSource(client, "us-east-1", WithLogger(telemetry.NewLoggerWithWriter("test", &buf))), &buf
}

func TestCloudTrailSource_VolumeEvents(t *testing.T) {
	client := &mockCloudTrailClient{pages: map[string][][]cttypes.Event{
		EventAttachVolume: {
			{ctEvent("e1", EventAttachVolume, 0, `{"eventName":"AttachVolume","requestParameters":{"volumeId":"vol-1","instanceId":"i-1","device":"/dev/sdf"}}`)},
			{ctEvent("e3", EventAttachVolume, 2*time.Hour, `{"eventName":"AttachVolume","requestParameters":{"volumeId":"vol-1","instanceId":"i-2"}}`)},
		},
		EventDetachVolume: {
			{ctEvent("e2", EventDetachVolume, time.Hour, `{"eventName":"DetachVolume","requestParameters":{"volumeId":"vol-1","force":true},"responseElements":{"volumeId":"vol-1","instanceId":"i-1"}}`)},
		},
	}}
	source, _ := newTestSource(client)

	batch, err := source.Events(context.Background(), baseTime.Add(-time.Hour), baseTime.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, batch.Skipped)
	require.Len(t, batch.Events, 3)

	assert.Equal(t, types.Event{
		Kind:               types.EventAttach,
		ResourceID:         "vol-1",
		AttachedResourceID: "i-1",
		Timestamp:          baseTime.UnixMilli(),
		Source:             SourceCloudTrail,
		EventID:            "e1",
		ResourceType:       ResourceTypeVolume,
	}, batch.Events[0])

	assert.Equal(t, types.EventDetach, batch.Events[1].Kind)
	assert.Equal(t, "i-1", batch.Events[1].AttachedResourceID, "instance taken from response when request omits it")
	assert.Equal(t, "i-2", batch.Events[2].AttachedResourceID, "second page is read")

	assert.Equal(t, len(attachmentEventNames)+1, client.calls)
	assert.Equal(t, SourceCloudTrail, source.Name())
}

func TestCloudTrailSource_NetworkInterfaceEvents(t *testing.T) {
	client := &mockCloudTrailClient{pages: map[string][][]cttypes.Event{
		EventAttachNetworkInterface: {{
			ctEvent("a1", EventAttachNetworkInterface, 0, `{"requestParameters":{"networkInterfaceId":"eni-1","instanceId":"i-1","deviceIndex":1},"responseElements":{"attachmentId":"eni-attach-1"}}`),
		}},
		EventDetachNetworkInterface: {{
			ctEvent("d1", EventDetachNetworkInterface, time.Hour, `{"requestParameters":{"attachmentId":"eni-attach-1"}}`),
			ctEvent("d2", EventDetachNetworkInterface, time.Hour, `{"requestParameters":{"attachmentId":"eni-attach-unknown"}}`),
		}},
	}}
	source, logs := newTestSource(client)

	batch, err := source.Events(context.Background(), baseTime, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, 1, batch.Skipped)

	detach := batch.Events[1]
	assert.Equal(t, types.EventDetach, detach.Kind)
	assert.Equal(t, types.Key{ResourceID: "eni-1", AttachedResourceID: "i-1"}, detach.Key())
	assert.Equal(t, ResourceTypeNetworkInterface, detach.ResourceType)
	assert.Contains(t, logs.String(), "unknown attachment eni-attach-unknown")
}

func TestCloudTrailSource_NetworkInterfaceAttachmentRememberedAcrossCalls(t *testing.T) {
	client := &mockCloudTrailClient{pages: map[string][][]cttypes.Event{
		EventAttachNetworkInterface: {{
			ctEvent("a1", EventAttachNetworkInterface, 0, `{"requestParameters":{"networkInterfaceId":"eni-1","instanceId":"i-1"},"responseElements":{"attachmentId":"eni-attach-1"}}`),
		}},
	}}
	source, _ := newTestSource(client)

	_, err := source.Events(context.Background(), baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)

	client.pages = map[string][][]cttypes.Event{
		EventDetachNetworkInterface: {{
			ctEvent("d1", EventDetachNetworkInterface, 2*time.Hour, `{"requestParameters":{"attachmentId":"eni-attach-1"}}`),
		}},
	}
	batch, err := source.Events(context.Background(), baseTime.Add(time.Hour), baseTime.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "eni-1", batch.Events[0].ResourceID)
}

func TestCloudTrailSource_NetworkInterfaceAttachmentPersistsAcrossImports(t *testing.T) {
	eventLog, err := storage.OpenEventLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eventLog.Close() })

	newSource := func(client CloudTrailAPI) *CloudTrailSource {
		return NewCloudTrailSource(client, "us-east-1",
			WithLogger(telemetry.NewLoggerWithWriter("test", io.Discard)),
			WithAttachmentIndex(eventLog),
		)
	}

	first := newSource(&mockCloudTrailClient{pages: map[string][][]cttypes.Event{
		EventAttachNetworkInterface: {{
			ctEvent("a1", EventAttachNetworkInterface, 0, `{"requestParameters":{"networkInterfaceId":"eni-1","instanceId":"i-1"},"responseElements":{"attachmentId":"eni-attach-1"}}`),
		}},
	}})
	batch, err := first.Events(context.Background(), baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)

	second := newSource(&mockCloudTrailClient{pages: map[string][][]cttypes.Event{
		EventDetachNetworkInterface: {{
			ctEvent("d1", EventDetachNetworkInterface, 2*time.Hour, `{"requestParameters":{"attachmentId":"eni-attach-1"}}`),
		}},
	}})
	batch, err = second.Events(context.Background(), baseTime.Add(time.Hour), baseTime.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, batch.Skipped)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, types.EventDetach, batch.Events[0].Kind)
	assert.Equal(t, types.Key{ResourceID: "eni-1", AttachedResourceID: "i-1"}, batch.Events[0].Key())
}

// brokenIndex fails every call
type brokenIndex struct{}

func (brokenIndex) SaveAttachment(string, types.Key) error {
	return errors.New("disk full")
}

func (brokenIndex) LookupAttachment(string) (types.Key, bool, error) {
	return types.Key{}, false, errors.New("disk full")
}

func TestCloudTrailSource_AttachmentIndexErrorAbortsImport(t *testing.T) {
	tests := []struct {
		name    string
		pages   map[string][][]cttypes.Event
		wantErr string
	}{
		{
			name: "save",
			pages: map[string][][]cttypes.Event{EventAttachNetworkInterface: {{
				ctEvent("a1", EventAttachNetworkInterface, 0, `{"requestParameters":{"networkInterfaceId":"eni-1","instanceId":"i-1"},"responseElements":{"attachmentId":"eni-attach-1"}}`),
			}}},
			wantErr: "failed to save attachment eni-attach-1: disk full",
		},
		{
			name: "lookup",
			pages: map[string][][]cttypes.Event{EventDetachNetworkInterface: {{
				ctEvent("d1", EventDetachNetworkInterface, 0, `{"requestParameters":{"attachmentId":"eni-attach-1"}}`),
			}}},
			wantErr: "failed to look up attachment eni-attach-1: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := NewCloudTrailSource(&mockCloudTrailClient{pages: tt.pages}, "us-east-1",
				WithLogger(telemetry.NewLoggerWithWriter("test", io.Discard)),
				WithAttachmentIndex(brokenIndex{}),
			)
			batch, err := source.Events(context.Background(), baseTime, baseTime.Add(time.Hour))
			assert.Nil(t, batch)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestCloudTrailSource_SkipsBadRecords(t *testing.T) {
	tests := []struct {
		name   string
		event  cttypes.Event
		reason string
	}{
		{
			name:   "failed call",
			event:  ctEvent("x1", EventAttachVolume, 0, `{"errorCode":"Client.IncorrectState","requestParameters":{"volumeId":"vol-1","instanceId":"i-1"}}`),
			reason: "call failed: Client.IncorrectState",
		},
		{
			name:   "unparseable document",
			event:  ctEvent("x2", EventAttachVolume, 0, `{not json`),
			reason: "unparseable event document",
		},
		{
			name:   "missing instance",
			event:  ctEvent("x3", EventDetachVolume, 0, `{"requestParameters":{"volumeId":"vol-1"}}`),
			reason: "attached resource id is required",
		},
		{
			name:   "unrelated call",
			event:  ctEvent("x4", "RunInstances", 0, `{}`),
			reason: "unexpected event name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, _ := newTestSource(&mockCloudTrailClient{})
			_, reason, err := source.convertEvent(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestCloudTrailSource_LookupError(t *testing.T) {
	source, _ := newTestSource(&mockCloudTrailClient{err: errors.New("throttled")})

	batch, err := source.Events(context.Background(), baseTime, baseTime.Add(time.Hour))
	assert.Nil(t, batch)
	assert.ErrorContains(t, err, "failed to lookup AttachVolume events: throttled")
}

func TestIsAttachmentEvent(t *testing.T) {
	assert.True(t, IsAttachmentEvent("AttachVolume"))
	assert.True(t, IsAttachmentEvent("DetachNetworkInterface"))
	assert.False(t, IsAttachmentEvent("RunInstances"))
}
