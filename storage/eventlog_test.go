package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/attachtime/types"
)

func openTestLog(t *testing.T) *EventLog {
	t.Helper()
	log, err := OpenEventLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func attachEvent(resource, attached string, ts int64) types.Event {
	return types.Event{Kind: types.EventAttach, ResourceID: resource, AttachedResourceID: attached, Timestamp: ts}
}

func detachEvent(resource, attached string, ts int64) types.Event {
	return types.Event{Kind: types.EventDetach, ResourceID: resource, AttachedResourceID: attached, Timestamp: ts}
}

func collectAttachments(t *testing.T, log *EventLog, until int64) []types.Event {
	t.Helper()
	var out []types.Event
	require.NoError(t, log.ScanAttachments(context.Background(), until, func(e types.Event) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func collectDetachments(t *testing.T, log *EventLog, since int64) []types.Event {
	t.Helper()
	var out []types.Event
	require.NoError(t, log.ScanDetachments(context.Background(), since, func(e types.Event) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestEventLog_ScanAttachmentsInTimestampOrder(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	n, err := log.RecordBatch(ctx, []types.Event{
		attachEvent("vol-3", "i-1", 3000),
		attachEvent("vol-1", "i-1", 1000),
		attachEvent("vol-2", "i-1", 2000),
		detachEvent("vol-1", "i-1", 1500),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got := collectAttachments(t, log, 10_000)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1000), got[0].Timestamp)
	assert.Equal(t, int64(2000), got[1].Timestamp)
	assert.Equal(t, int64(3000), got[2].Timestamp)
	for _, e := range got {
		assert.Equal(t, types.EventAttach, e.Kind)
	}
}

func TestEventLog_ScanCutoffs(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	_, err := log.RecordBatch(ctx, []types.Event{
		attachEvent("vol-1", "i-1", 1000),
		attachEvent("vol-1", "i-1", 5000),
		attachEvent("vol-1", "i-1", 5001),
		detachEvent("vol-1", "i-1", 999),
		detachEvent("vol-1", "i-1", 1000),
		detachEvent("vol-1", "i-1", 7000),
	})
	require.NoError(t, err)

	attaches := collectAttachments(t, log, 5000)
	require.Len(t, attaches, 2, "attachments after the cutoff are skipped")
	assert.Equal(t, int64(5000), attaches[1].Timestamp)

	detaches := collectDetachments(t, log, 1000)
	require.Len(t, detaches, 2, "detachments before the cutoff are skipped")
	assert.Equal(t, int64(1000), detaches[0].Timestamp)
	assert.Equal(t, int64(7000), detaches[1].Timestamp)

	assert.Empty(t, collectAttachments(t, log, -1))
}

func TestEventLog_RecordIsIdempotentPerEventID(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	event := attachEvent("vol-1", "i-1", 1000)
	event.EventID = "evt-1"
	require.NoError(t, log.Record(ctx, event))
	require.NoError(t, log.Record(ctx, event))

	other := event
	other.EventID = "evt-2"
	require.NoError(t, log.Record(ctx, other))

	attachments, detachments, size := log.Stats()
	assert.Equal(t, 2, attachments)
	assert.Equal(t, 0, detachments)
	assert.Greater(t, size, int64(0))
}

func TestEventLog_RejectsInvalidBatch(t *testing.T) {
	log := openTestLog(t)

	tests := []struct {
		name  string
		event types.Event
	}{
		{"missing resource", types.Event{Kind: types.EventAttach, AttachedResourceID: "i-1", Timestamp: 1}},
		{"missing attached resource", types.Event{Kind: types.EventDetach, ResourceID: "vol-1", Timestamp: 1}},
		{"unknown kind", types.Event{Kind: "resize", ResourceID: "vol-1", AttachedResourceID: "i-1"}},
		{"negative timestamp", attachEvent("vol-1", "i-1", -5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := log.RecordBatch(context.Background(), []types.Event{attachEvent("vol-9", "i-9", 1), tt.event})
			assert.Equal(t, 0, n)
			assert.True(t, errors.Is(err, ErrInvalidEvent))
			assert.Contains(t, err.Error(), "index 1")
		})
	}

	attachments, detachments, _ := log.Stats()
	assert.Zero(t, attachments, "a rejected batch writes nothing")
	assert.Zero(t, detachments)
}

func TestEventLog_ContextCancellation(t *testing.T) {
	log := openTestLog(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := log.RecordBatch(ctx, []types.Event{attachEvent("vol-1", "i-1", 1)})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "cancelled"))

	require.NoError(t, log.Record(context.Background(), attachEvent("vol-1", "i-1", 1)))
	err = log.ScanAttachments(ctx, 10, func(types.Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventLog_CallbackErrorStopsScan(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	_, err := log.RecordBatch(ctx, []types.Event{
		detachEvent("vol-1", "i-1", 1000),
		detachEvent("vol-2", "i-1", 2000),
	})
	require.NoError(t, err)

	stop := errors.New("stop")
	calls := 0
	err = log.ScanDetachments(ctx, 0, func(types.Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestEventLog_Checkpoints(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenEventLog(dir)
	require.NoError(t, err)

	ms, err := log.Checkpoint("cloudtrail")
	require.NoError(t, err)
	assert.Zero(t, ms)

	require.NoError(t, log.SetCheckpoint("cloudtrail", 1_700_000_000_000))
	require.NoError(t, log.Close())

	reopened, err := OpenEventLog(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	ms, err = reopened.Checkpoint("cloudtrail")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), ms)
	assert.Equal(t, dir, reopened.Path())
}

func TestEventLog_AttachmentIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenEventLog(dir)
	require.NoError(t, err)

	_, found, err := log.LookupAttachment("eni-attach-1")
	require.NoError(t, err)
	assert.False(t, found)

	key := types.Key{ResourceID: "eni-1", AttachedResourceID: "i-1"}
	require.NoError(t, log.SaveAttachment("eni-attach-1", key))
	assert.ErrorIs(t, log.SaveAttachment("", key), ErrInvalidEvent)
	require.NoError(t, log.Close())

	reopened, err := OpenEventLog(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, found, err := reopened.LookupAttachment("eni-attach-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, key, got)

	ms, err := reopened.Checkpoint("eni-attach-1")
	require.NoError(t, err)
	assert.Zero(t, ms, "attachment entries do not collide with checkpoints")
}
