package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), StateFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDeliveries_MonotonicLedger(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	_, ok, err := d.LastDelivered(ctx, "r", "etc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.MarkDelivered(ctx, DeliveryRow{ResourceID: "r", Definition: "etc", Version: 3, Category: "DRIFT", RequestID: "a", DeliveredAt: at}))
	require.NoError(t, d.MarkDelivered(ctx, DeliveryRow{ResourceID: "r", Definition: "etc", Version: 1, Category: "DRIFT", RequestID: "b", DeliveredAt: at}))

	row, ok, err := d.LastDelivered(ctx, "r", "etc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, row.Version)
	assert.Equal(t, "a", row.RequestID)
	assert.Equal(t, at, row.DeliveredAt)
}

func TestDeliveries_Forget(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	now := time.Now()

	for _, def := range []string{"a", "b"} {
		require.NoError(t, d.MarkDelivered(ctx, DeliveryRow{ResourceID: "r1", Definition: def, Category: "COVERAGE", RequestID: def, DeliveredAt: now}))
	}
	require.NoError(t, d.MarkDelivered(ctx, DeliveryRow{ResourceID: "r2", Definition: "a", Category: "COVERAGE", RequestID: "c", DeliveredAt: now}))

	require.NoError(t, d.ForgetDelivery(ctx, "r1", "a"))
	rows, err := d.ListDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, d.ForgetResource(ctx, "r1"))
	rows, err = d.ListDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r2", rows[0].ResourceID)
}

func TestContentRequests(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	require.NoError(t, d.RecordContentRequest(ctx, ContentRequestRow{
		RequestID: "req-1", ResourceID: "r", Requested: 2, Supplied: 1,
		Missing: []string{"deadbeef"}, Status: "partial", CreatedAt: base,
	}))
	require.NoError(t, d.RecordContentRequest(ctx, ContentRequestRow{
		RequestID: "req-2", ResourceID: "r", Requested: 1, Supplied: 1,
		Status: "complete", CreatedAt: base.Add(time.Minute),
	}))

	rows, err := d.ListContentRequests(ctx, "r", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "req-2", rows[0].RequestID)
	assert.Nil(t, rows[0].Missing)
	assert.Equal(t, []string{"deadbeef"}, rows[1].Missing)
}

func TestRejections(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	now := time.Now()

	for _, v := range []int{4, 2} {
		require.NoError(t, d.RecordRejection(ctx, RejectionRow{ResourceID: "r1", Definition: "a", Version: v, RequestID: "x", Reason: "too large", RejectedAt: now}))
	}
	require.NoError(t, d.RecordRejection(ctx, RejectionRow{ResourceID: "r1", Definition: "a", Version: 2, RequestID: "y", RejectedAt: now}))
	require.NoError(t, d.RecordRejection(ctx, RejectionRow{ResourceID: "r1", Definition: "b", Version: 0, RequestID: "z", RejectedAt: now}))

	versions, err := d.RejectedVersions(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, versions)

	require.NoError(t, d.ForgetDelivery(ctx, "r1", "a"))
	versions, err = d.RejectedVersions(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Empty(t, versions)

	require.NoError(t, d.ForgetResource(ctx, "r1"))
	versions, err = d.RejectedVersions(ctx, "r1", "b")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestMigrations_AreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFile)
	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, d.Ping())
	require.NoError(t, d.Close())
}
