package test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/testfixtures"
	"github.com/placer-project/placer/pkg/types"
)

func ProviderTreesTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	root := testfixtures.CreateProvider(t, ds, "compute-root", "")
	require.Equal(t, root.UUID, root.RootUUID)

	child := testfixtures.CreateProvider(t, ds, "numa-cell", root.UUID)
	require.Equal(t, root.UUID, child.RootUUID)

	grandchild := testfixtures.CreateProvider(t, ds, "pf-device", child.UUID)
	require.Equal(t, root.UUID, grandchild.RootUUID)

	got, err := ds.GetProvider(ctx, grandchild.UUID)
	require.NoError(t, err)
	require.Equal(t, child.UUID, got.ParentUUID)
	require.Equal(t, root.UUID, got.RootUUID)

	// Creating under an unknown parent fails.
	err = ds.CreateProvider(ctx, &types.ResourceProvider{
		UUID:       uuid.NewString(),
		Name:       "dangling",
		ParentUUID: uuid.NewString(),
	})
	require.ErrorIs(t, err, storage.ErrNotFound)

	// A UUID collision is rejected.
	err = ds.CreateProvider(ctx, &types.ResourceProvider{UUID: root.UUID, Name: "other"})
	require.ErrorIs(t, err, storage.ErrCollision)

	_, err = ds.GetProvider(ctx, uuid.NewString())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func CandidatesForResourceClassTest(t *testing.T, ds storage.PlacerDatastore) {
	defer ds.Close()
	ctx := context.Background()

	root := testfixtures.CreateProvider(t, ds, "cn1", "")
	child := testfixtures.CreateProvider(t, ds, "cn1-disk", root.UUID)
	other := testfixtures.CreateProvider(t, ds, "cn2", "")

	testfixtures.AddInventory(t, ds, root, "VCPU", 8)
	testfixtures.AddInventory(t, ds, child, "DISK_GB", 100)
	testfixtures.AddInventory(t, ds, other, "DISK_GB", 20)

	anchors, err := ds.CandidatesForResourceClass(ctx, "DISK_GB", 50)
	require.NoError(t, err)
	require.Equal(t, []storage.ProviderAnchor{{UUID: child.UUID, RootUUID: root.UUID}}, anchors)

	anchors, err = ds.CandidatesForResourceClass(ctx, "DISK_GB", 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []storage.ProviderAnchor{
		{UUID: child.UUID, RootUUID: root.UUID},
		{UUID: other.UUID, RootUUID: other.UUID},
	}, anchors)

	// Nothing offers this class at all.
	anchors, err = ds.CandidatesForResourceClass(ctx, "MEMORY_MB", 1024)
	require.NoError(t, err)
	require.Empty(t, anchors)

	// Existing allocations count against capacity.
	consumer := testfixtures.EnsureConsumer(t, ds, uuid.NewString(), uuid.NewString(), "")
	testfixtures.SetAllocation(t, ds, other, consumer, map[string]int64{"DISK_GB": 15})

	anchors, err = ds.CandidatesForResourceClass(ctx, "DISK_GB", 10)
	require.NoError(t, err)
	require.Equal(t, []storage.ProviderAnchor{{UUID: child.UUID, RootUUID: root.UUID}}, anchors)

	// min_unit gates small requests.
	granular := testfixtures.CreateProvider(t, ds, "granular", "")
	require.NoError(t, ds.SetInventory(ctx, granular.UUID, []types.Inventory{{
		ResourceClass: "DISK_GB",
		Total:         100,
		MinUnit:       10,
		MaxUnit:       40,
		StepSize:      10,
	}}))

	anchors, err = ds.CandidatesForResourceClass(ctx, "DISK_GB", 5)
	require.NoError(t, err)
	require.NotContains(t, anchors, storage.ProviderAnchor{UUID: granular.UUID, RootUUID: granular.UUID})

	// Steps and max_unit gate as well.
	anchors, err = ds.CandidatesForResourceClass(ctx, "DISK_GB", 30)
	require.NoError(t, err)
	require.Contains(t, anchors, storage.ProviderAnchor{UUID: granular.UUID, RootUUID: granular.UUID})

	anchors, err = ds.CandidatesForResourceClass(ctx, "DISK_GB", 50)
	require.NoError(t, err)
	require.NotContains(t, anchors, storage.ProviderAnchor{UUID: granular.UUID, RootUUID: granular.UUID})
}
