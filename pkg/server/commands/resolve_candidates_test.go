package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/logger"
	"github.com/placer-project/placer/pkg/storage/memory"
	"github.com/placer-project/placer/pkg/testfixtures"
)

func TestResolveCandidates(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	// Tree one: compute node with a local-disk child. Tree two: a compute
	// node carrying both classes itself.
	compute1 := testfixtures.CreateProvider(t, ds, "compute1", "")
	disk1 := testfixtures.CreateProvider(t, ds, "disk1", compute1.UUID)
	compute2 := testfixtures.CreateProvider(t, ds, "compute2", "")

	testfixtures.AddInventory(t, ds, compute1, "VCPU", 8)
	testfixtures.AddInventory(t, ds, disk1, "DISK_GB", 100)
	testfixtures.AddInventory(t, ds, compute2, "VCPU", 4)
	testfixtures.AddInventory(t, ds, compute2, "DISK_GB", 50)

	cmd := NewResolveCandidatesCommand(ds, logger.NewNoopLogger())

	t.Run("merges_classes_across_trees", func(t *testing.T) {
		resp, err := cmd.Execute(ctx, &ResolveCandidatesRequest{
			Resources: map[string]int64{"VCPU": 2, "DISK_GB": 10},
		})
		require.NoError(t, err)

		// Tree one satisfies DISK_GB on the child, tree two on the root
		// itself, so both trees survive the merge.
		require.Equal(t, map[string]struct{}{
			compute1.UUID: {},
			compute2.UUID: {},
		}, resp.Candidates.Trees())
		require.Equal(t, map[string]struct{}{
			compute1.UUID: {},
			disk1.UUID:    {},
			compute2.UUID: {},
		}, resp.Candidates.AllRPs())
	})

	t.Run("capacity_gate_drops_tree", func(t *testing.T) {
		// Only tree one has 100 disk to give.
		resp, err := cmd.Execute(ctx, &ResolveCandidatesRequest{
			Resources: map[string]int64{"VCPU": 2, "DISK_GB": 80},
		})
		require.NoError(t, err)
		require.Equal(t, map[string]struct{}{compute1.UUID: {}}, resp.Candidates.Trees())
	})

	t.Run("unsatisfiable_class_empties_result", func(t *testing.T) {
		resp, err := cmd.Execute(ctx, &ResolveCandidatesRequest{
			Resources: map[string]int64{"VCPU": 2, "MEMORY_MB": 1024},
		})
		require.NoError(t, err)
		require.True(t, resp.Candidates.IsEmpty())
	})

	t.Run("include_filter", func(t *testing.T) {
		resp, err := cmd.Execute(ctx, &ResolveCandidatesRequest{
			Resources: map[string]int64{"VCPU": 2, "DISK_GB": 10},
			Include:   map[string]struct{}{compute2.UUID: {}},
		})
		require.NoError(t, err)
		require.Equal(t, map[string]struct{}{compute2.UUID: {}}, resp.Candidates.Trees())
	})

	t.Run("exclude_filter", func(t *testing.T) {
		resp, err := cmd.Execute(ctx, &ResolveCandidatesRequest{
			Resources: map[string]int64{"VCPU": 2, "DISK_GB": 10},
			Exclude:   map[string]struct{}{compute1.UUID: {}},
		})
		require.NoError(t, err)
		// Excluding the root takes the whole tree with it, child included.
		require.Equal(t, map[string]struct{}{compute2.UUID: {}}, resp.Candidates.Trees())
		require.Equal(t, map[string]struct{}{compute2.UUID: {}}, resp.Candidates.AllRPs())
	})

	t.Run("empty_request_resolves_empty", func(t *testing.T) {
		resp, err := cmd.Execute(ctx, &ResolveCandidatesRequest{})
		require.NoError(t, err)
		require.True(t, resp.Candidates.IsEmpty())
	})
}

func TestResolveCandidatesRespectsExistingAllocations(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	rp := testfixtures.CreateProvider(t, ds, "compute", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 8)

	consumer := testfixtures.EnsureConsumer(t, ds, "11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222", "")
	testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"VCPU": 6})

	cmd := NewResolveCandidatesCommand(ds, logger.NewNoopLogger())

	resp, err := cmd.Execute(ctx, &ResolveCandidatesRequest{
		Resources: map[string]int64{"VCPU": 2},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Candidates.Len())

	resp, err = cmd.Execute(ctx, &ResolveCandidatesRequest{
		Resources: map[string]int64{"VCPU": 3},
	})
	require.NoError(t, err)
	require.True(t, resp.Candidates.IsEmpty())
}
