package commands

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/logger"
	serverErrors "github.com/placer-project/placer/pkg/server/errors"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/storage/memory"
	"github.com/placer-project/placer/pkg/testfixtures"
	"github.com/placer-project/placer/pkg/types"
)

const (
	testProjectUUID  = "11111111-1111-1111-1111-111111111111"
	testUserUUID     = "22222222-2222-2222-2222-222222222222"
	testConsumerUUID = "33333333-3333-3333-3333-333333333333"
)

// staleReader hands out consumers with an outdated generation for the first
// few reads, forcing the command into its conflict-retry path.
type staleReader struct {
	storage.PlacerDatastore
	staleReads int
}

func (s *staleReader) GetConsumer(ctx context.Context, uuid string) (*types.Consumer, error) {
	consumer, err := s.PlacerDatastore.GetConsumer(ctx, uuid)
	if err == nil && s.staleReads > 0 {
		s.staleReads--
		consumer.Generation--
	}
	return consumer, err
}

func TestReplaceAllocationsCreatesConsumerLazily(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	rp := testfixtures.CreateProvider(t, ds, "compute", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 8)

	cmd := NewReplaceAllocationsCommand(ds, logger.NewNoopLogger())

	resp, err := cmd.Execute(ctx, &ReplaceAllocationsRequest{
		ConsumerUUID: testConsumerUUID,
		ProjectUUID:  testProjectUUID,
		UserUUID:     testUserUUID,
		Allocations: []types.Allocation{{
			ConsumerUUID:  testConsumerUUID,
			ProviderUUID:  rp.UUID,
			ResourceClass: "VCPU",
			Used:          2,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.Generation)

	consumer, err := ds.GetConsumer(ctx, testConsumerUUID)
	require.NoError(t, err)
	require.Equal(t, int64(1), consumer.Generation)
	require.NotNil(t, consumer.Project)
	require.Equal(t, testProjectUUID, consumer.Project.UUID)
	require.NotNil(t, consumer.User)
	require.Equal(t, testUserUUID, consumer.User.UUID)

	allocs, err := ds.ListAllocations(ctx, testConsumerUUID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.Equal(t, int64(2), allocs[0].Used)
}

func TestReplaceAllocationsRetriesGenerationRace(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	rp := testfixtures.CreateProvider(t, ds, "compute", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 8)
	consumer := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, testConsumerUUID)
	testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"VCPU": 1})

	conflicts := 0
	stale := &staleReader{PlacerDatastore: ds, staleReads: 1}
	cmd := NewReplaceAllocationsCommand(stale, logger.NewNoopLogger(),
		WithConflictHook(func() { conflicts++ }),
	)

	resp, err := cmd.Execute(ctx, &ReplaceAllocationsRequest{
		ConsumerUUID: testConsumerUUID,
		ProjectUUID:  testProjectUUID,
		UserUUID:     testUserUUID,
		Allocations: []types.Allocation{{
			ConsumerUUID:  testConsumerUUID,
			ProviderUUID:  rp.UUID,
			ResourceClass: "VCPU",
			Used:          3,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, conflicts)
	require.Equal(t, consumer.Generation+1, resp.Generation)

	allocs, err := ds.ListAllocations(ctx, testConsumerUUID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.Equal(t, int64(3), allocs[0].Used)
}

func TestReplaceAllocationsExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	rp := testfixtures.CreateProvider(t, ds, "compute", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 8)
	consumer := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, testConsumerUUID)
	testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"VCPU": 1})

	conflicts := 0
	stale := &staleReader{PlacerDatastore: ds, staleReads: 100}
	cmd := NewReplaceAllocationsCommand(stale, logger.NewNoopLogger(),
		WithMaxConflictRetries(2),
		WithConflictHook(func() { conflicts++ }),
	)

	_, err := cmd.Execute(ctx, &ReplaceAllocationsRequest{
		ConsumerUUID: testConsumerUUID,
		ProjectUUID:  testProjectUUID,
		UserUUID:     testUserUUID,
		Allocations:  nil,
	})
	require.ErrorIs(t, err, serverErrors.ErrConflictRetriesExhausted)
	// Initial attempt plus two retries.
	require.Equal(t, 3, conflicts)

	// The losing writes left no partial state behind.
	allocs, err := ds.ListAllocations(ctx, testConsumerUUID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.Equal(t, int64(1), allocs[0].Used)
}

func TestReplaceAllocationsEmptySetClears(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	rp := testfixtures.CreateProvider(t, ds, "compute", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 8)
	consumer := testfixtures.EnsureConsumer(t, ds, testProjectUUID, testUserUUID, testConsumerUUID)
	testfixtures.SetAllocation(t, ds, rp, consumer, map[string]int64{"VCPU": 2})

	cmd := NewReplaceAllocationsCommand(ds, logger.NewNoopLogger())
	resp, err := cmd.Execute(ctx, &ReplaceAllocationsRequest{
		ConsumerUUID: testConsumerUUID,
		ProjectUUID:  testProjectUUID,
		UserUUID:     testUserUUID,
		Allocations:  nil,
	})
	require.NoError(t, err)
	require.Equal(t, consumer.Generation+1, resp.Generation)

	allocs, err := ds.ListAllocations(ctx, testConsumerUUID)
	require.NoError(t, err)
	require.Empty(t, allocs)
}

func TestReplaceAllocationsInvalidOwnerUUID(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	defer ds.Close()

	cmd := NewReplaceAllocationsCommand(ds, logger.NewNoopLogger())
	_, err := cmd.Execute(ctx, &ReplaceAllocationsRequest{
		ConsumerUUID: testConsumerUUID,
		ProjectUUID:  "not-a-uuid",
		UserUUID:     testUserUUID,
	})
	require.True(t, errors.Is(err, serverErrors.ErrInvalidUUID))
}
