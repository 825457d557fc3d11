package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/logger"
	"github.com/placer-project/placer/pkg/server/commands"
	serverconfig "github.com/placer-project/placer/pkg/server/config"
	"github.com/placer-project/placer/pkg/storage/memory"
	"github.com/placer-project/placer/pkg/testfixtures"
	"github.com/placer-project/placer/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *memory.MemoryBackend) {
	t.Helper()

	ds := memory.New()
	t.Cleanup(ds.Close)

	s := New(&Dependencies{
		Datastore: ds,
		Logger:    logger.NewNoopLogger(),
	}, NewConfig(serverconfig.DefaultConfig()))
	return s, ds
}

func TestServerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, ds := newTestServer(t)

	rp := testfixtures.CreateProvider(t, ds, "compute", "")
	testfixtures.AddInventory(t, ds, rp, "VCPU", 8)

	consumerUUID := "33333333-3333-3333-3333-333333333333"
	writeResp, err := s.ReplaceAllocations(ctx, &commands.ReplaceAllocationsRequest{
		ConsumerUUID: consumerUUID,
		ProjectUUID:  "11111111-1111-1111-1111-111111111111",
		UserUUID:     "22222222-2222-2222-2222-222222222222",
		Allocations: []types.Allocation{{
			ConsumerUUID:  consumerUUID,
			ProviderUUID:  rp.UUID,
			ResourceClass: "VCPU",
			Used:          6,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), writeResp.Generation)

	resolveResp, err := s.ResolveCandidates(ctx, &commands.ResolveCandidatesRequest{
		Resources: map[string]int64{"VCPU": 2},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resolveResp.Candidates.Len())

	resolveResp, err = s.ResolveCandidates(ctx, &commands.ResolveCandidatesRequest{
		Resources: map[string]int64{"VCPU": 4},
	})
	require.NoError(t, err)
	require.True(t, resolveResp.Candidates.IsEmpty())
}

func TestServerIsReady(t *testing.T) {
	s, _ := newTestServer(t)

	ready, err := s.IsReady(context.Background())
	require.NoError(t, err)
	require.True(t, ready)
}
