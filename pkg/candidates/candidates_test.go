package candidates

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var candidateCmpTransformer = cmp.Transformer("Sort", func(in []Candidate) []Candidate {
	out := append([]Candidate(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].UUID != out[j].UUID {
			return out[i].UUID < out[j].UUID
		}
		if out[i].RootUUID != out[j].RootUUID {
			return out[i].RootUUID < out[j].RootUUID
		}
		return out[i].ResourceClass < out[j].ResourceClass
	})
	return out
})

func uuidSet(uuids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(uuids))
	for _, u := range uuids {
		out[u] = struct{}{}
	}
	return out
}

func listOf(cands ...Candidate) *List {
	l := NewList()
	for _, c := range cands {
		l.AddProviders([]Anchor{{UUID: c.UUID, RootUUID: c.RootUUID}}, c.ResourceClass)
	}
	return l
}

func TestAddProvidersSetSemantics(t *testing.T) {
	l := NewList()
	l.AddProviders([]Anchor{{UUID: "p1", RootUUID: "p1"}}, "DISK_GB")
	l.AddProviders([]Anchor{{UUID: "p1", RootUUID: "p1"}}, "DISK_GB")
	require.Equal(t, 1, l.Len())

	// Same provider under a second class is a distinct triple.
	l.AddProviders([]Anchor{{UUID: "p1", RootUUID: "p1"}}, "VCPU")
	require.Equal(t, 2, l.Len())
}

func TestZeroValueListUsable(t *testing.T) {
	var l List
	require.True(t, l.IsEmpty())
	l.AddProviders([]Anchor{{UUID: "p1", RootUUID: "p1"}}, "VCPU")
	require.Equal(t, 1, l.Len())
}

func TestMergeCommonTreesBootstrap(t *testing.T) {
	// Empty receiver adopts the other list wholesale.
	a := NewList()
	b := listOf(
		Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
	)
	a.MergeCommonTrees(b)
	require.Empty(t, cmp.Diff(b.Info(), a.Info(), candidateCmpTransformer))

	// The adopted members must not alias the source list.
	b.AddProviders([]Anchor{{UUID: "p9", RootUUID: "p9"}}, "VCPU")
	require.Equal(t, 2, a.Len())
}

func TestMergeCommonTreesEmptyOtherIsNoOp(t *testing.T) {
	a := listOf(
		Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
	)
	before := a.Info()
	a.MergeCommonTrees(NewList())
	require.Empty(t, cmp.Diff(before, a.Info(), candidateCmpTransformer))
}

func TestMergeCommonTreesDisjointTreesYieldEmpty(t *testing.T) {
	a := listOf(Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"})
	b := listOf(Candidate{UUID: "p2", RootUUID: "p2", ResourceClass: "VCPU"})
	a.MergeCommonTrees(b)
	require.True(t, a.IsEmpty())
}

func TestMergeCommonTreesRetainsWholeQualifyingTrees(t *testing.T) {
	a := listOf(
		Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
		Candidate{UUID: "p3", RootUUID: "p3", ResourceClass: "DISK_GB"},
	)
	b := listOf(
		Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p3", RootUUID: "p3", ResourceClass: "VCPU"},
	)
	a.MergeCommonTrees(b)

	// Both trees appear in both lists, so the whole union survives,
	// including p2 which only the first list nominated.
	want := []Candidate{
		{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
		{UUID: "p3", RootUUID: "p3", ResourceClass: "DISK_GB"},
		{UUID: "p3", RootUUID: "p3", ResourceClass: "VCPU"},
	}
	require.Empty(t, cmp.Diff(want, a.Info(), candidateCmpTransformer))
}

func TestFilterByTree(t *testing.T) {
	l := listOf(
		Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
		Candidate{UUID: "p3", RootUUID: "p3", ResourceClass: "DISK_GB"},
	)
	l.FilterByTree(uuidSet("p3"))
	want := []Candidate{{UUID: "p3", RootUUID: "p3", ResourceClass: "DISK_GB"}}
	require.Empty(t, cmp.Diff(want, l.Info(), candidateCmpTransformer))
}

func TestFilterByProvider(t *testing.T) {
	l := listOf(
		Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
	)
	l.FilterByProvider(map[Anchor]struct{}{
		{UUID: "p2", RootUUID: "p1"}: {},
	})
	want := []Candidate{{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"}}
	require.Empty(t, cmp.Diff(want, l.Info(), candidateCmpTransformer))
}

func TestOrAndNorFiltersPartitionTheSet(t *testing.T) {
	members := []Candidate{
		{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
		{UUID: "p3", RootUUID: "p3", ResourceClass: "DISK_GB"},
		{UUID: "p4", RootUUID: "p4", ResourceClass: "MEMORY_MB"},
	}
	for _, filter := range []map[string]struct{}{
		uuidSet("p1"),
		uuidSet("p2"),
		uuidSet("p3", "p4"),
		uuidSet("nonexistent"),
		uuidSet(),
	} {
		kept := listOf(members...)
		dropped := listOf(members...)
		kept.FilterByProviderOrTree(filter)
		dropped.FilterByProviderNorTree(filter)

		require.Equal(t, len(members), kept.Len()+dropped.Len())
		union := append(kept.Info(), dropped.Info()...)
		require.Empty(t, cmp.Diff(members, union, candidateCmpTransformer))
	}
}

func TestFilterByProviderOrTreeMatchesRoot(t *testing.T) {
	l := listOf(
		Candidate{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
		Candidate{UUID: "p3", RootUUID: "p3", ResourceClass: "DISK_GB"},
	)
	// p2 is kept through its root even though p2 itself is not named.
	l.FilterByProviderOrTree(uuidSet("p1"))
	want := []Candidate{{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"}}
	require.Empty(t, cmp.Diff(want, l.Info(), candidateCmpTransformer))
}

func TestDerivedViews(t *testing.T) {
	l := listOf(
		Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
		Candidate{UUID: "p3", RootUUID: "p3", ResourceClass: "DISK_GB"},
	)
	require.Equal(t, uuidSet("p1", "p2", "p3"), l.RPs())
	require.Equal(t, uuidSet("p1", "p3"), l.Trees())
	require.Equal(t, uuidSet("p1", "p2", "p3"), l.AllRPs())
}

func TestViewContainmentAfterMutations(t *testing.T) {
	l := listOf(
		Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p2", RootUUID: "p1", ResourceClass: "VCPU"},
		Candidate{UUID: "p3", RootUUID: "p3", ResourceClass: "DISK_GB"},
		Candidate{UUID: "p4", RootUUID: "p3", ResourceClass: "VCPU"},
	)
	l.FilterByProviderNorTree(uuidSet("p4"))
	l.FilterByTree(uuidSet("p1"))
	l.MergeCommonTrees(listOf(Candidate{UUID: "p1", RootUUID: "p1", ResourceClass: "VCPU"}))

	all := l.AllRPs()
	for rp := range l.RPs() {
		require.Contains(t, all, rp)
	}
	for tree := range l.Trees() {
		require.Contains(t, all, tree)
	}

	// FilterByTree removed every candidate rooted at p3.
	require.NotContains(t, l.Trees(), "p3")
	for _, c := range l.Info() {
		require.Equal(t, "p1", c.RootUUID)
	}
}
