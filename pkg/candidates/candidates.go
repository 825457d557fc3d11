// Package candidates implements the allocation-candidate set algebra used by
// candidate resolution. A List tracks (provider, root, resource class)
// triples for providers nominated as able to supply a requested resource
// class, and supports the tree-wise joins and provider/tree filters that
// multi-resource-class resolution is built from.
//
// A List is a pure in-memory value: no I/O, no locking. Resolution builds
// one List per requested resource class and merges them with
// MergeCommonTrees.
package candidates

// Candidate nominates a resource provider as able to supply one resource
// class. RootUUID is the root of the provider's tree; for a root provider it
// equals UUID. Uniqueness is by the full triple, so one provider may appear
// once per resource class.
type Candidate struct {
	UUID          string
	RootUUID      string
	ResourceClass string
}

// Anchor is a (provider, root) pair, the granularity at which storage
// reports providers with spare capacity.
type Anchor struct {
	UUID     string
	RootUUID string
}

// List is a set of Candidate triples. Every mutator replaces the internal
// set, so Lists handed out by filters behave as independent snapshots.
// The zero value is an empty, usable List.
type List struct {
	members map[Candidate]struct{}
}

// NewList returns an empty List.
func NewList() *List {
	return &List{members: make(map[Candidate]struct{})}
}

// Len returns the number of candidate triples in the list.
func (l *List) Len() int {
	return len(l.members)
}

// IsEmpty reports whether the list holds no candidates.
func (l *List) IsEmpty() bool {
	return len(l.members) == 0
}

// AddProviders unions in one candidate per anchor, tagged with the given
// resource class. Re-adding an existing triple is a no-op.
func (l *List) AddProviders(anchors []Anchor, resourceClass string) {
	if l.members == nil {
		l.members = make(map[Candidate]struct{}, len(anchors))
	}
	for _, a := range anchors {
		l.members[Candidate{
			UUID:          a.UUID,
			RootUUID:      a.RootUUID,
			ResourceClass: resourceClass,
		}] = struct{}{}
	}
}

// FilterByTree keeps only candidates whose root is in treeUUIDs.
func (l *List) FilterByTree(treeUUIDs map[string]struct{}) {
	kept := make(map[Candidate]struct{}, len(l.members))
	for c := range l.members {
		if _, ok := treeUUIDs[c.RootUUID]; ok {
			kept[c] = struct{}{}
		}
	}
	l.members = kept
}

// FilterByProvider keeps only candidates whose exact (provider, root) pair
// is in anchors.
func (l *List) FilterByProvider(anchors map[Anchor]struct{}) {
	kept := make(map[Candidate]struct{}, len(l.members))
	for c := range l.members {
		if _, ok := anchors[Anchor{UUID: c.UUID, RootUUID: c.RootUUID}]; ok {
			kept[c] = struct{}{}
		}
	}
	l.members = kept
}

// FilterByProviderOrTree keeps a candidate if its own UUID or its root UUID
// is in uuids. Used for "provider requested directly or as part of a
// requested tree".
func (l *List) FilterByProviderOrTree(uuids map[string]struct{}) {
	kept := make(map[Candidate]struct{}, len(l.members))
	for c := range l.members {
		if touches(c, uuids) {
			kept[c] = struct{}{}
		}
	}
	l.members = kept
}

// FilterByProviderNorTree drops a candidate if its own UUID or its root UUID
// is in uuids. The exact complement of FilterByProviderOrTree.
func (l *List) FilterByProviderNorTree(uuids map[string]struct{}) {
	kept := make(map[Candidate]struct{}, len(l.members))
	for c := range l.members {
		if !touches(c, uuids) {
			kept[c] = struct{}{}
		}
	}
	l.members = kept
}

func touches(c Candidate, uuids map[string]struct{}) bool {
	if _, ok := uuids[c.UUID]; ok {
		return true
	}
	_, ok := uuids[c.RootUUID]
	return ok
}

// MergeCommonTrees joins this list with the candidates for another resource
// class. If the receiver is empty it adopts other wholesale; if other is
// empty the receiver is unchanged. Otherwise the result is the union of both
// sets filtered down to trees present in both: a tree only remains a
// candidate if every resource class can be supplied somewhere within it, but
// once a tree qualifies all of its entries across classes are retained,
// since siblings within the tree may each supply a different class.
func (l *List) MergeCommonTrees(other *List) {
	switch {
	case l.IsEmpty():
		l.members = make(map[Candidate]struct{}, other.Len())
		for c := range other.members {
			l.members[c] = struct{}{}
		}
	case other.IsEmpty():
		// The other class contributed nothing; earlier results stand.
	default:
		common := intersect(l.Trees(), other.Trees())
		for c := range other.members {
			l.members[c] = struct{}{}
		}
		l.FilterByTree(common)
	}
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// RPs returns the set of distinct nominated provider UUIDs.
func (l *List) RPs() map[string]struct{} {
	out := make(map[string]struct{}, len(l.members))
	for c := range l.members {
		out[c.UUID] = struct{}{}
	}
	return out
}

// Trees returns the set of nominated trees, each expressed by its root
// provider UUID.
func (l *List) Trees() map[string]struct{} {
	out := make(map[string]struct{}, len(l.members))
	for c := range l.members {
		out[c.RootUUID] = struct{}{}
	}
	return out
}

// AllRPs returns the union of RPs and Trees: every provider UUID involved,
// which tree-wide exclusion filters must account for.
func (l *List) AllRPs() map[string]struct{} {
	out := l.RPs()
	for c := range l.members {
		out[c.RootUUID] = struct{}{}
	}
	return out
}

// Info returns a snapshot of the candidate triples.
func (l *List) Info() []Candidate {
	out := make([]Candidate, 0, len(l.members))
	for c := range l.members {
		out = append(out, c)
	}
	return out
}
