package consensus

import "sort"

// Elector maps a view to its leader.
type Elector interface{ LeaderOf(v View) NodeID }

// SortedElector rotates leadership over the lexicographically sorted agent
// ids: leader(view) = ids[view mod n]. Every replica derives the same order
// from the same membership, so election needs no communication.
type SortedElector struct{ IDs []NodeID }

func NewSortedElector(ids []NodeID) SortedElector {
	sorted := append([]NodeID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return SortedElector{IDs: sorted}
}

func (e SortedElector) LeaderOf(v View) NodeID {
	if len(e.IDs) == 0 {
		return NodeID("unknown")
	}
	return e.IDs[int(uint64(v)%uint64(len(e.IDs)))]
}
