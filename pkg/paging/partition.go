package paging

import "sort"

// Partition names, indexed by the constant holding the first root table
// entry of the partition.
var partitionConstants = []struct {
	constant, name string
}{
	{"I_SIS_C", "sistema/condiviso"},
	{"I_SIS_P", "sistema/privato"},
	{"I_MIO_C", "IO/condiviso"},
	{"I_UTN_C", "utente/condiviso"},
	{"I_UTN_P", "utente/privato"},
}

type partition struct {
	first uint64
	name  string
}

// Layout maps root table entries to the memory partitions of nucleo.
type Layout struct {
	levels     int
	partitions []partition
}

// NewLayout builds the partition layout from the I_* constants. Constants
// missing from consts are left out. The result is empty if none are
// present.
func NewLayout(levels int, consts map[string]int64) *Layout {
	l := &Layout{levels: levels}
	for _, pc := range partitionConstants {
		if v, ok := consts[pc.constant]; ok && v >= 0 {
			l.partitions = append(l.partitions, partition{uint64(v), pc.name})
		}
	}
	sort.SliceStable(l.partitions, func(i, j int) bool {
		return l.partitions[i].first < l.partitions[j].first
	})
	return l
}

// Partition returns the name of the partition containing va, or the empty
// string if it is not known. A partition extends to the next one, the last
// one to the end of the root table.
func (l *Layout) Partition(va uint64) string {
	if l == nil || l.levels < 1 {
		return ""
	}
	idx := Index(va, l.levels)
	name := ""
	for _, p := range l.partitions {
		if p.first > idx {
			break
		}
		name = p.name
	}
	return name
}
