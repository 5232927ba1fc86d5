package kernel

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// chain is a linked list in a map: node address to next address.
type chain map[uint64]uint64

func (c chain) visit(addr uint64) (uint64, uint64, error) {
	next, ok := c[addr]
	if !ok {
		return 0, 0, errors.New("bad node")
	}
	return addr * 10, next, nil
}

func addrs(q Queue[uint64]) []uint64 {
	r := []uint64{}
	for _, n := range q.Nodes {
		r = append(r, n.Addr)
	}
	return r
}

func TestTraverse(t *testing.T) {
	tests := []struct {
		name      string
		links     chain
		head      uint64
		max       int
		want      []uint64
		truncated bool
		cycle     bool
		err       bool
	}{
		{"empty", chain{}, 0, 20, []uint64{}, false, false, false},
		{"single", chain{1: 0}, 1, 20, []uint64{1}, false, false, false},
		{"chain", chain{1: 2, 2: 3, 3: 0}, 1, 20, []uint64{1, 2, 3}, false, false, false},
		{"exactly max", chain{1: 2, 2: 3, 3: 0}, 1, 3, []uint64{1, 2, 3}, false, false, false},
		{"truncated", chain{1: 2, 2: 3, 3: 4, 4: 0}, 1, 2, []uint64{1, 2}, true, false, false},
		{"bound one", chain{1: 2, 2: 0}, 1, 1, []uint64{1}, true, false, false},
		{"self loop", chain{1: 1}, 1, 20, []uint64{1}, false, true, false},
		{"back reference", chain{1: 2, 2: 3, 3: 2}, 1, 20, []uint64{1, 2, 3}, false, true, false},
		{"cycle at the bound", chain{1: 2, 2: 3, 3: 1}, 1, 3, []uint64{1, 2, 3}, false, true, false},
		{"cycle beyond the bound", chain{1: 2, 2: 3, 3: 1}, 1, 2, []uint64{1, 2}, true, false, false},
		{"bad node", chain{1: 2, 2: 5}, 1, 20, []uint64{1, 2}, false, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := Traverse(tc.head, tc.max, tc.links.visit)
			if diff := cmp.Diff(tc.want, addrs(q)); diff != "" {
				t.Errorf("nodes mismatch (-want +got):\n%s", diff)
			}
			if q.Truncated != tc.truncated || q.CycleDetected != tc.cycle || (q.Err != nil) != tc.err {
				t.Errorf("flags: truncated=%v cycle=%v err=%v", q.Truncated, q.CycleDetected, q.Err)
			}
			for _, n := range q.Nodes {
				if n.Value != n.Addr*10 {
					t.Errorf("node %#x has value %d", n.Addr, n.Value)
				}
			}
		})
	}
}

func TestTraverseLongCycleTerminates(t *testing.T) {
	links := chain{}
	const n = 1000
	for i := uint64(1); i < n; i++ {
		links[i] = i + 1
	}
	links[n] = 1
	q := Traverse(1, n+5, links.visit)
	if !q.CycleDetected || q.Len() != n {
		t.Fatalf("cycle of %d nodes: len=%d cycle=%v", n, q.Len(), q.CycleDetected)
	}
}
