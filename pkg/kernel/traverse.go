package kernel

// Node is an element of a traversed list.
type Node[T any] struct {
	Addr  uint64
	Value T
}

// Queue is the result of walking a linked list in target memory.
type Queue[T any] struct {
	Nodes []Node[T]

	// Truncated is set when the walk stopped after the maximum number of
	// nodes while the list continued.
	Truncated bool
	// CycleDetected is set when the list links back to a node already
	// visited.
	CycleDetected bool
	// Err is the error that stopped the walk, if any. Nodes decoded before
	// it are kept.
	Err error
}

// Len returns the number of decoded nodes.
func (q Queue[T]) Len() int {
	return len(q.Nodes)
}

// Traverse walks the list starting at head. For every node visit decodes
// the node at addr and returns its value and the address of the next
// node, 0 at the end of the list. At most maxNodes nodes are visited.
//
// The walk never loops: a link to an address already visited stops it
// with CycleDetected set, even when maxNodes nodes were already taken.
func Traverse[T any](head uint64, maxNodes int, visit func(addr uint64) (T, uint64, error)) Queue[T] {
	var q Queue[T]
	visited := make(map[uint64]struct{})
	for p := head; p != 0; {
		if _, seen := visited[p]; seen {
			q.CycleDetected = true
			break
		}
		if len(q.Nodes) >= maxNodes {
			q.Truncated = true
			break
		}
		visited[p] = struct{}{}
		v, next, err := visit(p)
		if err != nil {
			q.Err = err
			break
		}
		q.Nodes = append(q.Nodes, Node[T]{Addr: p, Value: v})
		p = next
	}
	return q
}
