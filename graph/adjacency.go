package graph

// Direction selects which adjacency list neighbors/BFS walk.
type Direction int

const (
	DirOut Direction = iota
	DirIn
	DirBoth
)

// edgeLookup fetches the edge with the given id; returning ok=false
// signals the edge is not (or no longer) visible to the caller's
// snapshot, in which case the walk must stop rather than dereference a
// stale chain link.
type edgeLookup func(id uint64) (*Edge, bool, error)

// walkChain follows a singly linked adjacency chain (NextOut or
// NextIn, picked by next) starting at head, calling visit for each
// edge. It stops if visit returns false or the chain runs out.
func walkChain(head uint64, lookup edgeLookup, next func(*Edge) uint64, visit func(*Edge) bool) error {
	id := head
	for id != 0 {
		e, ok, err := lookup(id)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !visit(e) {
			return nil
		}
		id = next(e)
	}
	return nil
}

// Neighbors returns the node ids reachable from nodeID via edges in
// the given direction, optionally filtered to one edge type: one entry
// per matching edge, so a node reached by several edges appears once
// per edge.
// Each new edge is prepended to OutHead/InHead, so the walk visits
// them in reverse-insertion order: the most recently created edge of
// a given type comes back first.
func Neighbors(node *Node, dir Direction, typeFilter string, lookup edgeLookup) ([]uint64, error) {
	var out []uint64
	visit := func(e *Edge) bool {
		if typeFilter != "" && e.Type != typeFilter {
			return true
		}
		out = append(out, otherEnd(e, node.ID, dir))
		return true
	}
	if dir == DirOut || dir == DirBoth {
		if err := walkChain(node.OutHead, lookup, func(e *Edge) uint64 { return e.NextOut }, visit); err != nil {
			return nil, err
		}
	}
	if dir == DirIn || dir == DirBoth {
		if err := walkChain(node.InHead, lookup, func(e *Edge) uint64 { return e.NextIn }, visit); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func otherEnd(e *Edge, from uint64, dir Direction) uint64 {
	if dir == DirOut {
		return e.Target
	}
	if dir == DirIn {
		return e.Source
	}
	if e.Source == from {
		return e.Target
	}
	return e.Source
}
