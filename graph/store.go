package graph

import (
	"sort"

	"github.com/feldmond/sombra/errs"
	"github.com/feldmond/sombra/index"
	"github.com/feldmond/sombra/mvcc"
)

// Roots is the set of index root page ids and id counters persisted in
// the database header (§6) — everything the graph layer needs to
// reopen itself against an existing file.
type Roots struct {
	NodeIndexRoot  uint64
	EdgeIndexRoot  uint64
	LabelIndexRoot uint64
	PropIndexRoot  uint64
	NextNodeID     uint64
	NextEdgeID     uint64
}

// Store is the graph engine: node/edge CRUD, adjacency maintenance,
// and label/property lookups, layered over the primary indexes, the
// posting indexes, and MVCC version chains (§4.5, §4.6, §4.7).
type Store struct {
	NodeIndex  *index.PrimaryIndex
	EdgeIndex  *index.PrimaryIndex
	LabelIndex *index.PostingIndex
	PropIndex  *index.PostingIndex
	NodeChains *mvcc.Chains
	EdgeChains *mvcc.Chains

	NextNodeID uint64
	NextEdgeID uint64
}

// New creates a brand-new, empty graph store (used when initializing a
// fresh database).
func New(w index.PageWriter, rs mvcc.RecordGetter) (*Store, error) {
	nodeIdx, err := index.NewPrimaryIndex(w)
	if err != nil {
		return nil, err
	}
	edgeIdx, err := index.NewPrimaryIndex(w)
	if err != nil {
		return nil, err
	}
	labelIdx, err := index.NewPostingIndex(w)
	if err != nil {
		return nil, err
	}
	propIdx, err := index.NewPostingIndex(w)
	if err != nil {
		return nil, err
	}
	return &Store{
		NodeIndex:  nodeIdx,
		EdgeIndex:  edgeIdx,
		LabelIndex: labelIdx,
		PropIndex:  propIdx,
		NodeChains: mvcc.NewChains(nodeIdx, rs),
		EdgeChains: mvcc.NewChains(edgeIdx, rs),
		NextNodeID: 1,
		NextEdgeID: 1,
	}, nil
}

// Open reattaches a graph store to previously persisted roots. rs may
// be a *storage.RecordStore (inside a write transaction) or a
// *storage.RecordReader (a read-only transaction against the last
// committed state); either satisfies mvcc.RecordGetter.
func Open(roots Roots, rs mvcc.RecordGetter) *Store {
	nodeIdx := index.OpenPrimaryIndex(roots.NodeIndexRoot)
	edgeIdx := index.OpenPrimaryIndex(roots.EdgeIndexRoot)
	return &Store{
		NodeIndex:  nodeIdx,
		EdgeIndex:  edgeIdx,
		LabelIndex: index.OpenPostingIndex(roots.LabelIndexRoot),
		PropIndex:  index.OpenPostingIndex(roots.PropIndexRoot),
		NodeChains: mvcc.NewChains(nodeIdx, rs),
		EdgeChains: mvcc.NewChains(edgeIdx, rs),
		NextNodeID: roots.NextNodeID,
		NextEdgeID: roots.NextEdgeID,
	}
}

// Roots returns the current root pointers and id counters, for
// persisting into the header at commit.
func (s *Store) Roots() Roots {
	return Roots{
		NodeIndexRoot:  s.NodeIndex.RootPageID(),
		EdgeIndexRoot:  s.EdgeIndex.RootPageID(),
		LabelIndexRoot: s.LabelIndex.RootPageID(),
		PropIndexRoot:  s.PropIndex.RootPageID(),
		NextNodeID:     s.NextNodeID,
		NextEdgeID:     s.NextEdgeID,
	}
}

func labelTerm(label string) string { return "label:" + label }

// propTerm builds the posting key for a (label, property key, value)
// triple (§4.5). The value's canonical encoding is embedded so that
// distinct kinds/values never collide, and equal values always
// produce the same term.
func propTerm(label, key string, value PropertyValue) string {
	return "prop:" + label + "\x00" + key + "\x00" + string(value.encode(nil))
}

func labelTerms(labels []string) []string {
	terms := make([]string, len(labels))
	for i, l := range labels {
		terms[i] = labelTerm(l)
	}
	return terms
}

func propTerms(labels []string, props *PropertySet) []string {
	var terms []string
	for _, l := range labels {
		for _, f := range props.Fields() {
			terms = append(terms, propTerm(l, f.Key, f.Value))
		}
	}
	return terms
}

// indexNode adds every label/property posting for node n.
func (s *Store) indexNode(w index.PageWriter, n *Node) error {
	for _, term := range labelTerms(n.Labels) {
		if err := s.LabelIndex.Add(w, term, n.ID); err != nil {
			return err
		}
	}
	for _, term := range propTerms(n.Labels, n.Properties) {
		if err := s.PropIndex.Add(w, term, n.ID); err != nil {
			return err
		}
	}
	return nil
}

// unindexNode removes every label/property posting for node n.
func (s *Store) unindexNode(w index.PageWriter, n *Node) error {
	for _, term := range labelTerms(n.Labels) {
		if err := s.LabelIndex.Remove(w, term, n.ID); err != nil {
			return err
		}
	}
	for _, term := range propTerms(n.Labels, n.Properties) {
		if err := s.PropIndex.Remove(w, term, n.ID); err != nil {
			return err
		}
	}
	return nil
}

// stagedNode returns id's node, as staged by txID if it already has an
// uncommitted version this transaction, else its latest committed
// version (visible at snapshotTS). This is how a write tx reads its
// own writes within the same transaction (§4.6).
func (s *Store) stagedNode(r index.PageReader, id uint64, snapshotTS, txID uint64) (*Node, error) {
	v, ok, err := s.NodeChains.Visible(r, id, snapshotTS, txID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.KindNotFound, "graph: node not found")
	}
	return DecodeNode(v.Data)
}

func (s *Store) stagedEdge(r index.PageReader, id uint64, snapshotTS, txID uint64) (*Edge, error) {
	v, ok, err := s.EdgeChains.Visible(r, id, snapshotTS, txID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.KindNotFound, "graph: edge not found")
	}
	return DecodeEdge(v.Data)
}

// CreateNode allocates a new node id and stages its initial version.
func (s *Store) CreateNode(w index.PageWriter, txID uint64, labels []string, properties *PropertySet) (uint64, error) {
	id := s.NextNodeID
	s.NextNodeID++
	return id, s.putNode(w, txID, id, labels, properties)
}

// ImportNode stages node id with its labels/properties as a fresh
// version, indexed exactly as CreateNode would, but at a caller-chosen
// id instead of the next allocated one. Used by vacuum(into) to carry
// node ids across into a fresh store.
func (s *Store) ImportNode(w index.PageWriter, txID uint64, id uint64, labels []string, properties *PropertySet) error {
	if err := s.putNode(w, txID, id, labels, properties); err != nil {
		return err
	}
	if id >= s.NextNodeID {
		s.NextNodeID = id + 1
	}
	return nil
}

func (s *Store) putNode(w index.PageWriter, txID uint64, id uint64, labels []string, properties *PropertySet) error {
	n := NewNode(labels, properties)
	n.ID = id
	if err := s.NodeChains.Put(w, id, txID, mvcc.StateActive, n.Encode()); err != nil {
		return err
	}
	return s.indexNode(w, n)
}

// GetNode returns the node visible to the given snapshot/tx.
func (s *Store) GetNode(r index.PageReader, id uint64, snapshotTS, txID uint64) (*Node, error) {
	return s.stagedNode(r, id, snapshotTS, txID)
}

// UpdateNode applies property sets/unsets to node id, re-indexing any
// changed label or property postings.
func (s *Store) UpdateNode(w index.PageWriter, txID uint64, id uint64, snapshotTS uint64, set []Property, unset []string) error {
	n, err := s.stagedNode(w, id, snapshotTS, txID)
	if err != nil {
		return err
	}
	if err := s.unindexNode(w, n); err != nil {
		return err
	}
	for _, key := range unset {
		n.Properties.Unset(key)
	}
	for _, f := range set {
		n.Properties.Set(f.Key, f.Value)
	}
	if err := s.indexNode(w, n); err != nil {
		return err
	}
	return s.NodeChains.Put(w, id, txID, mvcc.StateActive, n.Encode())
}

// DeleteNode removes node id. With cascade=false, fails with conflict
// if the node has any incident edges; with cascade=true, deletes them
// first.
func (s *Store) DeleteNode(w index.PageWriter, txID uint64, id uint64, snapshotTS uint64, cascade bool) error {
	n, err := s.stagedNode(w, id, snapshotTS, txID)
	if err != nil {
		return err
	}
	if n.OutHead != 0 || n.InHead != 0 {
		if !cascade {
			return errs.New(errs.KindConflict, "graph: delete_node without cascade while edges exist")
		}
		if err := s.deleteIncidentEdges(w, txID, n, snapshotTS); err != nil {
			return err
		}
		// re-read: deleting edges updated this node's adjacency heads
		n, err = s.stagedNode(w, id, snapshotTS, txID)
		if err != nil {
			return err
		}
	}
	if err := s.unindexNode(w, n); err != nil {
		return err
	}
	return s.NodeChains.Put(w, id, txID, mvcc.StateDeleted, nil)
}

func (s *Store) deleteIncidentEdges(w index.PageWriter, txID uint64, n *Node, snapshotTS uint64) error {
	var ids []uint64
	collect := func(e *Edge) bool { ids = append(ids, e.ID); return true }
	lookup := func(id uint64) (*Edge, bool, error) {
		e, err := s.stagedEdge(w, id, snapshotTS, txID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				return nil, false, nil
			}
			return nil, false, err
		}
		return e, true, nil
	}
	if err := walkChain(n.OutHead, lookup, func(e *Edge) uint64 { return e.NextOut }, collect); err != nil {
		return err
	}
	if err := walkChain(n.InHead, lookup, func(e *Edge) uint64 { return e.NextIn }, collect); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.DeleteEdge(w, txID, id, snapshotTS); err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return err
		}
	}
	return nil
}

// CreateEdge allocates a new edge id between source and target and
// links it onto both nodes' adjacency lists.
func (s *Store) CreateEdge(w index.PageWriter, txID uint64, edgeType string, source, target uint64, snapshotTS uint64, properties *PropertySet) (uint64, error) {
	id := s.NextEdgeID
	s.NextEdgeID++
	return id, s.putEdge(w, txID, id, edgeType, source, target, snapshotTS, properties)
}

// ImportEdge stages edge id between source and target, splicing it
// onto both nodes' adjacency lists exactly as CreateEdge would, but at
// a caller-chosen id. Used by vacuum(into).
func (s *Store) ImportEdge(w index.PageWriter, txID uint64, id uint64, edgeType string, source, target uint64, snapshotTS uint64, properties *PropertySet) error {
	if err := s.putEdge(w, txID, id, edgeType, source, target, snapshotTS, properties); err != nil {
		return err
	}
	if id >= s.NextEdgeID {
		s.NextEdgeID = id + 1
	}
	return nil
}

func (s *Store) putEdge(w index.PageWriter, txID uint64, id uint64, edgeType string, source, target uint64, snapshotTS uint64, properties *PropertySet) error {
	src, err := s.stagedNode(w, source, snapshotTS, txID)
	if err != nil {
		return err
	}
	dst, err := s.stagedNode(w, target, snapshotTS, txID)
	if err != nil {
		return err
	}

	e := NewEdge(edgeType, source, target, properties)
	e.ID = id
	e.NextOut = src.OutHead
	e.NextIn = dst.InHead

	if err := s.EdgeChains.Put(w, id, txID, mvcc.StateActive, e.Encode()); err != nil {
		return err
	}

	src.OutHead = id
	if target == source {
		src.InHead = id
		return s.NodeChains.Put(w, source, txID, mvcc.StateActive, src.Encode())
	}
	if err := s.NodeChains.Put(w, source, txID, mvcc.StateActive, src.Encode()); err != nil {
		return err
	}
	dst.InHead = id
	return s.NodeChains.Put(w, target, txID, mvcc.StateActive, dst.Encode())
}

// GetEdge returns the edge visible to the given snapshot/tx.
func (s *Store) GetEdge(r index.PageReader, id uint64, snapshotTS, txID uint64) (*Edge, error) {
	return s.stagedEdge(r, id, snapshotTS, txID)
}

// UpdateEdge applies property sets/unsets to edge id.
func (s *Store) UpdateEdge(w index.PageWriter, txID uint64, id uint64, snapshotTS uint64, set []Property, unset []string) error {
	e, err := s.stagedEdge(w, id, snapshotTS, txID)
	if err != nil {
		return err
	}
	for _, key := range unset {
		e.Properties.Unset(key)
	}
	for _, f := range set {
		e.Properties.Set(f.Key, f.Value)
	}
	return s.EdgeChains.Put(w, id, txID, mvcc.StateActive, e.Encode())
}

// DeleteEdge removes edge id and unlinks it from both adjacency
// chains.
func (s *Store) DeleteEdge(w index.PageWriter, txID uint64, id uint64, snapshotTS uint64) error {
	e, err := s.stagedEdge(w, id, snapshotTS, txID)
	if err != nil {
		return err
	}
	if err := s.unlinkOut(w, txID, e, snapshotTS); err != nil {
		return err
	}
	if err := s.unlinkIn(w, txID, e, snapshotTS); err != nil {
		return err
	}
	return s.EdgeChains.Put(w, id, txID, mvcc.StateDeleted, nil)
}

func (s *Store) unlinkOut(w index.PageWriter, txID uint64, e *Edge, snapshotTS uint64) error {
	src, err := s.stagedNode(w, e.Source, snapshotTS, txID)
	if err != nil {
		return err
	}
	if src.OutHead == e.ID {
		src.OutHead = e.NextOut
		return s.NodeChains.Put(w, e.Source, txID, mvcc.StateActive, src.Encode())
	}
	cur := src.OutHead
	for cur != 0 {
		c, err := s.stagedEdge(w, cur, snapshotTS, txID)
		if err != nil {
			return err
		}
		if c.NextOut == e.ID {
			c.NextOut = e.NextOut
			return s.EdgeChains.Put(w, cur, txID, mvcc.StateActive, c.Encode())
		}
		cur = c.NextOut
	}
	return nil
}

func (s *Store) unlinkIn(w index.PageWriter, txID uint64, e *Edge, snapshotTS uint64) error {
	dst, err := s.stagedNode(w, e.Target, snapshotTS, txID)
	if err != nil {
		return err
	}
	if dst.InHead == e.ID {
		dst.InHead = e.NextIn
		return s.NodeChains.Put(w, e.Target, txID, mvcc.StateActive, dst.Encode())
	}
	cur := dst.InHead
	for cur != 0 {
		c, err := s.stagedEdge(w, cur, snapshotTS, txID)
		if err != nil {
			return err
		}
		if c.NextIn == e.ID {
			c.NextIn = e.NextIn
			return s.EdgeChains.Put(w, cur, txID, mvcc.StateActive, c.Encode())
		}
		cur = c.NextIn
	}
	return nil
}

// Neighbors returns the ids reachable from id in the given direction,
// optionally filtered to one edge type.
func (s *Store) Neighbors(r index.PageReader, id uint64, dir Direction, typeFilter string, snapshotTS, txID uint64) ([]uint64, error) {
	n, err := s.stagedNode(r, id, snapshotTS, txID)
	if err != nil {
		return nil, err
	}
	lookup := func(eid uint64) (*Edge, bool, error) {
		e, err := s.stagedEdge(r, eid, snapshotTS, txID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				return nil, false, nil
			}
			return nil, false, err
		}
		return e, true, nil
	}
	return Neighbors(n, dir, typeFilter, lookup)
}

// NodesByLabel returns every node id carrying label, visible to the
// given snapshot/tx, in ascending id order.
func (s *Store) NodesByLabel(r index.PageReader, label string, snapshotTS, txID uint64) ([]uint64, error) {
	candidates, err := s.LabelIndex.Members(r, labelTerm(label))
	if err != nil {
		return nil, err
	}
	return s.filterVisible(r, candidates, snapshotTS, txID)
}

// FindNodesByProperty returns node ids with the given label carrying
// key=value, visible to the given snapshot/tx.
func (s *Store) FindNodesByProperty(r index.PageReader, label, key string, value PropertyValue, snapshotTS, txID uint64) ([]uint64, error) {
	candidates, err := s.PropIndex.Members(r, propTerm(label, key, value))
	if err != nil {
		return nil, err
	}
	return s.filterVisible(r, candidates, snapshotTS, txID)
}

// filterVisible drops candidate ids the index still lists but whose
// version is not visible to this snapshot — the index is authoritative
// for candidacy, MVCC is authoritative for visibility (§4.5).
func (s *Store) filterVisible(r index.PageReader, candidates []uint64, snapshotTS, txID uint64) ([]uint64, error) {
	out := make([]uint64, 0, len(candidates))
	for _, id := range candidates {
		if _, ok, err := s.NodeChains.Visible(r, id, snapshotTS, txID); err != nil {
			return nil, err
		} else if ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// BFSResult is one node visited during a BFS traversal, paired with
// its distance from the start.
type BFSResult struct {
	NodeID uint64
	Depth  int
}

// BFS performs a breadth-first traversal from start out to maxDepth
// (0 means start only), using the tx's snapshot for every visit so the
// result is snapshot-consistent end to end.
func (s *Store) BFS(r index.PageReader, start uint64, maxDepth int, snapshotTS, txID uint64) ([]BFSResult, error) {
	if _, err := s.stagedNode(r, start, snapshotTS, txID); err != nil {
		return nil, err
	}
	visited := map[uint64]bool{start: true}
	queue := []BFSResult{{NodeID: start, Depth: 0}}
	var out []BFSResult
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		if cur.Depth >= maxDepth {
			continue
		}
		neighbors, err := s.Neighbors(r, cur.NodeID, DirBoth, "", snapshotTS, txID)
		if err != nil {
			return nil, err
		}
		for _, nid := range neighbors {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			queue = append(queue, BFSResult{NodeID: nid, Depth: cur.Depth + 1})
		}
	}
	return out, nil
}
