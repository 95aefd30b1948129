package graph

import (
	"testing"

	"github.com/feldmond/sombra/storage"
)

func newTestStore(t *testing.T) (*storage.WriteBatch, *Store) {
	t.Helper()
	p, err := storage.OpenMemory(storage.Config{PageSize: 4096, CacheCapacity: 64})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	rs := storage.NewRecordStore(b)
	s, err := New(b, rs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, s
}

func TestCreateAndGetNode(t *testing.T) {
	b, s := newTestStore(t)

	props := NewPropertySet()
	props.Set("name", StringValue("Ada"))
	id, err := s.CreateNode(b, 1, []string{"Person"}, props)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	// Same transaction, not yet committed: its own writer (txID 1, the
	// txID CreateNode staged the version under) must still see it.
	n, err := s.GetNode(b, id, 0, 1)
	if err != nil {
		t.Fatalf("GetNode uncommitted: %v", err)
	}
	if !n.HasLabel("Person") {
		t.Fatalf("missing Person label: %+v", n.Labels)
	}
	if v, ok := n.Properties.Get("name"); !ok || v.Str != "Ada" {
		t.Fatalf("name property = %+v, ok=%v", v, ok)
	}
}

func TestUpdateNodeSetUnset(t *testing.T) {
	b, s := newTestStore(t)

	props := NewPropertySet()
	props.Set("age", IntValue(30))
	id, err := s.CreateNode(b, 1, []string{"Person"}, props)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := s.UpdateNode(b, 1, id, 0, []Property{{Key: "city", Value: StringValue("NYC")}}, []string{"age"}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	n, err := s.GetNode(b, id, 0, 1)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if _, ok := n.Properties.Get("age"); ok {
		t.Fatalf("age should have been unset")
	}
	if v, ok := n.Properties.Get("city"); !ok || v.Str != "NYC" {
		t.Fatalf("city property = %+v, ok=%v", v, ok)
	}
}

func TestCreateEdgeAndNeighbors(t *testing.T) {
	b, s := newTestStore(t)

	a, err := s.CreateNode(b, 1, []string{"Person"}, nil)
	if err != nil {
		t.Fatalf("CreateNode a: %v", err)
	}
	c, err := s.CreateNode(b, 1, []string{"Person"}, nil)
	if err != nil {
		t.Fatalf("CreateNode c: %v", err)
	}
	if _, err := s.CreateEdge(b, 1, "knows", a, c, 0, nil); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}

	out, err := s.Neighbors(b, a, DirOut, "", 0, 1)
	if err != nil {
		t.Fatalf("Neighbors out: %v", err)
	}
	if len(out) != 1 || out[0] != c {
		t.Fatalf("Neighbors(a, out) = %v, want [%d]", out, c)
	}

	in, err := s.Neighbors(b, c, DirIn, "", 0, 1)
	if err != nil {
		t.Fatalf("Neighbors in: %v", err)
	}
	if len(in) != 1 || in[0] != a {
		t.Fatalf("Neighbors(c, in) = %v, want [%d]", in, a)
	}
}

func TestDeleteNodeWithoutCascadeRejectsIncidentEdges(t *testing.T) {
	b, s := newTestStore(t)

	a, _ := s.CreateNode(b, 1, []string{"Person"}, nil)
	c, _ := s.CreateNode(b, 1, []string{"Person"}, nil)
	if _, err := s.CreateEdge(b, 1, "knows", a, c, 0, nil); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}
	if err := s.DeleteNode(b, 1, a, 0, false); err == nil {
		t.Fatalf("expected DeleteNode without cascade to fail on a node with incident edges")
	}
	if err := s.DeleteNode(b, 1, a, 0, true); err != nil {
		t.Fatalf("DeleteNode with cascade: %v", err)
	}
	if _, err := s.GetNode(b, a, 0, 1); err == nil {
		t.Fatalf("expected deleted node to be invisible")
	}
}

func TestDeleteEdgeUnlinksAdjacency(t *testing.T) {
	b, s := newTestStore(t)

	a, _ := s.CreateNode(b, 1, []string{"Person"}, nil)
	c, _ := s.CreateNode(b, 1, []string{"Person"}, nil)
	d, _ := s.CreateNode(b, 1, []string{"Person"}, nil)

	e1, err := s.CreateEdge(b, 1, "knows", a, c, 0, nil)
	if err != nil {
		t.Fatalf("CreateEdge 1: %v", err)
	}
	if _, err := s.CreateEdge(b, 1, "knows", a, d, 0, nil); err != nil {
		t.Fatalf("CreateEdge 2: %v", err)
	}

	if err := s.DeleteEdge(b, 1, e1, 0); err != nil {
		t.Fatalf("DeleteEdge: %v", err)
	}
	out, err := s.Neighbors(b, a, DirOut, "", 0, 1)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(out) != 1 || out[0] != d {
		t.Fatalf("Neighbors(a, out) after delete = %v, want [%d]", out, d)
	}
}

func TestNodesByLabelAndFindByProperty(t *testing.T) {
	b, s := newTestStore(t)

	p1 := NewPropertySet()
	p1.Set("city", StringValue("NYC"))
	id1, _ := s.CreateNode(b, 1, []string{"Person"}, p1)

	p2 := NewPropertySet()
	p2.Set("city", StringValue("LA"))
	id2, _ := s.CreateNode(b, 1, []string{"Person"}, p2)

	if _, err := s.CreateNode(b, 1, []string{"Company"}, nil); err != nil {
		t.Fatalf("CreateNode company: %v", err)
	}

	people, err := s.NodesByLabel(b, "Person", 0, 1)
	if err != nil {
		t.Fatalf("NodesByLabel: %v", err)
	}
	if len(people) != 2 {
		t.Fatalf("NodesByLabel(Person) = %v, want 2 entries", people)
	}

	nyc, err := s.FindNodesByProperty(b, "Person", "city", StringValue("NYC"), 0, 1)
	if err != nil {
		t.Fatalf("FindNodesByProperty: %v", err)
	}
	if len(nyc) != 1 || nyc[0] != id1 {
		t.Fatalf("FindNodesByProperty(city=NYC) = %v, want [%d]", nyc, id1)
	}
	_ = id2
}

func TestBFS(t *testing.T) {
	b, s := newTestStore(t)

	a, _ := s.CreateNode(b, 1, []string{"Person"}, nil)
	c, _ := s.CreateNode(b, 1, []string{"Person"}, nil)
	d, _ := s.CreateNode(b, 1, []string{"Person"}, nil)
	if _, err := s.CreateEdge(b, 1, "knows", a, c, 0, nil); err != nil {
		t.Fatalf("CreateEdge a-c: %v", err)
	}
	if _, err := s.CreateEdge(b, 1, "knows", c, d, 0, nil); err != nil {
		t.Fatalf("CreateEdge c-d: %v", err)
	}

	results, err := s.BFS(b, a, 2, 0, 1)
	if err != nil {
		t.Fatalf("BFS: %v", err)
	}
	depths := map[uint64]int{}
	for _, r := range results {
		depths[r.NodeID] = r.Depth
	}
	if depths[c] != 1 {
		t.Fatalf("depth(c) = %d, want 1", depths[c])
	}
	if depths[d] != 2 {
		t.Fatalf("depth(d) = %d, want 2", depths[d])
	}
}
