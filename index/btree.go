// Package index implements the on-disk B+Tree that backs Sombra's
// primary id index and its label/property posting lists (§4.5). Nothing
// here knows what a node or edge is — it stores sortable string keys
// against arbitrary byte-slice values and leaves interpretation to the
// caller.
package index

import (
	"encoding/binary"
	"sort"

	"github.com/feldmond/sombra/errs"
	"github.com/feldmond/sombra/storage"
)

const (
	btreeNodeTypeOff = storage.PageHeaderSize // byte: 0=internal, 1=leaf
	btreeNumKeysOff  = btreeNodeTypeOff + 1    // uint16
	btreeNextLeafOff = btreeNumKeysOff + 2     // uint64 (leaf only)
	leafDataOff      = btreeNextLeafOff + 8
	internalDataOff  = btreeNumKeysOff + 2

	nodeTypeInternal = byte(0)
	nodeTypeLeaf      = byte(1)
)

// PageReader is the read-only subset of storage.WriteBatch/storage.Pager
// the B+Tree needs for lookups and range scans.
type PageReader interface {
	Get(pageID uint64) (*storage.Page, error)
}

// PageWriter additionally lets the tree allocate and mutate pages,
// satisfied by *storage.WriteBatch.
type PageWriter interface {
	PageReader
	Allocate(kind storage.PageKind) *storage.Page
	Put(pg *storage.Page)
}

// PagerReader adapts a *storage.Pager (outside of any write transaction)
// to PageReader, for read-only lookups against the last committed tree.
type PagerReader struct{ Pager *storage.Pager }

func (r PagerReader) Get(pageID uint64) (*storage.Page, error) { return r.Pager.ReadPage(pageID) }

type entry struct {
	key   string
	value []byte
}

type internalNode struct {
	keys     []string
	children []uint64 // len == len(keys) + 1
}

// BTree is a B+Tree rooted at RootPageID, with leaves chained left to
// right for range scans.
type BTree struct {
	RootPageID uint64
}

// New creates an empty B+Tree (a single empty leaf) using w to allocate
// its root page.
func New(w PageWriter) (*BTree, error) {
	root := w.Allocate(storage.PageKindIndex)
	root.Data[btreeNodeTypeOff] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(root.Data[btreeNumKeysOff:], 0)
	binary.LittleEndian.PutUint64(root.Data[btreeNextLeafOff:], 0)
	w.Put(root)
	return &BTree{RootPageID: root.PageID}, nil
}

// Open wraps an existing tree by its root page ID.
func Open(rootPageID uint64) *BTree { return &BTree{RootPageID: rootPageID} }

func readLeafEntries(page *storage.Page) []entry {
	num := binary.LittleEndian.Uint16(page.Data[btreeNumKeysOff:])
	off := leafDataOff
	entries := make([]entry, 0, num)
	for i := 0; i < int(num); i++ {
		kl := binary.LittleEndian.Uint16(page.Data[off:])
		off += 2
		key := string(page.Data[off : off+int(kl)])
		off += int(kl)
		vl := binary.LittleEndian.Uint16(page.Data[off:])
		off += 2
		val := append([]byte(nil), page.Data[off:off+int(vl)]...)
		off += int(vl)
		entries = append(entries, entry{key: key, value: val})
	}
	return entries
}

func readLeafNext(page *storage.Page) uint64 {
	return binary.LittleEndian.Uint64(page.Data[btreeNextLeafOff:])
}

func writeLeafNode(page *storage.Page, entries []entry, nextLeaf uint64) {
	page.Data[btreeNodeTypeOff] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(page.Data[btreeNumKeysOff:], uint16(len(entries)))
	binary.LittleEndian.PutUint64(page.Data[btreeNextLeafOff:], nextLeaf)
	off := leafDataOff
	for _, e := range entries {
		kb := []byte(e.key)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(kb)))
		off += 2
		copy(page.Data[off:], kb)
		off += len(kb)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(e.value)))
		off += 2
		copy(page.Data[off:], e.value)
		off += len(e.value)
	}
}

func readInternalNode(page *storage.Page) internalNode {
	numKeys := binary.LittleEndian.Uint16(page.Data[btreeNumKeysOff:])
	off := internalDataOff
	node := internalNode{
		keys:     make([]string, 0, numKeys),
		children: make([]uint64, 0, numKeys+1),
	}
	node.children = append(node.children, binary.LittleEndian.Uint64(page.Data[off:]))
	off += 8
	for i := 0; i < int(numKeys); i++ {
		kl := binary.LittleEndian.Uint16(page.Data[off:])
		off += 2
		key := string(page.Data[off : off+int(kl)])
		off += int(kl)
		child := binary.LittleEndian.Uint64(page.Data[off:])
		off += 8
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
	}
	return node
}

func writeInternalNode(page *storage.Page, node internalNode) {
	page.Data[btreeNodeTypeOff] = nodeTypeInternal
	binary.LittleEndian.PutUint16(page.Data[btreeNumKeysOff:], uint16(len(node.keys)))
	off := internalDataOff
	binary.LittleEndian.PutUint64(page.Data[off:], node.children[0])
	off += 8
	for i, key := range node.keys {
		kb := []byte(key)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(kb)))
		off += 2
		copy(page.Data[off:], kb)
		off += len(kb)
		binary.LittleEndian.PutUint64(page.Data[off:], node.children[i+1])
		off += 8
	}
}

func leafEntriesSize(entries []entry) int {
	s := 0
	for _, e := range entries {
		s += 2 + len(e.key) + 2 + len(e.value)
	}
	return s
}

func internalNodeSize(node internalNode) int {
	s := 8
	for _, k := range node.keys {
		s += 2 + len(k) + 8
	}
	return s
}

func (bt *BTree) findLeaf(r PageReader, key string) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := r.Get(pageID)
		if err != nil {
			return nil, err
		}
		if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
			return page, nil
		}
		node := readInternalNode(page)
		idx := sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > key })
		pageID = node.children[idx]
	}
}

func (bt *BTree) findLeftmostLeaf(r PageReader) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := r.Get(pageID)
		if err != nil {
			return nil, err
		}
		if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
			return page, nil
		}
		node := readInternalNode(page)
		pageID = node.children[0]
	}
}

// Lookup returns every value stored under key, in insertion order.
func (bt *BTree) Lookup(r PageReader, key string) ([][]byte, error) {
	page, err := bt.findLeaf(r, key)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if e.key == key {
				out = append(out, e.value)
			} else if e.key > key {
				return out, nil
			}
		}
		next := readLeafNext(page)
		if next == 0 {
			return out, nil
		}
		if page, err = r.Get(next); err != nil {
			return nil, err
		}
	}
}

// RangeScan returns every value whose key is in [minKey, maxKey]. An
// empty minKey/maxKey leaves that side of the range open.
func (bt *BTree) RangeScan(r PageReader, minKey, maxKey string) ([][]byte, error) {
	var page *storage.Page
	var err error
	if minKey != "" {
		page, err = bt.findLeaf(r, minKey)
	} else {
		page, err = bt.findLeftmostLeaf(r)
	}
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if minKey != "" && e.key < minKey {
				continue
			}
			if maxKey != "" && e.key > maxKey {
				return out, nil
			}
			out = append(out, e.value)
		}
		next := readLeafNext(page)
		if next == 0 {
			return out, nil
		}
		if page, err = r.Get(next); err != nil {
			return nil, err
		}
	}
}

// RangeScanKeys is RangeScan's sibling for callers that need the keys
// themselves rather than the values — the posting index packs its
// member id into the key and stores no value at all, so it walks keys,
// not values, to stay at RangeScan's same seek-to-leaf-then-walk-the-
// leaf-chain cost instead of a full-tree scan.
func (bt *BTree) RangeScanKeys(r PageReader, minKey, maxKey string) ([]string, error) {
	var page *storage.Page
	var err error
	if minKey != "" {
		page, err = bt.findLeaf(r, minKey)
	} else {
		page, err = bt.findLeftmostLeaf(r)
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if minKey != "" && e.key < minKey {
				continue
			}
			if maxKey != "" && e.key > maxKey {
				return out, nil
			}
			out = append(out, e.key)
		}
		next := readLeafNext(page)
		if next == 0 {
			return out, nil
		}
		if page, err = r.Get(next); err != nil {
			return nil, err
		}
	}
}

type splitResult struct {
	key       string
	newPageID uint64
}

// Insert adds (key, value) to the tree.
func (bt *BTree) Insert(w PageWriter, key string, value []byte) error {
	split, err := bt.insertRecursive(w, bt.RootPageID, key, value)
	if err != nil {
		return err
	}
	if split != nil {
		newRoot := w.Allocate(storage.PageKindIndex)
		writeInternalNode(newRoot, internalNode{
			keys:     []string{split.key},
			children: []uint64{bt.RootPageID, split.newPageID},
		})
		w.Put(newRoot)
		bt.RootPageID = newRoot.PageID
	}
	return nil
}

func (bt *BTree) insertRecursive(w PageWriter, pageID uint64, key string, value []byte) (*splitResult, error) {
	page, err := w.Get(pageID)
	if err != nil {
		return nil, err
	}
	if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
		return bt.insertIntoLeaf(w, page, key, value)
	}
	node := readInternalNode(page)
	idx := sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > key })
	childSplit, err := bt.insertRecursive(w, node.children[idx], key, value)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(w, page, node, idx, childSplit)
}

func (bt *BTree) insertIntoLeaf(w PageWriter, page *storage.Page, key string, value []byte) (*splitResult, error) {
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)

	pos := sort.Search(len(entries), func(i int) bool { return entries[i].key > key })
	entries = append(entries, entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry{key: key, value: value}

	budget := len(page.Data) - leafDataOff
	if leafEntriesSize(entries) <= budget {
		writeLeafNode(page, entries, nextLeaf)
		w.Put(page)
		return nil, nil
	}

	mid := len(entries) / 2
	left := append([]entry(nil), entries[:mid]...)
	right := append([]entry(nil), entries[mid:]...)

	newPage := w.Allocate(storage.PageKindIndex)
	writeLeafNode(newPage, right, nextLeaf)
	w.Put(newPage)

	writeLeafNode(page, left, newPage.PageID)
	w.Put(page)

	return &splitResult{key: right[0].key, newPageID: newPage.PageID}, nil
}

func (bt *BTree) insertIntoInternal(w PageWriter, page *storage.Page, node internalNode, childIdx int, split *splitResult) (*splitResult, error) {
	node.keys = append(node.keys, "")
	copy(node.keys[childIdx+1:], node.keys[childIdx:])
	node.keys[childIdx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[childIdx+2:], node.children[childIdx+1:])
	node.children[childIdx+1] = split.newPageID

	budget := len(page.Data) - internalDataOff
	if internalNodeSize(node) <= budget {
		writeInternalNode(page, node)
		w.Put(page)
		return nil, nil
	}

	mid := len(node.keys) / 2
	pushUpKey := node.keys[mid]

	left := internalNode{
		keys:     append([]string(nil), node.keys[:mid]...),
		children: append([]uint64(nil), node.children[:mid+1]...),
	}
	right := internalNode{
		keys:     append([]string(nil), node.keys[mid+1:]...),
		children: append([]uint64(nil), node.children[mid+1:]...),
	}

	newPage := w.Allocate(storage.PageKindIndex)
	writeInternalNode(newPage, right)
	w.Put(newPage)

	writeInternalNode(page, left)
	w.Put(page)

	return &splitResult{key: pushUpKey, newPageID: newPage.PageID}, nil
}

// Remove deletes the (key, value) pair from its leaf. Leaves are never
// rebalanced, merged or freed — an emptied leaf stays in the tree and
// its leaf chain.
func (bt *BTree) Remove(w PageWriter, key string, value []byte) error {
	page, err := bt.findLeaf(w, key)
	if err != nil {
		return err
	}
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)
	for i, e := range entries {
		if e.key == key && bytesEqual(e.value, value) {
			entries = append(entries[:i], entries[i+1:]...)
			writeLeafNode(page, entries, nextLeaf)
			w.Put(page)
			return nil
		}
	}
	return errs.New(errs.KindNotFound, "index: key/value not found")
}

// All walks every leaf in key order, calling fn for each (key, value)
// pair. Used by PrimaryIndex.Range.
func (bt *BTree) All(r PageReader, fn func(key string, value []byte) error) error {
	page, err := bt.findLeftmostLeaf(r)
	if err != nil {
		return err
	}
	for {
		for _, e := range readLeafEntries(page) {
			if err := fn(e.key, e.value); err != nil {
				return err
			}
		}
		next := readLeafNext(page)
		if next == 0 {
			return nil
		}
		if page, err = r.Get(next); err != nil {
			return err
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
