package index

import (
	"encoding/binary"
	"sort"
)

// postingKey builds the composite key a label or property posting list
// is stored under: term, then a 0x00 separator, then the big-endian
// member id. Storing the id in the key (rather than packing a set into
// one value) lets duplicate-add be naturally idempotent and lets
// RangeScanKeys(term+"\x00", term+"\x00" followed by eight 0xff bytes)
// enumerate a whole posting list without decoding a value at all.
func postingKey(term string, id uint64) string {
	buf := make([]byte, len(term)+1+8)
	copy(buf, term)
	buf[len(term)] = 0
	binary.BigEndian.PutUint64(buf[len(term)+1:], id)
	return string(buf)
}

func postingIDFromKey(key string, termLen int) uint64 {
	return binary.BigEndian.Uint64([]byte(key[termLen+1:]))
}

// PostingIndex is a term -> sorted set of ids index, used for both
// label membership ("label:Person" -> matching node ids) and property
// equality lookups ("prop:" + label + 0x00 + key + 0x00 + encoded value
// -> matching node ids) per §4.5.
type PostingIndex struct {
	tree *BTree
}

// NewPostingIndex creates an empty posting index.
func NewPostingIndex(w PageWriter) (*PostingIndex, error) {
	t, err := New(w)
	if err != nil {
		return nil, err
	}
	return &PostingIndex{tree: t}, nil
}

// OpenPostingIndex wraps an existing posting index by its root page.
func OpenPostingIndex(rootPageID uint64) *PostingIndex {
	return &PostingIndex{tree: Open(rootPageID)}
}

// RootPageID is persisted in the database header.
func (idx *PostingIndex) RootPageID() uint64 { return idx.tree.RootPageID }

// Add records that id belongs to term's posting list.
func (idx *PostingIndex) Add(w PageWriter, term string, id uint64) error {
	return idx.tree.Insert(w, postingKey(term, id), nil)
}

// Remove drops id from term's posting list.
func (idx *PostingIndex) Remove(w PageWriter, term string, id uint64) error {
	return idx.tree.Remove(w, postingKey(term, id), nil)
}

// Members returns every id in term's posting list, in ascending order.
// It seeks straight to term's first key and walks only the leaf chain
// covering term's own range (§4.5 "O(log n) membership and range
// iteration"), rather than scanning the whole tree.
func (idx *PostingIndex) Members(r PageReader, term string) ([]uint64, error) {
	minKey := term + "\x00"
	maxKey := term + "\x00\xff\xff\xff\xff\xff\xff\xff\xff"
	keys, err := idx.tree.RangeScanKeys(r, minKey, maxKey)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(keys))
	for _, key := range keys {
		if len(key) <= len(term)+1 || key[:len(term)+1] != minKey {
			continue
		}
		ids = append(ids, postingIDFromKey(key, len(term)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Intersect returns the ids present in every given term's posting list
// — the core of a multi-label or label+property lookup.
func Intersect(r PageReader, idx *PostingIndex, terms []string) ([]uint64, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	sets := make([]map[uint64]bool, len(terms))
	for i, term := range terms {
		ids, err := idx.Members(r, term)
		if err != nil {
			return nil, err
		}
		set := make(map[uint64]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		sets[i] = set
	}
	result := sets[0]
	for _, set := range sets[1:] {
		next := make(map[uint64]bool)
		for id := range result {
			if set[id] {
				next[id] = true
			}
		}
		result = next
	}
	out := make([]uint64, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
