package pager

import (
	"bytes"
	"context"
	"sort"

	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// B+Tree
// ───────────────────────────────────────────────────────────────────────────
//
// An ordered (key → RowID) index over pages. Leaves are chained through the
// page header Next/Prev pointers for range scans. Separator keys follow the
// "minimum key of the right subtree" convention. All structural mutations go
// through Pager.Write, so every change is a WAL Update and survives crashes.
//
// Node capacity is byte-bound rather than arity-bound: a node splits when no
// encoding fits the page, and underflows when its plain encoding would fill
// less than half the data region.

// minFill is the underflow threshold as a fraction of the data region.
const minFill = 0.5

// BTree is an ordered index rooted at a page.
type BTree struct {
	p    *Pager
	root PageID
}

// CreateBTree allocates an empty tree and returns it.
func CreateBTree(p *Pager, tx TxID) (*BTree, error) {
	id, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, PageSize)
	leaf := &leafNode{id: id, next: NilPageID, prev: NilPageID}
	if !encodeLeaf(leaf, buf) {
		return nil, qerr.New(qerr.KindIO, "empty leaf does not fit page")
	}
	if _, err := p.Write(tx, id, buf); err != nil {
		return nil, err
	}
	p.Unpin(id)
	return &BTree{p: p, root: id}, nil
}

// OpenBTree opens an existing tree rooted at root.
func OpenBTree(p *Pager, root PageID) *BTree {
	return &BTree{p: p, root: root}
}

// Root returns the current root page. Callers persist it when it changes.
func (bt *BTree) Root() PageID { return bt.root }

// ─── Node I/O ──────────────────────────────────────────────────────────────

func (bt *BTree) pageType(id PageID) (PageType, error) {
	buf, err := bt.p.Read(id)
	if err != nil {
		return 0, err
	}
	defer bt.p.Unpin(id)
	return PageType(buf[4]), nil
}

func (bt *BTree) readLeaf(id PageID) (*leafNode, error) {
	buf, err := bt.p.Read(id)
	if err != nil {
		return nil, err
	}
	defer bt.p.Unpin(id)
	return decodeLeaf(buf)
}

func (bt *BTree) readInner(id PageID) (*innerNode, error) {
	buf, err := bt.p.Read(id)
	if err != nil {
		return nil, err
	}
	defer bt.p.Unpin(id)
	return decodeInner(buf)
}

func (bt *BTree) writeLeaf(tx TxID, n *leafNode) error {
	buf := make([]byte, PageSize)
	if !encodeLeaf(n, buf) {
		return qerr.New(qerr.KindIO, "leaf %d overflows page", n.id)
	}
	if _, err := bt.p.Write(tx, n.id, buf); err != nil {
		return err
	}
	bt.p.Unpin(n.id)
	return nil
}

func (bt *BTree) writeInner(tx TxID, n *innerNode) error {
	buf := make([]byte, PageSize)
	if !encodeInner(n, buf) {
		return qerr.New(qerr.KindIO, "internal %d overflows page", n.id)
	}
	if _, err := bt.p.Write(tx, n.id, buf); err != nil {
		return err
	}
	bt.p.Unpin(n.id)
	return nil
}

// ─── Lookup ────────────────────────────────────────────────────────────────

// pathEntry records the descent through an internal node.
type pathEntry struct {
	node     *innerNode
	childIdx int
}

// descend walks from the root to the leaf responsible for key, recording
// the internal path.
func (bt *BTree) descend(key []byte) (*leafNode, []pathEntry, error) {
	var path []pathEntry
	id := bt.root
	for {
		pt, err := bt.pageType(id)
		if err != nil {
			return nil, nil, err
		}
		if pt == PageTypeBTreeLeaf {
			leaf, err := bt.readLeaf(id)
			if err != nil {
				return nil, nil, err
			}
			return leaf, path, nil
		}
		n, err := bt.readInner(id)
		if err != nil {
			return nil, nil, err
		}
		idx := sort.Search(len(n.keys), func(i int) bool {
			return bytes.Compare(key, n.keys[i]) < 0
		})
		path = append(path, pathEntry{node: n, childIdx: idx})
		id = n.children[idx]
	}
}

// Get returns the RowID stored for key.
func (bt *BTree) Get(key []byte) (RowID, bool, error) {
	leaf, _, err := bt.descend(key)
	if err != nil {
		return RowID{}, false, err
	}
	i := sort.Search(len(leaf.keys), func(i int) bool {
		return bytes.Compare(leaf.keys[i], key) >= 0
	})
	if i < len(leaf.keys) && bytes.Equal(leaf.keys[i], key) {
		return leaf.vals[i], true, nil
	}
	return RowID{}, false, nil
}

// ─── Insert ────────────────────────────────────────────────────────────────

// Insert adds (key → val). Fails with DuplicateKey if key is present.
func (bt *BTree) Insert(tx TxID, key []byte, val RowID) error {
	leaf, path, err := bt.descend(key)
	if err != nil {
		return err
	}
	i := sort.Search(len(leaf.keys), func(i int) bool {
		return bytes.Compare(leaf.keys[i], key) >= 0
	})
	if i < len(leaf.keys) && bytes.Equal(leaf.keys[i], key) {
		return qerr.New(qerr.KindDuplicateKey, "key %q", key)
	}
	leaf.keys = append(leaf.keys, nil)
	copy(leaf.keys[i+1:], leaf.keys[i:])
	leaf.keys[i] = append([]byte(nil), key...)
	leaf.vals = append(leaf.vals, RowID{})
	copy(leaf.vals[i+1:], leaf.vals[i:])
	leaf.vals[i] = val

	if bt.leafFits(leaf) {
		return bt.writeLeaf(tx, leaf)
	}
	return bt.splitLeaf(tx, leaf, path)
}

func (bt *BTree) leafFits(n *leafNode) bool {
	buf := make([]byte, PageSize)
	return encodeLeaf(n, buf)
}

func (bt *BTree) innerFits(n *innerNode) bool {
	buf := make([]byte, PageSize)
	return encodeInner(n, buf)
}

// splitLeaf splits an overflowing leaf at the median and promotes the right
// node's first key into the parent.
func (bt *BTree) splitLeaf(tx TxID, leaf *leafNode, path []pathEntry) error {
	rightID, err := bt.p.Allocate()
	if err != nil {
		return err
	}
	mid := len(leaf.keys) / 2
	right := &leafNode{
		id:   rightID,
		keys: append([][]byte(nil), leaf.keys[mid:]...),
		vals: append([]RowID(nil), leaf.vals[mid:]...),
		next: leaf.next,
		prev: leaf.id,
	}
	leaf.keys = leaf.keys[:mid]
	leaf.vals = leaf.vals[:mid]
	oldNext := leaf.next
	leaf.next = rightID

	if err := bt.writeLeaf(tx, right); err != nil {
		return err
	}
	if err := bt.writeLeaf(tx, leaf); err != nil {
		return err
	}
	if oldNext != NilPageID {
		nn, err := bt.readLeaf(oldNext)
		if err != nil {
			return err
		}
		nn.prev = rightID
		if err := bt.writeLeaf(tx, nn); err != nil {
			return err
		}
	}
	sep := append([]byte(nil), right.keys[0]...)
	return bt.insertIntoParent(tx, path, leaf.id, sep, rightID)
}

// insertIntoParent adds a separator and right child above a split node,
// splitting upward as needed. An empty path means the root split: a new
// root is created and the tree grows one level.
func (bt *BTree) insertIntoParent(tx TxID, path []pathEntry, leftID PageID, sep []byte, rightID PageID) error {
	if len(path) == 0 {
		rootID, err := bt.p.Allocate()
		if err != nil {
			return err
		}
		root := &innerNode{
			id:       rootID,
			keys:     [][]byte{sep},
			children: []PageID{leftID, rightID},
		}
		if err := bt.writeInner(tx, root); err != nil {
			return err
		}
		bt.root = rootID
		return nil
	}

	pe := path[len(path)-1]
	parent := pe.node
	idx := pe.childIdx
	parent.keys = append(parent.keys, nil)
	copy(parent.keys[idx+1:], parent.keys[idx:])
	parent.keys[idx] = sep
	parent.children = append(parent.children, 0)
	copy(parent.children[idx+2:], parent.children[idx+1:])
	parent.children[idx+1] = rightID

	if bt.innerFits(parent) {
		return bt.writeInner(tx, parent)
	}
	return bt.splitInner(tx, parent, path[:len(path)-1])
}

// splitInner splits an overflowing internal node; the median key moves up.
func (bt *BTree) splitInner(tx TxID, n *innerNode, path []pathEntry) error {
	rightID, err := bt.p.Allocate()
	if err != nil {
		return err
	}
	mid := len(n.keys) / 2
	promote := append([]byte(nil), n.keys[mid]...)
	right := &innerNode{
		id:       rightID,
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]PageID(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	if err := bt.writeInner(tx, right); err != nil {
		return err
	}
	if err := bt.writeInner(tx, n); err != nil {
		return err
	}
	return bt.insertIntoParent(tx, path, n.id, promote, rightID)
}

// ─── Delete ────────────────────────────────────────────────────────────────

// Delete removes key. Returns false if the key was absent.
func (bt *BTree) Delete(tx TxID, key []byte) (bool, error) {
	leaf, path, err := bt.descend(key)
	if err != nil {
		return false, err
	}
	i := sort.Search(len(leaf.keys), func(i int) bool {
		return bytes.Compare(leaf.keys[i], key) >= 0
	})
	if i >= len(leaf.keys) || !bytes.Equal(leaf.keys[i], key) {
		return false, nil
	}
	leaf.keys = append(leaf.keys[:i], leaf.keys[i+1:]...)
	leaf.vals = append(leaf.vals[:i], leaf.vals[i+1:]...)

	if len(path) == 0 || encodedLeafFill(leaf) >= minFill {
		return true, bt.writeLeaf(tx, leaf)
	}
	return true, bt.rebalanceLeaf(tx, leaf, path)
}

// rebalanceLeaf restores the half-full invariant by borrowing from a
// sibling, else merging into one.
func (bt *BTree) rebalanceLeaf(tx TxID, leaf *leafNode, path []pathEntry) error {
	pe := path[len(path)-1]
	parent := pe.node
	idx := pe.childIdx

	// Try borrowing from the richer adjacent sibling.
	if idx > 0 {
		left, err := bt.readLeaf(parent.children[idx-1])
		if err != nil {
			return err
		}
		if encodedLeafFill(left) > minFill && len(left.keys) > 1 {
			last := len(left.keys) - 1
			leaf.keys = append([][]byte{left.keys[last]}, leaf.keys...)
			leaf.vals = append([]RowID{left.vals[last]}, leaf.vals...)
			left.keys = left.keys[:last]
			left.vals = left.vals[:last]
			parent.keys[idx-1] = append([]byte(nil), leaf.keys[0]...)
			if err := bt.writeLeaf(tx, left); err != nil {
				return err
			}
			if err := bt.writeLeaf(tx, leaf); err != nil {
				return err
			}
			return bt.writeInner(tx, parent)
		}
	}
	if idx < len(parent.children)-1 {
		right, err := bt.readLeaf(parent.children[idx+1])
		if err != nil {
			return err
		}
		if encodedLeafFill(right) > minFill && len(right.keys) > 1 {
			leaf.keys = append(leaf.keys, right.keys[0])
			leaf.vals = append(leaf.vals, right.vals[0])
			right.keys = right.keys[1:]
			right.vals = right.vals[1:]
			parent.keys[idx] = append([]byte(nil), right.keys[0]...)
			if err := bt.writeLeaf(tx, right); err != nil {
				return err
			}
			if err := bt.writeLeaf(tx, leaf); err != nil {
				return err
			}
			return bt.writeInner(tx, parent)
		}
	}

	// Merge with a sibling when the combined node fits one page.
	if idx > 0 {
		left, err := bt.readLeaf(parent.children[idx-1])
		if err != nil {
			return err
		}
		merged := &leafNode{
			id:   left.id,
			keys: append(append([][]byte(nil), left.keys...), leaf.keys...),
			vals: append(append([]RowID(nil), left.vals...), leaf.vals...),
			next: leaf.next,
			prev: left.prev,
		}
		if bt.leafFits(merged) {
			return bt.mergeLeaves(tx, merged, leaf, parent, idx-1, path)
		}
	}
	if idx < len(parent.children)-1 {
		right, err := bt.readLeaf(parent.children[idx+1])
		if err != nil {
			return err
		}
		merged := &leafNode{
			id:   leaf.id,
			keys: append(append([][]byte(nil), leaf.keys...), right.keys...),
			vals: append(append([]RowID(nil), leaf.vals...), right.vals...),
			next: right.next,
			prev: leaf.prev,
		}
		if bt.leafFits(merged) {
			return bt.mergeLeaves(tx, merged, right, parent, idx, path)
		}
	}
	// No sibling can help; accept the underflow.
	return bt.writeLeaf(tx, leaf)
}

// mergeLeaves writes the merged node, drops the absorbed node, fixes the
// leaf chain, and removes the separator at sepIdx from the parent.
func (bt *BTree) mergeLeaves(tx TxID, merged, absorbed *leafNode, parent *innerNode, sepIdx int, path []pathEntry) error {
	if err := bt.writeLeaf(tx, merged); err != nil {
		return err
	}
	if merged.next != NilPageID {
		nn, err := bt.readLeaf(merged.next)
		if err != nil {
			return err
		}
		nn.prev = merged.id
		if err := bt.writeLeaf(tx, nn); err != nil {
			return err
		}
	}
	if err := bt.p.Free(tx, absorbed.id); err != nil {
		return err
	}
	parent.keys = append(parent.keys[:sepIdx], parent.keys[sepIdx+1:]...)
	parent.children = append(parent.children[:sepIdx+1], parent.children[sepIdx+2:]...)
	return bt.shrinkInner(tx, parent, path[:len(path)-1])
}

// shrinkInner handles parent underflow after a merge, collapsing the root
// when it is left with a single child.
func (bt *BTree) shrinkInner(tx TxID, n *innerNode, path []pathEntry) error {
	if len(path) == 0 {
		// n is the root.
		if len(n.keys) == 0 {
			bt.root = n.children[0]
			return bt.p.Free(tx, n.id)
		}
		return bt.writeInner(tx, n)
	}
	if encodedInnerFill(n) >= minFill {
		return bt.writeInner(tx, n)
	}

	pe := path[len(path)-1]
	parent := pe.node
	idx := pe.childIdx

	// Borrow through the parent separator.
	if idx > 0 {
		left, err := bt.readInner(parent.children[idx-1])
		if err != nil {
			return err
		}
		if encodedInnerFill(left) > minFill && len(left.keys) > 1 {
			n.keys = append([][]byte{parent.keys[idx-1]}, n.keys...)
			n.children = append([]PageID{left.children[len(left.children)-1]}, n.children...)
			parent.keys[idx-1] = left.keys[len(left.keys)-1]
			left.keys = left.keys[:len(left.keys)-1]
			left.children = left.children[:len(left.children)-1]
			if err := bt.writeInner(tx, left); err != nil {
				return err
			}
			if err := bt.writeInner(tx, n); err != nil {
				return err
			}
			return bt.writeInner(tx, parent)
		}
	}
	if idx < len(parent.children)-1 {
		right, err := bt.readInner(parent.children[idx+1])
		if err != nil {
			return err
		}
		if encodedInnerFill(right) > minFill && len(right.keys) > 1 {
			n.keys = append(n.keys, parent.keys[idx])
			n.children = append(n.children, right.children[0])
			parent.keys[idx] = right.keys[0]
			right.keys = right.keys[1:]
			right.children = right.children[1:]
			if err := bt.writeInner(tx, right); err != nil {
				return err
			}
			if err := bt.writeInner(tx, n); err != nil {
				return err
			}
			return bt.writeInner(tx, parent)
		}
	}

	// Merge with a sibling, pulling the separator down.
	if idx > 0 {
		left, err := bt.readInner(parent.children[idx-1])
		if err != nil {
			return err
		}
		merged := &innerNode{
			id:       left.id,
			keys:     append(append(append([][]byte(nil), left.keys...), parent.keys[idx-1]), n.keys...),
			children: append(append([]PageID(nil), left.children...), n.children...),
		}
		if bt.innerFits(merged) {
			if err := bt.writeInner(tx, merged); err != nil {
				return err
			}
			if err := bt.p.Free(tx, n.id); err != nil {
				return err
			}
			parent.keys = append(parent.keys[:idx-1], parent.keys[idx:]...)
			parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
			return bt.shrinkInner(tx, parent, path[:len(path)-1])
		}
	}
	if idx < len(parent.children)-1 {
		right, err := bt.readInner(parent.children[idx+1])
		if err != nil {
			return err
		}
		merged := &innerNode{
			id:       n.id,
			keys:     append(append(append([][]byte(nil), n.keys...), parent.keys[idx]), right.keys...),
			children: append(append([]PageID(nil), n.children...), right.children...),
		}
		if bt.innerFits(merged) {
			if err := bt.writeInner(tx, merged); err != nil {
				return err
			}
			if err := bt.p.Free(tx, right.id); err != nil {
				return err
			}
			parent.keys = append(parent.keys[:idx], parent.keys[idx+1:]...)
			parent.children = append(parent.children[:idx+1], parent.children[idx+2:]...)
			return bt.shrinkInner(tx, parent, path[:len(path)-1])
		}
	}
	return bt.writeInner(tx, n)
}

// ─── Range scans ───────────────────────────────────────────────────────────

// Iterator walks (key, RowID) pairs in ascending key order.
type Iterator struct {
	bt      *BTree
	cur     *leafNode
	idx     int
	end     []byte // nil = unbounded
	endIncl bool
	err     error
	done    bool
}

// Seek positions an iterator at the first key >= start (or the first key
// overall when start is nil).
func (bt *BTree) Seek(start []byte) *Iterator {
	it := &Iterator{bt: bt, endIncl: true}
	leaf, _, err := bt.descend(startOrEmpty(start))
	if err != nil {
		it.err = err
		it.done = true
		return it
	}
	it.cur = leaf
	if start != nil {
		it.idx = sort.Search(len(leaf.keys), func(i int) bool {
			return bytes.Compare(leaf.keys[i], start) >= 0
		})
	}
	return it
}

func startOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Next yields the next pair. ok=false means exhaustion or error.
func (it *Iterator) Next() (key []byte, val RowID, ok bool) {
	if it.done {
		return nil, RowID{}, false
	}
	for {
		if it.idx < len(it.cur.keys) {
			k := it.cur.keys[it.idx]
			if it.end != nil {
				c := bytes.Compare(k, it.end)
				if c > 0 || (c == 0 && !it.endIncl) {
					it.done = true
					return nil, RowID{}, false
				}
			}
			v := it.cur.vals[it.idx]
			it.idx++
			return k, v, true
		}
		if it.cur.next == NilPageID {
			it.done = true
			return nil, RowID{}, false
		}
		leaf, err := it.bt.readLeaf(it.cur.next)
		if err != nil {
			it.err = err
			it.done = true
			return nil, RowID{}, false
		}
		it.cur = leaf
		it.idx = 0
	}
}

// Err returns the first error the iterator hit, if any.
func (it *Iterator) Err() error { return it.err }

// Range calls fn for every pair with start <= key <= end (inclusive both
// ends; nil bounds are open). fn returning false stops the scan. The scan
// honours ctx cancellation between pairs.
func (bt *BTree) Range(ctx context.Context, start, end []byte, fn func(key []byte, val RowID) bool) error {
	return bt.rangeScan(ctx, start, end, true, fn)
}

// RangeHalfOpen scans start <= key < end.
func (bt *BTree) RangeHalfOpen(ctx context.Context, start, end []byte, fn func(key []byte, val RowID) bool) error {
	return bt.rangeScan(ctx, start, end, false, fn)
}

func (bt *BTree) rangeScan(ctx context.Context, start, end []byte, endIncl bool, fn func(key []byte, val RowID) bool) error {
	it := bt.Seek(start)
	it.end = end
	it.endIncl = endIncl
	for {
		if err := ctx.Err(); err != nil {
			return qerr.Wrap(qerr.KindCancelled, err, "range scan")
		}
		k, v, ok := it.Next()
		if !ok {
			return it.Err()
		}
		if !fn(k, v) {
			return nil
		}
	}
}

// Count returns the number of keys in the tree.
func (bt *BTree) Count() (int, error) {
	n := 0
	err := bt.Range(context.Background(), nil, nil, func([]byte, RowID) bool {
		n++
		return true
	})
	return n, err
}

// Height returns the tree depth (1 for a lone leaf).
func (bt *BTree) Height() (int, error) {
	h := 1
	id := bt.root
	for {
		pt, err := bt.pageType(id)
		if err != nil {
			return 0, err
		}
		if pt == PageTypeBTreeLeaf {
			return h, nil
		}
		n, err := bt.readInner(id)
		if err != nil {
			return 0, err
		}
		id = n.children[0]
		h++
	}
}

// FreeAll releases every page of the tree (used by DROP TABLE/INDEX).
func (bt *BTree) FreeAll(tx TxID) error {
	return bt.freeSubtree(tx, bt.root)
}

func (bt *BTree) freeSubtree(tx TxID, id PageID) error {
	pt, err := bt.pageType(id)
	if err != nil {
		return err
	}
	if pt == PageTypeBTreeInternal {
		n, err := bt.readInner(id)
		if err != nil {
			return err
		}
		for _, c := range n.children {
			if err := bt.freeSubtree(tx, c); err != nil {
				return err
			}
		}
	}
	return bt.p.Free(tx, id)
}
