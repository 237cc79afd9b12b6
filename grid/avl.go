package grid

// RankKey orders nodes in the index by a load-derived rank value, with the
// node id breaking ties. The balancer keys the index by residual capacity:
// the minimum key is the most-overloaded node, the maximum the most spare.
type RankKey struct {
	Rank float64
	ID   NodeID
}

// Less orders keys by (rank, id).
func (k RankKey) Less(o RankKey) bool {
	if k.Rank != o.Rank {
		return k.Rank < o.Rank
	}
	return k.ID < o.ID
}

const nilIdx = int32(-1)

// avlNode is one slot in the index arena. Children are referenced by arena
// index rather than pointer so the structure carries no reference cycles and
// can be reset by truncating the arena.
type avlNode struct {
	key         RankKey
	left, right int32
	height      int32 // height of the subtree rooted here, leaves = 1
	size        int32 // number of keys in this subtree, for nth queries
}

// Index is a self-balancing (AVL) search tree over RankKeys. Insert, delete,
// search, and order-statistic queries are O(log n). It stores keys only;
// node records stay owned by the Graph.
type Index struct {
	arena []avlNode
	free  []int32
	root  int32
}

// NewIndex returns an empty ordered index.
func NewIndex() *Index {
	return &Index{root: nilIdx}
}

// Len returns the number of keys present.
func (ix *Index) Len() int {
	if ix.root == nilIdx {
		return 0
	}
	return int(ix.arena[ix.root].size)
}

// Insert adds a key. Duplicate keys are ignored (the (rank, id) pair is
// unique per node by construction).
func (ix *Index) Insert(key RankKey) {
	ix.root = ix.insert(ix.root, key)
}

// Delete removes a key if present and reports whether it was found.
func (ix *Index) Delete(key RankKey) bool {
	var found bool
	ix.root, found = ix.delete(ix.root, key)
	return found
}

// Rekey atomically replaces a key, used when a node's load (and therefore
// its rank) changes: delete-then-reinsert.
func (ix *Index) Rekey(old, new RankKey) {
	ix.Delete(old)
	ix.Insert(new)
}

// Contains reports whether the exact key is present.
func (ix *Index) Contains(key RankKey) bool {
	i := ix.root
	for i != nilIdx {
		n := &ix.arena[i]
		switch {
		case key.Less(n.key):
			i = n.left
		case n.key.Less(key):
			i = n.right
		default:
			return true
		}
	}
	return false
}

// Min returns the smallest key. ok is false when the index is empty.
func (ix *Index) Min() (RankKey, bool) {
	return ix.NthSmallest(0)
}

// Max returns the largest key. ok is false when the index is empty.
func (ix *Index) Max() (RankKey, bool) {
	return ix.NthLargest(0)
}

// NthSmallest returns the key with n smaller keys before it (0-based).
// Used by the balancer to walk donors from most-overloaded upward without
// a full scan.
func (ix *Index) NthSmallest(n int) (RankKey, bool) {
	if n < 0 || n >= ix.Len() {
		return RankKey{}, false
	}
	i := ix.root
	for {
		nd := &ix.arena[i]
		leftSize := ix.sizeOf(nd.left)
		switch {
		case n < leftSize:
			i = nd.left
		case n == leftSize:
			return nd.key, true
		default:
			n -= leftSize + 1
			i = nd.right
		}
	}
}

// NthLargest returns the key with n larger keys after it (0-based).
func (ix *Index) NthLargest(n int) (RankKey, bool) {
	return ix.NthSmallest(ix.Len() - 1 - n)
}

// InOrder visits every key in ascending order until fn returns false.
func (ix *Index) InOrder(fn func(RankKey) bool) {
	ix.inOrder(ix.root, fn)
}

func (ix *Index) inOrder(i int32, fn func(RankKey) bool) bool {
	if i == nilIdx {
		return true
	}
	n := &ix.arena[i]
	if !ix.inOrder(n.left, fn) {
		return false
	}
	if !fn(n.key) {
		return false
	}
	return ix.inOrder(n.right, fn)
}

// --- arena plumbing ---

func (ix *Index) alloc(key RankKey) int32 {
	if n := len(ix.free); n > 0 {
		i := ix.free[n-1]
		ix.free = ix.free[:n-1]
		ix.arena[i] = avlNode{key: key, left: nilIdx, right: nilIdx, height: 1, size: 1}
		return i
	}
	ix.arena = append(ix.arena, avlNode{key: key, left: nilIdx, right: nilIdx, height: 1, size: 1})
	return int32(len(ix.arena) - 1)
}

func (ix *Index) release(i int32) {
	ix.free = append(ix.free, i)
}

func (ix *Index) heightOf(i int32) int32 {
	if i == nilIdx {
		return 0
	}
	return ix.arena[i].height
}

func (ix *Index) sizeOf(i int32) int {
	if i == nilIdx {
		return 0
	}
	return int(ix.arena[i].size)
}

func (ix *Index) update(i int32) {
	n := &ix.arena[i]
	n.height = 1 + max32(ix.heightOf(n.left), ix.heightOf(n.right))
	n.size = int32(1 + ix.sizeOf(n.left) + ix.sizeOf(n.right))
}

func (ix *Index) balanceOf(i int32) int32 {
	n := &ix.arena[i]
	return ix.heightOf(n.left) - ix.heightOf(n.right)
}

// rotateLeft handles the right-right case.
func (ix *Index) rotateLeft(z int32) int32 {
	y := ix.arena[z].right
	ix.arena[z].right = ix.arena[y].left
	ix.arena[y].left = z
	ix.update(z)
	ix.update(y)
	return y
}

// rotateRight handles the left-left case.
func (ix *Index) rotateRight(z int32) int32 {
	y := ix.arena[z].left
	ix.arena[z].left = ix.arena[y].right
	ix.arena[y].right = z
	ix.update(z)
	ix.update(y)
	return y
}

// rebalance restores the height invariant at i after an insert or delete
// below it, applying single or double rotations as needed.
func (ix *Index) rebalance(i int32) int32 {
	ix.update(i)
	balance := ix.balanceOf(i)
	switch {
	case balance > 1:
		if ix.balanceOf(ix.arena[i].left) < 0 { // left-right case
			ix.arena[i].left = ix.rotateLeft(ix.arena[i].left)
		}
		return ix.rotateRight(i)
	case balance < -1:
		if ix.balanceOf(ix.arena[i].right) > 0 { // right-left case
			ix.arena[i].right = ix.rotateRight(ix.arena[i].right)
		}
		return ix.rotateLeft(i)
	}
	return i
}

func (ix *Index) insert(i int32, key RankKey) int32 {
	if i == nilIdx {
		return ix.alloc(key)
	}
	n := &ix.arena[i]
	switch {
	case key.Less(n.key):
		left := ix.insert(n.left, key)
		ix.arena[i].left = left
	case n.key.Less(key):
		right := ix.insert(n.right, key)
		ix.arena[i].right = right
	default:
		return i // duplicate
	}
	return ix.rebalance(i)
}

func (ix *Index) delete(i int32, key RankKey) (int32, bool) {
	if i == nilIdx {
		return nilIdx, false
	}
	n := &ix.arena[i]
	var found bool
	switch {
	case key.Less(n.key):
		var left int32
		left, found = ix.delete(n.left, key)
		ix.arena[i].left = left
	case n.key.Less(key):
		var right int32
		right, found = ix.delete(n.right, key)
		ix.arena[i].right = right
	default:
		found = true
		switch {
		case n.left == nilIdx:
			right := n.right
			ix.release(i)
			return right, true
		case n.right == nilIdx:
			left := n.left
			ix.release(i)
			return left, true
		default:
			// Two children: replace with the in-order successor, then
			// delete the successor from the right subtree.
			succ := n.right
			for ix.arena[succ].left != nilIdx {
				succ = ix.arena[succ].left
			}
			succKey := ix.arena[succ].key
			right, _ := ix.delete(n.right, succKey)
			ix.arena[i].key = succKey
			ix.arena[i].right = right
		}
	}
	if !found {
		return i, false
	}
	return ix.rebalance(i), true
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
