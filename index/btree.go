package index

import (
	"slices"
	"sort"
)

// DefaultDegree is the minimum degree t of index trees: every node except the
// root holds between t-1 and 2t-1 items.
const DefaultDegree = 32

type item[K any, V any] struct {
	key K
	val V
}

type node[K any, V any] struct {
	items    []item[K, V]
	children []*node[K, V]
}

func (n *node[K, V]) leaf() bool { return len(n.children) == 0 }

// BTree is an in-memory B-tree ordered by cmp. It is not safe for concurrent
// use; Index serializes access.
type BTree[K any, V any] struct {
	degree int
	cmp    func(a, b K) int
	root   *node[K, V]
	length int
}

// NewBTree creates an empty tree. A degree below 2 uses DefaultDegree.
func NewBTree[K any, V any](degree int, cmp func(a, b K) int) *BTree[K, V] {
	if degree < 2 {
		degree = DefaultDegree
	}
	return &BTree[K, V]{degree: degree, cmp: cmp}
}

func (t *BTree[K, V]) maxItems() int { return 2*t.degree - 1 }
func (t *BTree[K, V]) minItems() int { return t.degree - 1 }

// find returns the position of key in n, or where it would be inserted.
func (t *BTree[K, V]) find(n *node[K, V], key K) (int, bool) {
	i := sort.Search(len(n.items), func(i int) bool { return t.cmp(n.items[i].key, key) >= 0 })
	return i, i < len(n.items) && t.cmp(n.items[i].key, key) == 0
}

// Len returns the number of keys.
func (t *BTree[K, V]) Len() int { return t.length }

// Height is the number of levels; an empty tree has height 0.
func (t *BTree[K, V]) Height() int {
	h := 0
	for n := t.root; n != nil; h++ {
		if n.leaf() {
			return h + 1
		}
		n = n.children[0]
	}
	return h
}

// Nodes counts the nodes of the tree.
func (t *BTree[K, V]) Nodes() int {
	if t.root == nil {
		return 0
	}
	var count func(n *node[K, V]) int
	count = func(n *node[K, V]) int {
		c := 1
		for _, ch := range n.children {
			c += count(ch)
		}
		return c
	}
	return count(t.root)
}

// Get returns the value stored under key.
func (t *BTree[K, V]) Get(key K) (V, bool) {
	for n := t.root; n != nil; {
		i, found := t.find(n, key)
		if found {
			return n.items[i].val, true
		}
		if n.leaf() {
			break
		}
		n = n.children[i]
	}
	var zero V
	return zero, false
}

// ReplaceOrInsert stores val under key and returns the previous value, if any.
func (t *BTree[K, V]) ReplaceOrInsert(key K, val V) (V, bool) {
	it := item[K, V]{key: key, val: val}
	if t.root == nil {
		t.root = &node[K, V]{items: []item[K, V]{it}}
		t.length = 1
		var zero V
		return zero, false
	}
	if len(t.root.items) >= t.maxItems() {
		// the only place the tree grows taller
		old := t.root
		t.root = &node[K, V]{children: []*node[K, V]{old}}
		t.splitChild(t.root, 0)
	}
	prev, replaced := t.insertNonFull(t.root, it)
	if !replaced {
		t.length++
	}
	return prev, replaced
}

// splitChild splits the full child i of n around its median, which moves up into n.
func (t *BTree[K, V]) splitChild(n *node[K, V], i int) {
	child := n.children[i]
	mid := t.degree - 1
	median := child.items[mid]

	right := &node[K, V]{items: slices.Clone(child.items[mid+1:])}
	if !child.leaf() {
		right.children = slices.Clone(child.children[mid+1:])
		clear(child.children[mid+1:])
		child.children = child.children[:mid+1]
	}
	clear(child.items[mid:])
	child.items = child.items[:mid]

	n.items = slices.Insert(n.items, i, median)
	n.children = slices.Insert(n.children, i+1, right)
}

func (t *BTree[K, V]) insertNonFull(n *node[K, V], it item[K, V]) (V, bool) {
	for {
		i, found := t.find(n, it.key)
		if found {
			prev := n.items[i].val
			n.items[i] = it
			return prev, true
		}
		if n.leaf() {
			n.items = slices.Insert(n.items, i, it)
			var zero V
			return zero, false
		}
		if len(n.children[i].items) >= t.maxItems() {
			t.splitChild(n, i)
			switch c := t.cmp(it.key, n.items[i].key); {
			case c == 0:
				prev := n.items[i].val
				n.items[i] = it
				return prev, true
			case c > 0:
				i++
			}
		}
		n = n.children[i]
	}
}

// Delete removes key and returns its value.
func (t *BTree[K, V]) Delete(key K) (V, bool) {
	var zero V
	if t.root == nil {
		return zero, false
	}
	v, ok := t.delete(t.root, key)
	if ok {
		t.length--
	}
	if len(t.root.items) == 0 {
		// the only place the tree gets shorter
		if t.root.leaf() {
			t.root = nil
		} else {
			t.root = t.root.children[0]
		}
	}
	return v, ok
}

// delete removes key from the subtree rooted at n. Before descending into a
// child it makes sure the child has at least t items, so a removal never
// leaves a node below the minimum.
func (t *BTree[K, V]) delete(n *node[K, V], key K) (V, bool) {
	var zero V
	for {
		i, found := t.find(n, key)
		if n.leaf() {
			if !found {
				return zero, false
			}
			v := n.items[i].val
			n.items = slices.Delete(n.items, i, i+1)
			return v, true
		}

		if found {
			v := n.items[i].val
			switch {
			case len(n.children[i].items) > t.minItems():
				pred := t.max(n.children[i])
				n.items[i] = pred
				t.delete(n.children[i], pred.key)
			case len(n.children[i+1].items) > t.minItems():
				succ := t.min(n.children[i+1])
				n.items[i] = succ
				t.delete(n.children[i+1], succ.key)
			default:
				t.merge(n, i)
				t.delete(n.children[i], key)
			}
			return v, true
		}

		if len(n.children[i].items) <= t.minItems() {
			i = t.grow(n, i)
		}
		n = n.children[i]
	}
}

// grow gives child i of n an extra item by borrowing from a sibling or merging
// with one. It returns the index of the child that now covers the key range.
func (t *BTree[K, V]) grow(n *node[K, V], i int) int {
	child := n.children[i]
	switch {
	case i > 0 && len(n.children[i-1].items) > t.minItems():
		left := n.children[i-1]
		child.items = slices.Insert(child.items, 0, n.items[i-1])
		n.items[i-1] = left.items[len(left.items)-1]
		left.items = left.items[:len(left.items)-1]
		if !left.leaf() {
			last := left.children[len(left.children)-1]
			left.children = left.children[:len(left.children)-1]
			child.children = slices.Insert(child.children, 0, last)
		}
		return i
	case i < len(n.items) && len(n.children[i+1].items) > t.minItems():
		right := n.children[i+1]
		child.items = append(child.items, n.items[i])
		n.items[i] = right.items[0]
		right.items = slices.Delete(right.items, 0, 1)
		if !right.leaf() {
			child.children = append(child.children, right.children[0])
			right.children = slices.Delete(right.children, 0, 1)
		}
		return i
	case i < len(n.items):
		t.merge(n, i)
		return i
	default:
		t.merge(n, i-1)
		return i - 1
	}
}

// merge folds item i of n and child i+1 into child i.
func (t *BTree[K, V]) merge(n *node[K, V], i int) {
	left, right := n.children[i], n.children[i+1]
	left.items = append(left.items, n.items[i])
	left.items = append(left.items, right.items...)
	left.children = append(left.children, right.children...)
	n.items = slices.Delete(n.items, i, i+1)
	n.children = slices.Delete(n.children, i+1, i+2)
}

func (t *BTree[K, V]) min(n *node[K, V]) item[K, V] {
	for !n.leaf() {
		n = n.children[0]
	}
	return n.items[0]
}

func (t *BTree[K, V]) max(n *node[K, V]) item[K, V] {
	for !n.leaf() {
		n = n.children[len(n.children)-1]
	}
	return n.items[len(n.items)-1]
}

// Ascend calls fn for every key in ascending order, starting at the first key
// for which geq returns true (geq must be monotone over the key order; nil
// starts at the smallest key). Iteration stops when fn returns false.
func (t *BTree[K, V]) Ascend(geq func(K) bool, fn func(K, V) bool) {
	if t.root == nil {
		return
	}
	t.ascend(t.root, geq, fn)
}

func (t *BTree[K, V]) ascend(n *node[K, V], geq func(K) bool, fn func(K, V) bool) bool {
	start := 0
	if geq != nil {
		start = sort.Search(len(n.items), func(i int) bool { return geq(n.items[i].key) })
	}
	for i := start; i <= len(n.items); i++ {
		if !n.leaf() {
			// only the first child visited can contain keys before the start
			g := geq
			if i > start {
				g = nil
			}
			if !t.ascend(n.children[i], g, fn) {
				return false
			}
		}
		if i == len(n.items) {
			break
		}
		if !fn(n.items[i].key, n.items[i].val) {
			return false
		}
	}
	return true
}
