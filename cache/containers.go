package cache

import (
	"bytes"
	"slices"
	"sort"
)

// entryOverhead approximates the per-entry bookkeeping cost in bytes.
const entryOverhead = 64

// String holds an opaque byte string.
type String struct {
	b []byte
}

// NewString copies b into a String.
func NewString(b []byte) *String {
	return &String{b: bytes.Clone(b)}
}

func (s *String) Kind() Kind    { return KindString }
func (s *String) Size() int64   { return int64(len(s.b)) }
func (s *String) Clone() Value  { return NewString(s.b) }
func (s *String) Bytes() []byte { return s.b }

// List is an ordered sequence of byte strings.
type List struct {
	items [][]byte
	size  int64
}

func NewList(items ...[]byte) *List {
	l := &List{}
	l.PushBack(items...)
	return l
}

func (l *List) Kind() Kind  { return KindList }
func (l *List) Size() int64 { return l.size }
func (l *List) Len() int    { return len(l.items) }

func (l *List) Clone() Value {
	c := &List{items: make([][]byte, len(l.items)), size: l.size}
	for i, it := range l.items {
		c.items[i] = bytes.Clone(it)
	}
	return c
}

func (l *List) PushBack(items ...[]byte) {
	for _, it := range items {
		l.items = append(l.items, bytes.Clone(it))
		l.size += int64(len(it))
	}
}

func (l *List) PushFront(items ...[]byte) {
	front := make([][]byte, 0, len(items)+len(l.items))
	for i := len(items) - 1; i >= 0; i-- {
		front = append(front, bytes.Clone(items[i]))
		l.size += int64(len(items[i]))
	}
	l.items = append(front, l.items...)
}

func (l *List) PopFront() ([]byte, bool) {
	if len(l.items) == 0 {
		return nil, false
	}
	it := l.items[0]
	l.items = l.items[1:]
	l.size -= int64(len(it))
	return it, true
}

func (l *List) PopBack() ([]byte, bool) {
	if len(l.items) == 0 {
		return nil, false
	}
	it := l.items[len(l.items)-1]
	l.items = l.items[:len(l.items)-1]
	l.size -= int64(len(it))
	return it, true
}

// Trim keeps at most n items from the front.
func (l *List) Trim(n int) {
	for len(l.items) > n {
		l.PopBack()
	}
}

// Range returns items [start, stop) clamped to the list bounds.
func (l *List) Range(start, stop int) [][]byte {
	start = max(start, 0)
	stop = min(stop, len(l.items))
	if start >= stop {
		return nil
	}
	return slices.Clone(l.items[start:stop])
}

// Hash maps field names to byte strings.
type Hash struct {
	fields map[string][]byte
	size   int64
}

func NewHash() *Hash {
	return &Hash{fields: make(map[string][]byte)}
}

func (h *Hash) Kind() Kind  { return KindHash }
func (h *Hash) Size() int64 { return h.size }
func (h *Hash) Len() int    { return len(h.fields) }

func (h *Hash) Clone() Value {
	c := &Hash{fields: make(map[string][]byte, len(h.fields)), size: h.size}
	for k, v := range h.fields {
		c.fields[k] = bytes.Clone(v)
	}
	return c
}

// Set stores field and reports whether it is new.
func (h *Hash) Set(field string, value []byte) bool {
	old, exists := h.fields[field]
	if exists {
		h.size -= int64(len(field) + len(old))
	}
	h.fields[field] = bytes.Clone(value)
	h.size += int64(len(field) + len(value))
	return !exists
}

func (h *Hash) Get(field string) ([]byte, bool) {
	v, ok := h.fields[field]
	return v, ok
}

func (h *Hash) Delete(field string) bool {
	old, ok := h.fields[field]
	if ok {
		delete(h.fields, field)
		h.size -= int64(len(field) + len(old))
	}
	return ok
}

// Fields returns the field names in sorted order.
func (h *Hash) Fields() []string {
	out := make([]string, 0, len(h.fields))
	for k := range h.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set is an unordered collection of distinct members.
type Set struct {
	members map[string]struct{}
	size    int64
}

func NewSet(members ...string) *Set {
	s := &Set{members: make(map[string]struct{}, len(members))}
	s.Add(members...)
	return s
}

func (s *Set) Kind() Kind  { return KindSet }
func (s *Set) Size() int64 { return s.size }
func (s *Set) Len() int    { return len(s.members) }

func (s *Set) Clone() Value {
	c := &Set{members: make(map[string]struct{}, len(s.members)), size: s.size}
	for m := range s.members {
		c.members[m] = struct{}{}
	}
	return c
}

// Add inserts members and returns how many were new.
func (s *Set) Add(members ...string) int {
	var added int
	for _, m := range members {
		if _, ok := s.members[m]; !ok {
			s.members[m] = struct{}{}
			s.size += int64(len(m))
			added++
		}
	}
	return added
}

func (s *Set) Remove(member string) bool {
	if _, ok := s.members[member]; !ok {
		return false
	}
	delete(s.members, member)
	s.size -= int64(len(member))
	return true
}

func (s *Set) Contains(member string) bool {
	_, ok := s.members[member]
	return ok
}

// Members returns the members in sorted order.
func (s *Set) Members() []string {
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// newContainer returns an empty container of kind k.
func newContainer(k Kind) Value {
	switch k {
	case KindString:
		return &String{}
	case KindList:
		return &List{}
	case KindHash:
		return NewHash()
	case KindSet:
		return NewSet()
	default:
		return nil
	}
}
