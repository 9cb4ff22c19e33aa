// Package klist implements the intrusive doubly-linked list the kernel core
// uses for every state list (ready, delay, suspend, timeout, waiter): a
// circular list with a sentinel head, so insert/remove/move are all O(1) and
// never allocate.
//
// A domain struct embeds one Node per list it can simultaneously belong to.
// A TCB, for example, embeds two: one for the state list it is currently on
// (ready/delay/suspend/timeout-blocked) and one for the event waiter list of
// a semaphore, mutex, or queue it may be blocked on at the same time.
package klist

// Node is an intrusive list link. Embed it (by value) in a domain struct and
// take its address when calling List methods.
//
// Value optionally carries a back-reference to the owning domain struct, for
// containers where recovering the owner via unsafe.Pointer container_of
// isn't applicable (e.g. a struct that embeds more than one Node, so only
// one of them can occupy the first-field position that trick requires).
// kheap's Block, which has exactly one Node and puts it first, does not need
// this and leaves Value unset.
type Node struct {
	next, prev *Node
	list       *List
	Value      any
}

// List is a circular doubly-linked list with a sentinel head node. The zero
// value is not ready for use; call Init (or New).
type List struct {
	head Node
	len  int
}

// New returns an initialized empty List.
func New() *List {
	l := &List{}
	l.Init()
	return l
}

// Init (re)initializes the list as empty. Any nodes previously on it are
// orphaned, not unlinked — callers must not Init a non-empty list they still
// hold references into.
func (l *List) Init() {
	l.head.next = &l.head
	l.head.prev = &l.head
	l.head.list = l
	l.len = 0
}

// Len returns the number of nodes on the list.
func (l *List) Len() int { return l.len }

// Empty reports whether the list has no nodes.
func (l *List) Empty() bool { return l.len == 0 }

// Front returns the first node on the list, or nil if empty.
func (l *List) Front() *Node {
	if l.len == 0 {
		return nil
	}
	return l.head.next
}

// Back returns the last node on the list, or nil if empty.
func (l *List) Back() *Node {
	if l.len == 0 {
		return nil
	}
	return l.head.prev
}

// PushFront inserts n at the head of the list.
func (l *List) PushFront(n *Node) { l.insertAfter(n, &l.head) }

// PushBack inserts n at the tail of the list.
func (l *List) PushBack(n *Node) { l.insertAfter(n, l.head.prev) }

// InsertAfter inserts n immediately after mark, which must already be on l.
func (l *List) InsertAfter(n, mark *Node) { l.insertAfter(n, mark) }

// InsertBefore inserts n immediately before mark, which must already be on l.
func (l *List) InsertBefore(n, mark *Node) { l.insertAfter(n, mark.prev) }

func (l *List) insertAfter(n, mark *Node) {
	if n.list != nil {
		n.list.Remove(n)
	}
	next := mark.next
	mark.next = n
	n.prev = mark
	n.next = next
	next.prev = n
	n.list = l
	l.len++
}

// Remove unlinks n from whatever list it is on. A no-op if n is not on any
// list.
func (l *List) Remove(n *Node) {
	if n.list == nil {
		return
	}
	owner := n.list
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
	n.list = nil
	owner.len--
}

// MoveToBack moves n, which must already be on l, to the tail of l.
func (l *List) MoveToBack(n *Node) {
	if n.list != l || l.head.prev == n {
		return
	}
	l.Remove(n)
	l.PushBack(n)
}

// Owner returns the list n currently belongs to, or nil.
func (n *Node) Owner() *List { return n.list }

// Next returns the node's successor, or nil if n is the last node or is not
// on a list.
func (n *Node) Next() *Node {
	if n.list == nil || n.next == &n.list.head {
		return nil
	}
	return n.next
}

// Prev returns the node's predecessor, or nil if n is the first node or is
// not on a list.
func (n *Node) Prev() *Node {
	if n.list == nil || n.prev == &n.list.head {
		return nil
	}
	return n.prev
}
