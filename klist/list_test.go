package klist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ThbzZxx/zkRTOS/klist"
)

type item struct {
	node klist.Node
	val  int
}

func TestList_PushFrontBack(t *testing.T) {
	l := klist.New()
	require.True(t, l.Empty())

	a := &item{val: 1}
	b := &item{val: 2}
	c := &item{val: 3}

	l.PushBack(&a.node)
	l.PushBack(&b.node)
	l.PushFront(&c.node)

	require.Equal(t, 3, l.Len())

	byNode := map[*klist.Node]int{&a.node: a.val, &b.node: b.val, &c.node: c.val}
	var order []int
	for n := l.Front(); n != nil; n = n.Next() {
		order = append(order, byNode[n])
	}
	require.Equal(t, []int{3, 1, 2}, order)
}

func TestList_Remove(t *testing.T) {
	l := klist.New()
	a := &item{val: 1}
	b := &item{val: 2}
	l.PushBack(&a.node)
	l.PushBack(&b.node)

	l.Remove(&a.node)
	require.Equal(t, 1, l.Len())
	require.Nil(t, a.node.Owner())
	require.Same(t, &b.node, l.Front())

	// removing twice is a no-op
	l.Remove(&a.node)
	require.Equal(t, 1, l.Len())
}

func TestList_MoveToBack(t *testing.T) {
	l := klist.New()
	a := &item{val: 1}
	b := &item{val: 2}
	c := &item{val: 3}
	l.PushBack(&a.node)
	l.PushBack(&b.node)
	l.PushBack(&c.node)

	l.MoveToBack(&a.node)

	byNode := map[*klist.Node]int{&a.node: a.val, &b.node: b.val, &c.node: c.val}
	var order []int
	for n := l.Front(); n != nil; n = n.Next() {
		order = append(order, byNode[n])
	}
	require.Equal(t, []int{2, 3, 1}, order)
	require.Equal(t, 3, l.Len())
}

func TestList_MultipleEmbeddedNodes(t *testing.T) {
	// mirrors a TCB carrying both a state-list node and an event-sleep-list
	// node simultaneously (spec I2).
	type tcb struct {
		stateNode klist.Node
		eventNode klist.Node
	}

	state := klist.New()
	event := klist.New()

	t1 := &tcb{}
	state.PushBack(&t1.stateNode)
	event.PushBack(&t1.eventNode)

	require.Equal(t, 1, state.Len())
	require.Equal(t, 1, event.Len())
	require.Same(t, state, t1.stateNode.Owner())
	require.Same(t, event, t1.eventNode.Owner())
}
