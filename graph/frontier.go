package graph

import "container/heap"

// frontier is the ready set, ordered by topological index so scheduling
// ties break deterministically toward graph order.
type frontier struct {
	items []frontierItem
}

type frontierItem struct {
	nodeID string
	topo   int
}

func newFrontier() *frontier {
	f := &frontier{}
	heap.Init(f)
	return f
}

func (f *frontier) Len() int           { return len(f.items) }
func (f *frontier) Less(i, j int) bool { return f.items[i].topo < f.items[j].topo }
func (f *frontier) Swap(i, j int)      { f.items[i], f.items[j] = f.items[j], f.items[i] }

func (f *frontier) Push(x any) {
	f.items = append(f.items, x.(frontierItem))
}

func (f *frontier) Pop() any {
	old := f.items
	n := len(old)
	item := old[n-1]
	f.items = old[:n-1]
	return item
}

func (f *frontier) add(nodeID string, topo int) {
	heap.Push(f, frontierItem{nodeID: nodeID, topo: topo})
}

// next pops the lowest-topo ready node. Callers must check Len first.
func (f *frontier) next() string {
	return heap.Pop(f).(frontierItem).nodeID
}
