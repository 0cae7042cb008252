package flow

import "sync"

// flowTable hands out integer handles for Flow records and resolves pair
// back-references through them, so destruction of one endpoint can never
// leave the other holding a dangling pointer (SPEC_FULL.md §9).
type flowTable struct {
	mu    sync.Mutex
	next  int
	flows map[int]*Flow
}

func newFlowTable() *flowTable {
	return &flowTable{flows: make(map[int]*Flow)}
}

func (t *flowTable) register(f *Flow) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	f.handle = h
	t.flows[h] = f
	return h
}

// pair links two flows as each other's peer.
func (t *flowTable) pair(a, b *Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a.pairHandle = b.handle
	b.pairHandle = a.handle
}

func (t *flowTable) get(handle int) (*Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[handle]
	return f, ok
}

func (t *flowTable) unregister(handle int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, handle)
}

func (t *flowTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}
