package ir

// DomTree holds immediate dominators of the blocks reachable from the entry.
type DomTree struct {
	entry BlockID
	idom  map[BlockID]BlockID
	order map[BlockID]int // reverse postorder index
	rpo   []BlockID
}

// Dominators computes the dominator tree of f with the iterative algorithm
// of Cooper, Harvey and Kennedy.
func (m *Module) Dominators(f FuncID) *DomTree {
	t := &DomTree{
		entry: m.Entry(f),
		idom:  make(map[BlockID]BlockID),
		order: make(map[BlockID]int),
	}
	if t.entry == NoBlock {
		return t
	}
	t.rpo = m.ReversePostorder(f)
	for i, b := range t.rpo {
		t.order[b] = i
	}
	preds := make(map[BlockID][]BlockID, len(t.rpo))
	for _, b := range t.rpo {
		for _, s := range m.Successors(b) {
			preds[s] = append(preds[s], b)
		}
	}

	t.idom[t.entry] = t.entry
	for changed := true; changed; {
		changed = false
		for _, b := range t.rpo[1:] {
			newIdom := NoBlock
			for _, p := range preds[b] {
				if _, ok := t.idom[p]; !ok {
					continue
				}
				if newIdom == NoBlock {
					newIdom = p
					continue
				}
				newIdom = t.intersect(p, newIdom)
			}
			if old, ok := t.idom[b]; newIdom != NoBlock && (!ok || old != newIdom) {
				t.idom[b] = newIdom
				changed = true
			}
		}
	}
	return t
}

func (t *DomTree) intersect(a, b BlockID) BlockID {
	for a != b {
		for t.order[a] > t.order[b] {
			a = t.idom[a]
		}
		for t.order[b] > t.order[a] {
			b = t.idom[b]
		}
	}
	return a
}

// Reachable reports whether b can be reached from the entry.
func (t *DomTree) Reachable(b BlockID) bool {
	_, ok := t.order[b]
	return ok
}

// Idom returns the immediate dominator of b (the entry for itself).
func (t *DomTree) Idom(b BlockID) BlockID {
	if d, ok := t.idom[b]; ok {
		return d
	}
	return NoBlock
}

// Dominates reports whether every path from the entry to b passes a.
// Every block dominates itself.
func (t *DomTree) Dominates(a, b BlockID) bool {
	if !t.Reachable(a) || !t.Reachable(b) {
		return false
	}
	for {
		if a == b {
			return true
		}
		if b == t.entry {
			return false
		}
		b = t.idom[b]
	}
}

// ReversePostorder lists the blocks reachable from the entry of f.
func (m *Module) ReversePostorder(f FuncID) []BlockID {
	entry := m.Entry(f)
	if entry == NoBlock {
		return nil
	}
	visited := make(map[BlockID]bool)
	var post []BlockID
	var walk func(BlockID)
	walk = func(b BlockID) {
		visited[b] = true
		for _, s := range m.Successors(b) {
			if !visited[s] {
				walk(s)
			}
		}
		post = append(post, b)
	}
	walk(entry)
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// Order returns the reachable blocks in reverse postorder.
func (t *DomTree) Order() []BlockID {
	return append([]BlockID(nil), t.rpo...)
}

// Children returns the blocks b immediately dominates, in reverse
// postorder.
func (t *DomTree) Children(b BlockID) []BlockID {
	var out []BlockID
	for _, x := range t.rpo {
		if x != t.entry && t.idom[x] == b {
			out = append(out, x)
		}
	}
	return out
}
