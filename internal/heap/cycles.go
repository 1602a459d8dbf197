package heap

import (
	"time"

	"github.com/kunitoki/etch/internal/value"
)

// outgoingEdges computes (and caches) the set of heap ids an object
// directly points at. The cache is invalidated by markDirty; cycle scans
// only ever need to recompute it for objects that changed since the last
// scan (§4.B: "edge sets are recomputed lazily on cycle scan").
func (h *Heap) outgoingEdges(id int32) []int32 {
	o, ok := h.object(id)
	if !ok {
		return nil
	}
	if o.edges != nil {
		out := make([]int32, 0, len(o.edges))
		for e := range o.edges {
			out = append(out, e)
		}
		return out
	}
	edges := make(map[int32]struct{})
	for _, v := range h.childValues(o) {
		if v.IsContainer() {
			edges[v.HeapID()] = struct{}{}
		}
	}
	if o.kind == KindWeak && o.weakTo > 0 {
		// Weak edges are not ownership edges and must never keep a cycle
		// alive; the promoted-weak root set (below) is the only path by
		// which a weak target survives a scan.
	}
	o.edges = edges
	o.dirty = false
	out := make([]int32, 0, len(edges))
	for e := range edges {
		out = append(out, e)
	}
	return out
}

// tarjanFrame is one explicit-recursion stack entry for the iterative
// Tarjan SCC walk, serializable across time-slices.
type tarjanFrame struct {
	node      int32
	neighbors []int32
	childIdx  int
}

// tarjanState is the complete, resumable state of an in-progress scan —
// "Tarjan state (indices, lowlinks, pending objects, partial stack)" per
// §4.B.
type tarjanState struct {
	index        map[int32]int
	lowlink      map[int32]int
	onStack      map[int32]bool
	stack        []int32
	work         []tarjanFrame
	nextIndex    int
	pendingRoots []int32
	sccs         [][]int32
	forceFull    bool
}

func newTarjanState(startNodes []int32, forceFull bool) *tarjanState {
	return &tarjanState{
		index:        make(map[int32]int),
		lowlink:      make(map[int32]int),
		onStack:      make(map[int32]bool),
		pendingRoots: append([]int32(nil), startNodes...),
		forceFull:    forceFull,
	}
}

// step runs up to budget object-visits of the iterative Tarjan algorithm,
// returning true once the whole scan subgraph has been processed.
func (h *Heap) step(tj *tarjanState, budget int) bool {
	processed := 0
	for processed < budget {
		if len(tj.work) == 0 {
			if len(tj.pendingRoots) == 0 {
				return true
			}
			root := tj.pendingRoots[0]
			tj.pendingRoots = tj.pendingRoots[1:]
			if _, seen := tj.index[root]; seen {
				continue
			}
			if _, ok := h.object(root); !ok {
				continue
			}
			tj.index[root] = tj.nextIndex
			tj.lowlink[root] = tj.nextIndex
			tj.nextIndex++
			tj.stack = append(tj.stack, root)
			tj.onStack[root] = true
			tj.work = append(tj.work, tarjanFrame{node: root})
			processed++
			continue
		}

		f := &tj.work[len(tj.work)-1]
		if f.neighbors == nil {
			f.neighbors = h.outgoingEdges(f.node)
		}
		if f.childIdx < len(f.neighbors) {
			w := f.neighbors[f.childIdx]
			f.childIdx++
			if _, ok := h.object(w); !ok {
				continue
			}
			if _, seen := tj.index[w]; !seen {
				tj.index[w] = tj.nextIndex
				tj.lowlink[w] = tj.nextIndex
				tj.nextIndex++
				tj.stack = append(tj.stack, w)
				tj.onStack[w] = true
				tj.work = append(tj.work, tarjanFrame{node: w})
			} else if tj.onStack[w] {
				if tj.index[w] < tj.lowlink[f.node] {
					tj.lowlink[f.node] = tj.index[w]
				}
			}
			processed++
			continue
		}

		v := f.node
		tj.work = tj.work[:len(tj.work)-1]
		if len(tj.work) > 0 {
			parent := &tj.work[len(tj.work)-1]
			if tj.lowlink[v] < tj.lowlink[parent.node] {
				tj.lowlink[parent.node] = tj.lowlink[v]
			}
		}
		if tj.lowlink[v] == tj.index[v] {
			var scc []int32
			for {
				n := len(tj.stack) - 1
				w := tj.stack[n]
				tj.stack = tj.stack[:n]
				tj.onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			tj.sccs = append(tj.sccs, scc)
		}
		processed++
	}
	return false
}

// scanRoots returns the set of ids the SCC walk should start from: the
// dirty set (or every live id, in force-full mode), plus the live target
// of every weak reference.
func (h *Heap) scanRoots(forceFull bool) []int32 {
	var roots []int32
	if forceFull {
		for id := 1; id < len(h.slots); id++ {
			if h.slots[id] != nil {
				roots = append(roots, int32(id))
			}
		}
		return roots
	}
	for id := range h.dirty {
		roots = append(roots, id)
	}
	for wid := range h.weakIDs {
		if wo, ok := h.object(wid); ok && wo.weakTo > 0 {
			roots = append(roots, wo.weakTo)
		}
	}
	return roots
}

// hasSelfEdge reports whether id appears in its own outgoing edge set —
// a single-node component still needs collecting when it self-references
// (§4.B: "single-node components with a self-edge").
func (h *Heap) hasSelfEdge(id int32) bool {
	for _, e := range h.outgoingEdges(id) {
		if e == id {
			return true
		}
	}
	return false
}

// markReachable does a plain BFS over the live object graph starting from
// roots, used to distinguish SCC members that are genuinely garbage from
// ones still reachable through some path the dirty-subgraph scan didn't
// need to take (e.g. a non-dirty object holding a live edge into the
// cycle). This BFS is not time-sliced: it only runs over the (usually
// small) candidate set reachable from roots through live edges, bounded by
// total live heap size in the worst case, which is the same bound §8
// invariant 6 implicitly accepts ("no object reachable from any VM root
// ... is freed").
func (h *Heap) markReachable(roots []value.Value) map[int32]struct{} {
	marked := make(map[int32]struct{})
	var queue []int32
	for _, r := range roots {
		if r.IsContainer() && r.HeapID() > 0 {
			queue = append(queue, r.HeapID())
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := marked[id]; seen {
			continue
		}
		marked[id] = struct{}{}
		o, ok := h.object(id)
		if !ok {
			continue
		}
		for _, child := range h.childValues(o) {
			if child.IsContainer() && child.HeapID() > 0 {
				queue = append(queue, child.HeapID())
			}
		}
	}
	return marked
}

// sweepCycles frees every SCC member not found in marked, per §4.B's
// mark-and-sweep pass. Collected members have their strong count forced
// to 0 and go through the normal free path (destructor, children,
// nullification) exactly once each.
func (h *Heap) sweepCycles(sccs [][]int32, marked map[int32]struct{}) int {
	before := h.liveCount
	for _, scc := range sccs {
		isCycle := len(scc) > 1
		if !isCycle && len(scc) == 1 {
			isCycle = h.hasSelfEdge(scc[0])
		}
		if !isCycle {
			continue
		}
		for _, id := range scc {
			if _, ok := marked[id]; ok {
				continue
			}
			o, ok := h.object(id)
			if !ok || o.strong == 0 {
				continue
			}
			o.strong = 0
			h.free(id, o)
		}
	}
	return before - h.liveCount
}

// CollectCycles runs a complete (non-time-sliced) scan to completion and
// returns the number of objects freed. forceFull ignores the dirty-set
// restriction and scans every live object — used at program exit.
func (h *Heap) CollectCycles(roots []value.Value, forceFull bool) int {
	tj := newTarjanState(h.scanRoots(forceFull), forceFull)
	for !h.step(tj, 1<<30) {
	}
	marked := h.markReachable(roots)
	freed := h.sweepCycles(tj.sccs, marked)
	h.dirty = make(map[int32]struct{})
	h.afterScan(freed)
	return freed
}

// --- Adaptive scheduling (§4.B) ---

// afterScan adjusts the operation-count threshold: it shrinks (floor
// minThreshold) when cycles were found, and grows (ceiling 10x nominal)
// otherwise, and folds the observed allocation rate in as extra pressure.
func (h *Heap) afterScan(freed int) {
	if freed > 0 {
		h.threshold = h.threshold / 2
		if h.threshold < minThreshold {
			h.threshold = minThreshold
		}
	} else {
		h.threshold = h.threshold * 3 / 2
		if max := h.nominalInterval * maxThresholdMul; h.threshold > max {
			h.threshold = max
		}
	}

	const emaAlpha = 0.2
	rate := float64(h.opsSinceAlloc)
	h.allocRateEMA = emaAlpha*rate + (1-emaAlpha)*h.allocRateEMA
	h.opsSinceAlloc = 0
	if h.allocRateEMA > 0 && h.allocRateEMA < float64(h.threshold) {
		h.threshold = uint64(h.allocRateEMA)
		if h.threshold < minThreshold {
			h.threshold = minThreshold
		}
	}
	h.opCounter = 0
}

// MaybeCollect runs an eager scan once the adaptive operation-counter
// threshold has been crossed. Returns whether a scan ran and how many
// objects it freed.
func (h *Heap) MaybeCollect(roots []value.Value) (ran bool, freed int) {
	if h.tj != nil {
		return false, 0 // a frame-budgeted scan is in progress; let it finish
	}
	if h.opCounter < h.threshold {
		return false, 0
	}
	return true, h.CollectCycles(roots, false)
}

// --- Frame-budgeted, time-sliced mode (§4.B) ---

type frameBudget struct {
	deadline time.Time
	budget   time.Duration
}

// BeginFrameBudget starts (or continues) a per-frame microsecond
// allowance for incremental cycle detection.
func (h *Heap) BeginFrameBudget(budget time.Duration, now time.Time) {
	h.fb = &frameBudget{deadline: now.Add(budget), budget: budget}
}

// HasBudgetRemaining reports whether at least minimum time remains in the
// current frame budget; callers must check this before beginning or
// continuing incremental work.
func (h *Heap) HasBudgetRemaining(minimum time.Duration, now time.Time) bool {
	if h.fb == nil {
		return false
	}
	return h.fb.deadline.Sub(now) >= minimum
}

// StepCycleScan advances (or starts) a time-sliced scan, processing at
// most maxObjects heap ids before returning. inProgress is true between
// slices; once it returns false the scan has completed and freed reports
// how many objects were collected in total across every slice.
func (h *Heap) StepCycleScan(roots []value.Value, maxObjects int, forceFull bool) (inProgress bool, freed int) {
	if h.tj == nil {
		h.tj = newTarjanState(h.scanRoots(forceFull), forceFull)
	}
	done := h.step(h.tj, maxObjects)
	if !done {
		return true, 0
	}
	marked := h.markReachable(roots)
	freed = h.sweepCycles(h.tj.sccs, marked)
	h.dirty = make(map[int32]struct{})
	h.tj = nil
	h.afterScan(freed)
	return false, freed
}

// InProgress reports whether a frame-budgeted scan is mid-flight.
func (h *Heap) InProgress() bool { return h.tj != nil }
