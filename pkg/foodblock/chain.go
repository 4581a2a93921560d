package foodblock

// ResolveFunc returns the block for a hash, or false when unknown. Walks are
// storage-agnostic: the store, a federation client, and tests all plug in here.
type ResolveFunc func(hash string) (Block, bool)

// ForwardFunc returns the blocks whose refs.updates points at hash.
type ForwardFunc func(hash string) []Block

// ChainWalk follows refs.updates backward from start, newest first, stopping
// at the genesis block, maxDepth, or a repeated hash. A malformed graph with a
// ref loop terminates instead of spinning.
func ChainWalk(start string, resolve ResolveFunc, maxDepth int) []Block {
	if maxDepth <= 0 {
		maxDepth = 100
	}
	var out []Block
	visited := make(map[string]bool, maxDepth)
	cur := start
	for i := 0; i < maxDepth; i++ {
		if cur == "" || visited[cur] {
			break
		}
		visited[cur] = true
		b, ok := resolve(cur)
		if !ok {
			break
		}
		out = append(out, b)
		next, ok := b.UpdateTarget()
		if !ok {
			break
		}
		cur = next
	}
	return out
}

// HeadWalk follows update edges forward from start and returns the hash of the
// newest successor found. With multiple successors (a fork) the first one
// reported by the resolver is followed; callers who need fork-aware heads use
// the store's chain index instead.
func HeadWalk(start string, forward ForwardFunc, maxDepth int) string {
	if maxDepth <= 0 {
		maxDepth = 100
	}
	visited := make(map[string]bool, maxDepth)
	cur := start
	for i := 0; i < maxDepth; i++ {
		if visited[cur] {
			break
		}
		visited[cur] = true
		succ := forward(cur)
		if len(succ) == 0 {
			break
		}
		cur = succ[0].Hash
	}
	return cur
}
