package rpgo

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxClique returns the vertices of a maximum clique of the undirected graph
// given by the symmetric adjacency matrix. Problems up to exhaustiveBound
// vertices run a parallel pivoting Bron-Kerbosch search; beyond that a greedy
// expansion heuristic is used.
func maxClique(adj [][]bool, exhaustiveBound int) []int {
	n := len(adj)
	if n == 0 {
		return nil
	}
	if n > exhaustiveBound {
		return greedyClique(adj)
	}
	return bronKerbosch(adj)
}

type cliqueBest struct {
	mu   sync.Mutex
	best []int
}

func (cb *cliqueBest) offer(clique []int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(clique) > len(cb.best) {
		cb.best = append([]int(nil), clique...)
	}
}

func (cb *cliqueBest) size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.best)
}

// bronKerbosch runs the pivoting search, branching the top-level candidates
// across workers.
func bronKerbosch(adj [][]bool) []int {
	n := len(adj)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	best := &cliqueBest{}
	workers := int64(runtime.GOMAXPROCS(0))
	sem := semaphore.NewWeighted(workers)
	group, ctx := errgroup.WithContext(context.Background())

	pivot := choosePivot(adj, all, nil)
	for _, v := range all {
		if v != pivot && adj[pivot][v] {
			continue // pivot neighbors are covered by other branches
		}
		v := v
		p := intersectNeighbors(adj, all, v)
		x := []int(nil)
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			expandClique(adj, []int{v}, p, x, best)
			return nil
		})
		// serialize the exclusion set across branches
		all = remove(all, v)
	}
	//nolint:errcheck
	group.Wait()
	return best.best
}

func expandClique(adj [][]bool, r, p, x []int, best *cliqueBest) {
	if len(p) == 0 && len(x) == 0 {
		best.offer(r)
		return
	}
	if len(r)+len(p) <= best.size() {
		return // bound: cannot beat the incumbent
	}
	pivot := choosePivot(adj, p, x)
	candidates := make([]int, 0, len(p))
	for _, v := range p {
		if v == pivot || !adj[pivot][v] {
			candidates = append(candidates, v)
		}
	}
	for _, v := range candidates {
		expandClique(adj,
			append(append([]int(nil), r...), v),
			intersectNeighbors(adj, p, v),
			intersectNeighbors(adj, x, v),
			best)
		p = remove(p, v)
		x = append(x, v)
	}
}

// choosePivot picks the vertex of p∪x with the most neighbors in p.
func choosePivot(adj [][]bool, p, x []int) int {
	bestV, bestDeg := p[0], -1
	for _, v := range append(append([]int(nil), p...), x...) {
		deg := 0
		for _, u := range p {
			if u != v && adj[v][u] {
				deg++
			}
		}
		if deg > bestDeg {
			bestV, bestDeg = v, deg
		}
	}
	return bestV
}

func intersectNeighbors(adj [][]bool, set []int, v int) []int {
	out := make([]int, 0, len(set))
	for _, u := range set {
		if u != v && adj[v][u] {
			out = append(out, u)
		}
	}
	return out
}

func remove(set []int, v int) []int {
	out := make([]int, 0, len(set))
	for _, u := range set {
		if u != v {
			out = append(out, u)
		}
	}
	return out
}

// greedyClique orders vertices by degree and grows a clique by repeated
// expansion. Not optimal, but close in practice for consistency graphs and
// bounded in cost.
func greedyClique(adj [][]bool) []int {
	n := len(adj)
	order := make([]int, n)
	deg := make([]int, n)
	for i := range order {
		order[i] = i
		for j := 0; j < n; j++ {
			if adj[i][j] {
				deg[i]++
			}
		}
	}
	sort.Slice(order, func(a, b int) bool { return deg[order[a]] > deg[order[b]] })

	var best []int
	for _, seed := range order {
		clique := []int{seed}
		for _, v := range order {
			if v == seed {
				continue
			}
			ok := true
			for _, u := range clique {
				if !adj[v][u] {
					ok = false
					break
				}
			}
			if ok {
				clique = append(clique, v)
			}
		}
		if len(clique) > len(best) {
			best = clique
		}
	}
	return best
}
