package rpgo

import (
	"sort"
	"testing"

	"go.viam.com/test"
)

func adjacency(n int, edges [][2]int) [][]bool {
	adj := make([][]bool, n)
	for i := range adj {
		adj[i] = make([]bool, n)
		adj[i][i] = true
	}
	for _, e := range edges {
		adj[e[0]][e[1]] = true
		adj[e[1]][e[0]] = true
	}
	return adj
}

func sorted(s []int) []int {
	out := append([]int(nil), s...)
	sort.Ints(out)
	return out
}

func TestMaxCliqueEmpty(t *testing.T) {
	test.That(t, maxClique(nil, 50), test.ShouldBeNil)
}

func TestMaxCliqueSingleton(t *testing.T) {
	got := maxClique(adjacency(1, nil), 50)
	test.That(t, got, test.ShouldResemble, []int{0})
}

func TestMaxCliqueTriangle(t *testing.T) {
	// triangle 0-1-2 plus pendant 3
	adj := adjacency(4, [][2]int{{0, 1}, {1, 2}, {0, 2}, {2, 3}})
	got := sorted(maxClique(adj, 50))
	test.That(t, got, test.ShouldResemble, []int{0, 1, 2})
}

func TestMaxCliqueTwoCliques(t *testing.T) {
	// K3 on {0,1,2} and K4 on {3,4,5,6}
	adj := adjacency(7, [][2]int{
		{0, 1}, {1, 2}, {0, 2},
		{3, 4}, {3, 5}, {3, 6}, {4, 5}, {4, 6}, {5, 6},
	})
	got := sorted(maxClique(adj, 50))
	test.That(t, got, test.ShouldResemble, []int{3, 4, 5, 6})
}

func TestMaxCliqueGreedyFallback(t *testing.T) {
	// far past the exhaustive bound: 60 vertices, K5 on the first five
	edges := [][2]int{}
	for i := 0; i < 5; i++ {
		for j := i + 1; j < 5; j++ {
			edges = append(edges, [2]int{i, j})
		}
	}
	adj := adjacency(60, edges)
	got := sorted(maxClique(adj, 50))
	test.That(t, got, test.ShouldResemble, []int{0, 1, 2, 3, 4})
}

func TestMaxCliqueExhaustiveMatchesGreedyOnDense(t *testing.T) {
	// a deterministic pseudo-random graph; exact search must never lose to
	// greedy
	n := 18
	edges := [][2]int{}
	state := uint64(12345)
	next := func() uint64 {
		state = state*6364136223846793005 + 1442695040888963407
		return state >> 33
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if next()%3 != 0 {
				edges = append(edges, [2]int{i, j})
			}
		}
	}
	adj := adjacency(n, edges)
	exact := maxClique(adj, 50)
	greedy := greedyClique(adj)
	test.That(t, len(exact), test.ShouldBeGreaterThanOrEqualTo, len(greedy))

	// and the result must actually be a clique
	for i := 0; i < len(exact); i++ {
		for j := i + 1; j < len(exact); j++ {
			test.That(t, adj[exact[i]][exact[j]], test.ShouldBeTrue)
		}
	}
}
