package utils

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestParallelFor(t *testing.T) {
	old := NumThreads
	NumThreads = 4
	defer func() { NumThreads = old }()

	var sum atomic.Int64
	ParallelFor(1000, func(i int) {
		sum.Add(int64(i))
	})
	if got := sum.Load(); got != 499500 {
		t.Errorf("sum = %d, want 499500", got)
	}

	// n == 0 must not hang.
	ParallelFor(0, func(i int) { t.Error("called for empty range") })
}

func TestParallelForEach(t *testing.T) {
	old := NumThreads
	NumThreads = 8
	defer func() { NumThreads = old }()

	elems := make([]int, 100)
	for i := range elems {
		elems[i] = i
	}

	var mu sync.Mutex
	seen := make(map[int]bool)
	ParallelForEach(elems, func(v int) {
		mu.Lock()
		seen[v] = true
		mu.Unlock()
	})

	if len(seen) != 100 {
		t.Errorf("visited %d elements, want 100", len(seen))
	}
}

// TestWorkQueue models archive pull-in: processing a node feeds its
// children, and the queue must drain the whole reachable set.
func TestWorkQueue(t *testing.T) {
	old := NumThreads
	NumThreads = 4
	defer func() { NumThreads = old }()

	children := map[int][]int{
		0: {1, 2},
		1: {3},
		2: {3, 4},
		3: {},
		4: {5, 6, 7},
	}

	var mu sync.Mutex
	visited := make(map[int]bool)

	WorkQueue([]int{0}, func(n int, feed func(int)) {
		mu.Lock()
		first := !visited[n]
		visited[n] = true
		mu.Unlock()
		if !first {
			return
		}
		for _, c := range children[n] {
			feed(c)
		}
	})

	for i := 0; i <= 7; i++ {
		if !visited[i] {
			t.Errorf("node %d not visited", i)
		}
	}
}

func TestWorkQueueEmpty(t *testing.T) {
	old := NumThreads
	NumThreads = 2
	defer func() { NumThreads = old }()

	WorkQueue(nil, func(n int, feed func(int)) {
		t.Error("called with no roots")
	})
}
