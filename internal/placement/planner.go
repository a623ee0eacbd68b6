package placement

import (
	"sort"

	"github.com/blockmesh/blockmesh/internal/metadata_registry"
)

// planState tracks free bytes as blocks are assigned, so a plan never
// overcommits a node.
type planState struct {
	free   map[string]int64
	labels []string
}

func newPlanState(nodes []metadata_registry.NodeInfo) *planState {
	st := &planState{free: make(map[string]int64, len(nodes))}
	for _, n := range nodes {
		st.free[n.Label] = n.Free()
		st.labels = append(st.labels, n.Label)
	}
	return st
}

// pick returns the node with the greatest free bytes that can hold size,
// ties broken by lowest label. Excluded labels are skipped.
func (st *planState) pick(size int64, exclude map[string]bool) (string, bool) {
	candidates := make([]string, 0, len(st.labels))
	for _, label := range st.labels {
		if exclude[label] {
			continue
		}
		if st.free[label] < size {
			continue
		}
		candidates = append(candidates, label)
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := st.free[candidates[i]], st.free[candidates[j]]
		if fi != fj {
			return fi > fj
		}
		return metadata_registry.LabelLess(candidates[i], candidates[j])
	})
	return candidates[0], true
}

func (st *planState) commit(label string, size int64) {
	st.free[label] -= size
}

// Plan assigns an original and a replica host to every block. The online
// set must hold at least two nodes and twice the file's bytes in
// aggregate free space.
func Plan(sizes []int64, nodes []metadata_registry.NodeInfo) ([]Assignment, error) {
	if len(nodes) < 2 {
		return nil, ErrInsufficientCapacity
	}

	var total, free int64
	for _, s := range sizes {
		total += s
	}
	for _, n := range nodes {
		free += n.Free()
	}
	if free < 2*total {
		return nil, ErrInsufficientCapacity
	}

	st := newPlanState(nodes)
	plan := make([]Assignment, 0, len(sizes))
	for i, size := range sizes {
		original, ok := st.pick(size, nil)
		if !ok {
			return nil, ErrInsufficientCapacity
		}
		st.commit(original, size)

		replica, ok := st.pick(size, map[string]bool{original: true})
		if !ok {
			return nil, ErrInsufficientCapacity
		}
		st.commit(replica, size)

		plan = append(plan, Assignment{
			Index:    i,
			Size:     size,
			Original: original,
			Replica:  replica,
		})
	}
	return plan, nil
}
