package transcript

import (
	"fmt"

	"github.com/xiaot623/surveychat/internal/domain"
)

// Thread is a root-level conversation of the forest.
type Thread struct {
	Key    string
	Label  string
	RootID string
	// Rows holds indices into Forest.Rows in input order.
	Rows []int
}

// Forest groups parsed rows under their thread roots.
type Forest struct {
	Rows    []Row
	Threads []Thread
}

// BuildForest resolves each row's root by following parent ids. A row with
// no parent, or whose parent is not in the transcript, is its own root.
// Threads are ordered by the first row that reaches them.
func BuildForest(rows []Row) (*Forest, error) {
	byID := make(map[string]int, len(rows))
	for i, r := range rows {
		byID[r.MessageID] = i
	}

	roots := make(map[string]string, len(rows))
	resolve := func(start string) (string, error) {
		visited := map[string]bool{}
		path := []string{}
		cur := start
		for {
			if root, ok := roots[cur]; ok {
				cur = root
				break
			}
			if visited[cur] {
				return "", domain.Integrity(domain.CodeCyclicParentGraph,
					fmt.Sprintf("message %q is part of a parent cycle", cur))
			}
			visited[cur] = true
			path = append(path, cur)
			parent := rows[byID[cur]].ParentID
			if _, ok := byID[parent]; parent == "" || !ok {
				break
			}
			cur = parent
		}
		for _, id := range path {
			roots[id] = cur
		}
		return cur, nil
	}

	f := &Forest{Rows: rows}
	threadOf := make(map[string]int)
	for i, r := range rows {
		root, err := resolve(r.MessageID)
		if err != nil {
			return nil, err
		}
		t, ok := threadOf[root]
		if !ok {
			t = len(f.Threads)
			threadOf[root] = t
			f.Threads = append(f.Threads, Thread{
				Key:    domain.ThreadKeyFor(root),
				Label:  domain.ThreadLabel(t + 1),
				RootID: root,
			})
		}
		f.Threads[t].Rows = append(f.Threads[t].Rows, i)
	}
	return f, nil
}
