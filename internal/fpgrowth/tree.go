package fpgrowth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Tree is the shared FP-tree. The root is implicit: it has ID 0, no item,
// and support 0, and is never returned by Nodes or Items.
//
// Insert must be atomic per node: two concurrent inserts extending the same
// prefix converge on one chain of nodes.
type Tree interface {
	// Insert walks items from the root, incrementing the support of each
	// matching child and creating missing children with support 1.
	Insert(ctx context.Context, items []Item) error
	// Items returns the distinct items present in the tree.
	Items(ctx context.Context) ([]Item, error)
	// PathsTo returns every root-to-node path ending at a node holding item.
	PathsTo(ctx context.Context, item Item) ([]Path, error)
	Nodes(ctx context.Context) ([]Node, error)
	// Clear removes every node.
	Clear(ctx context.Context) error
}

// Node is a non-root FP-tree node. Parent is 0 for children of the root.
type Node struct {
	ID      int64
	Parent  int64
	Item    Item
	Support int
}

// Path is a root-to-node path; Supports[i] is the support of the node
// holding Items[i]. The root is not included.
type Path struct {
	Items    []Item
	Supports []int
}

// Support is the support of the path's end node.
func (p Path) Support() int {
	if len(p.Supports) == 0 {
		return 0
	}
	return p.Supports[len(p.Supports)-1]
}

// Validate checks that the path is non-empty, ends at want, and that
// support never increases with depth.
func (p Path) Validate(want Item) error {
	if len(p.Items) == 0 || len(p.Items) != len(p.Supports) {
		return fmt.Errorf("%w: malformed path to %s", ErrStructural, want)
	}
	if p.Items[len(p.Items)-1] != want {
		return fmt.Errorf("%w: path to %s ends at %s", ErrStructural, want, p.Items[len(p.Items)-1])
	}
	for i := 1; i < len(p.Supports); i++ {
		if p.Supports[i] > p.Supports[i-1] {
			return fmt.Errorf("%w: support increases from %d to %d at %s on path to %s",
				ErrStructural, p.Supports[i-1], p.Supports[i], p.Items[i], want)
		}
	}
	return nil
}

// CheckMonotonic verifies that no node's support exceeds its parent's.
// Children of the root are not compared since the root's support is 0.
func CheckMonotonic(nodes []Node) error {
	byID := make(map[int64]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		if n.Parent == 0 {
			continue
		}
		p, ok := byID[n.Parent]
		if !ok {
			return fmt.Errorf("%w: node %d has missing parent %d", ErrStructural, n.ID, n.Parent)
		}
		if n.Support > p.Support {
			return fmt.Errorf("%w: node %d (%s) support %d exceeds parent %d (%s) support %d",
				ErrStructural, n.ID, n.Item, n.Support, p.ID, p.Item, p.Support)
		}
	}
	return nil
}

// Arena is an in-memory Tree. Nodes live in a slice addressed by index,
// index 0 being the root; a mutex serializes insertion.
type Arena struct {
	mu    sync.Mutex
	nodes []arenaNode
}

type arenaNode struct {
	item     Item
	parent   int
	support  int
	children map[Item]int
}

var _ Tree = (*Arena)(nil)

func NewArena() *Arena {
	a := &Arena{}
	a.reset()
	return a
}

func (a *Arena) reset() {
	a.nodes = []arenaNode{{parent: -1, children: map[Item]int{}}}
}

func (a *Arena) Insert(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insert(items, 1)
	return nil
}

// insert adds weight to every node along items, creating nodes as needed.
// Callers hold mu.
func (a *Arena) insert(items []Item, weight int) {
	cur := 0
	for _, it := range items {
		child, ok := a.nodes[cur].children[it]
		if !ok {
			child = len(a.nodes)
			a.nodes = append(a.nodes, arenaNode{item: it, parent: cur, children: map[Item]int{}})
			a.nodes[cur].children[it] = child
		}
		a.nodes[child].support += weight
		cur = child
	}
}

func (a *Arena) Items(ctx context.Context) ([]Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[Item]struct{})
	var items []Item
	for _, n := range a.nodes[1:] {
		if _, ok := seen[n.item]; !ok {
			seen[n.item] = struct{}{}
			items = append(items, n.item)
		}
	}
	slices.SortFunc(items, Item.Compare)
	return items, nil
}

func (a *Arena) PathsTo(ctx context.Context, item Item) ([]Path, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var paths []Path
	for i := 1; i < len(a.nodes); i++ {
		if a.nodes[i].item == item {
			paths = append(paths, a.path(i))
		}
	}
	return paths, nil
}

// path walks from node i up to the root. Callers hold mu.
func (a *Arena) path(i int) Path {
	var p Path
	for ; i > 0; i = a.nodes[i].parent {
		p.Items = append(p.Items, a.nodes[i].item)
		p.Supports = append(p.Supports, a.nodes[i].support)
	}
	slices.Reverse(p.Items)
	slices.Reverse(p.Supports)
	return p
}

func (a *Arena) Nodes(ctx context.Context) ([]Node, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nodes := make([]Node, 0, len(a.nodes)-1)
	for i := 1; i < len(a.nodes); i++ {
		n := a.nodes[i]
		nodes = append(nodes, Node{ID: int64(i), Parent: int64(n.parent), Item: n.item, Support: n.support})
	}
	return nodes, nil
}

func (a *Arena) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return nil
}

// Len returns the number of nodes, root excluded.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes) - 1
}

// Snapshot renders the tree one node per line, children indented under
// their parent and ordered by item, e.g. "user_id: builtins.int (5)".
// Two trees with the same shape and supports render identically.
func (a *Arena) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var b strings.Builder
	a.render(&b, 0, 0)
	return b.String()
}

func (a *Arena) render(b *strings.Builder, i, depth int) {
	if i != 0 {
		fmt.Fprintf(b, "%s%s (%d)\n", strings.Repeat("  ", depth-1), a.nodes[i].item, a.nodes[i].support)
	}
	keys := make([]Item, 0, len(a.nodes[i].children))
	for it := range a.nodes[i].children {
		keys = append(keys, it)
	}
	slices.SortFunc(keys, Item.Compare)
	for _, it := range keys {
		a.render(b, a.nodes[i].children[it], depth+1)
	}
}
